// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

// Package minilog extends Go's logging functionality to allow for multiple
// named loggers, each with their own level and destination. Call AddLogger
// to register a writer, then use the package-level logging functions to
// send messages to every logger whose level permits it.
package minilog

import (
	"errors"
	"fmt"
)

type Level int

// Log levels supported, low to high severity.
const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// ParseLevel returns the log level named by s.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return -1, errors.New("invalid log level: " + s)
}

// Set implements flag.Value so a Level can be a flag destination directly.
func (l *Level) Set(s string) (err error) {
	*l, err = ParseLevel(s)
	return
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	case FATAL:
		return "fatal"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}
