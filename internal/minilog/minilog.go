// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package minilog

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	LogLevel = new(minilogLevelFlag)
	Verbose  = flag.Bool("v", true, "log on stderr")
	File     = flag.String("logfile", "", "also log to file")
)

type minilogLevelFlag struct {
	set bool
	lvl Level
}

func init() {
	LogLevel.lvl = WARN
	flag.Var(LogLevel, "level", "set log level: [debug, info, warn, error, fatal]")
}

func (f *minilogLevelFlag) Set(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	f.lvl = l
	f.set = true
	return nil
}

func (f *minilogLevelFlag) String() string {
	if f == nil {
		return WARN.String()
	}
	return f.lvl.String()
}

type minilogger struct {
	logger  *golog.Logger
	Level   Level
	color   bool
	filters []string
}

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

// AddLogger registers a named logger writing to output, filtering out
// events below level.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{golog.New(output, "", golog.LstdFlags), level, color, nil}
}

// DelLogger removes a named logger added with AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

// Loggers returns the names of all currently registered loggers.
func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog returns true if logging at level would produce output on any
// registered logger. Useful when the message itself is expensive to build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

// SetLevel changes the level of a named logger.
func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].Level = level
	return nil
}

// GetLevel returns the level of a named logger.
func GetLevel(name string) (Level, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if loggers[name] == nil {
		return -1, errors.New("logger does not exist")
	}
	return loggers[name].Level, nil
}

// LogAll reads lines from i until EOF, logging each at level under name.
// Starts a goroutine and returns immediately.
func LogAll(i io.Reader, level Level, name string) {
	go func() {
		r := bufio.NewReader(i)
		for {
			d, err := r.ReadString('\n')
			if d := strings.TrimSpace(d); d != "" {
				logf(level, name, "%s", d)
			}
			if err != nil {
				return
			}
		}
	}()
}

// Init wires up loggers according to the LogLevel/Verbose/File flags. Call
// after flag.Parse.
func Init() {
	if *Verbose {
		AddLogger("stdio", os.Stderr, LogLevel.lvl, true)
	}

	if *File != "" {
		if err := os.MkdirAll(filepath.Dir(*File), 0755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logfile, err := os.OpenFile(*File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		AddLogger("file", logfile, LogLevel.lvl, false)
	}
}

func logf(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	msg := fmt.Sprintf(format, arg...)
	for _, logger := range loggers {
		if logger.Level <= level {
			logger.logger.Printf("%s[%s] %s", levelTag(level), name, msg)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	msg := fmt.Sprintln(arg...)
	for _, logger := range loggers {
		if logger.Level <= level {
			logger.logger.Printf("%s[%s] %s", levelTag(level), name, msg)
		}
	}
}

func levelTag(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG "
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR "
	case FATAL:
		return "FATAL "
	}
	return ""
}

func Debug(format string, arg ...interface{}) { logf(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { logf(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { logf(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { logf(ERROR, "", format, arg...) }
func Fatal(format string, arg ...interface{}) {
	logf(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }
func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}
