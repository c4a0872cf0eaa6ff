// Copyright (2016) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

//go:build linux

package minilog

import (
	"log/syslog"
)

// AddSyslog adds a syslog writer by connecting to raddr on network, tagged
// with tag. If network == "local", logs to the local syslog daemon.
// Calling more than once replaces the existing syslog writer.
func AddSyslog(network, raddr, tag string, level Level) error {
	var w *syslog.Writer
	var err error

	priority := syslog.LOG_INFO | syslog.LOG_DAEMON

	if network == "local" {
		w, err = syslog.New(priority, tag)
	} else {
		w, err = syslog.Dial(network, raddr, priority, tag)
	}
	if err != nil {
		return err
	}

	AddLogger("syslog", w, level, false)
	return nil
}
