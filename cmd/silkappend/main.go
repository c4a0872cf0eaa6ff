// Command silkappend drains a directory of completed incremental files
// produced by silkpack's incremental-files/sending output modes and
// appends each onto its destination hourly file (spec.md §1, §4.10).
package main

import (
	"fmt"
	"os"

	"github.com/movsoftware/silk-sub011/internal/appender"
	"github.com/movsoftware/silk-sub011/internal/daemonconfig"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/supervisor"
)

func main() {
	cfg, err := daemonconfig.ParseAppendFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	setupLogging(cfg.LogLevel, cfg.LogFile)

	sup := supervisor.New()
	sup.Start()

	a := appender.New(appender.Config{
		IncomingDir:       cfg.IncomingDir,
		ArchiveDir:        cfg.ArchiveDir,
		FlatArchive:       cfg.FlatArchive,
		ErrorDir:          cfg.ErrorDir,
		DestRoot:          cfg.DestRoot,
		Threads:           cfg.Threads,
		PollInterval:      cfg.PollInterval,
		RejectHoursPast:   cfg.RejectHoursPast,
		RejectHoursFuture: cfg.RejectHoursFuture,
		HourFileCommand:   cfg.HourFileCommand,
		NoLocking:         cfg.NoFileLocking,
	})

	go func() {
		sup.Wait()
		a.Stop()
	}()

	log.Info("silkappend: starting %d worker thread(s) on %v", cfg.Threads, cfg.IncomingDir)
	a.Run()

	stats := a.StatsSnapshot()
	log.Info("silkappend: exiting: appended=%d rejected=%d records_moved=%d",
		stats.FilesAppended, stats.FilesRejected, stats.RecordsMoved)
}

func setupLogging(level, logfile string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.ERROR
	}
	log.AddLogger("stderr", os.Stderr, lvl, true)
	if logfile != "" {
		f, err := os.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Error("silkappend: open logfile %v: %v", logfile, err)
			return
		}
		log.AddLogger("file", f, lvl, false)
	}
}
