// Package daemonconfig defines the command-line startup options for
// silkpack and silkappend (spec.md §5/§6), grounded on
// src/minimega/main.go's flag-variable style: a package-level set of
// named, documented flags with sane defaults, parsed once at startup.
package daemonconfig

import (
	"flag"
	"fmt"
	"time"
)

// PackConfig holds every silkpack startup option.
type PackConfig struct {
	InputMode          string
	OutputMode         string
	RootDir            string
	IncrementalDir     string
	SenderDir          string
	ErrorDir           string
	ArchiveDir         string
	FlatArchive        bool
	PostArchiveCommand string
	SensorConfig       string
	PackingLogic       string
	FileCacheSize      int // default 128, min 4
	FlushTimeout       time.Duration
	PollInterval       time.Duration
	ByteOrder          string
	NoFileLocking      bool
	PackInterfaces     bool
	NetflowFile        string
	SensorName         string
	LogLevel           string
	LogFile            string
}

// ParsePackFlags parses silkpack's flags out of args (typically
// os.Args[1:]).
func ParsePackFlags(args []string) (*PackConfig, error) {
	fs := flag.NewFlagSet("silkpack", flag.ContinueOnError)
	c := &PackConfig{}

	fs.StringVar(&c.InputMode, "input-mode", "", "ingest variant: network-pdu, network-ipfix, poll-dir-mixed, poll-dir-fcfiles, poll-dir-respool, single-file-pdu, network-pcap (required)")
	fs.StringVar(&c.OutputMode, "output-mode", "direct", "output mode: direct, incremental-files, sending")
	fs.StringVar(&c.RootDir, "root-directory", "", "repository root for direct-mode output")
	fs.StringVar(&c.IncrementalDir, "incremental-directory", "", "working directory for incremental-files/sending output")
	fs.StringVar(&c.SenderDir, "sender-directory", "", "directory served/pushed to downstream consumers in sending mode")
	fs.StringVar(&c.ErrorDir, "error-directory", "", "error directory for input files (accepted; silkpack does not move or remove its input files)")
	fs.StringVar(&c.ArchiveDir, "archive-directory", "", "archive directory for input files (accepted; silkpack does not move or remove its input files)")
	fs.BoolVar(&c.FlatArchive, "flat-archive", false, "flat archive layout (accepted; silkpack does not archive its input files)")
	fs.StringVar(&c.PostArchiveCommand, "post-archive-command", "", "command run after archiving (accepted; silkpack does not archive its input files, so it is never run)")
	fs.StringVar(&c.SensorConfig, "sensor-configuration", "", "path to the probe/sensor configuration file")
	fs.StringVar(&c.PackingLogic, "packing-logic", "respool", "classification plug-in name")
	fs.IntVar(&c.FileCacheSize, "file-cache-size", 128, "maximum concurrently open output streams (min 4)")
	fs.DurationVar(&c.FlushTimeout, "flush-timeout", 120*time.Second, "flush/move timer interval")
	fs.DurationVar(&c.PollInterval, "polling-interval", 15*time.Second, "directory-poll interval for poll-dir-* inputs")
	fs.StringVar(&c.ByteOrder, "byte-order", "native", "output byte order: native, little, big, as-is")
	fs.BoolVar(&c.NoFileLocking, "no-file-locking", false, "disable advisory flock on output files")
	fs.BoolVar(&c.PackInterfaces, "pack-interfaces", false, "accepted but not read by silkpack; records always carry ingress/egress interface indices")
	fs.StringVar(&c.NetflowFile, "netflow-file", "", "accepted but not read by silkpack; a probe's 'file' binding in the sensor configuration names the input file")
	fs.StringVar(&c.SensorName, "sensor-name", "", "accepted but not read by silkpack")
	fs.StringVar(&c.LogLevel, "level", "error", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&c.LogFile, "logfile", "", "also log to file")

	fs.Usage = func() { packUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.InputMode == "" {
		return nil, fmt.Errorf("daemonconfig: -input-mode is required")
	}
	if c.FileCacheSize < 4 {
		c.FileCacheSize = 4
	}
	return c, nil
}

func packUsage(fs *flag.FlagSet) {
	fmt.Fprintln(fs.Output(), "silkpack: pack incoming flow records into per-(flowtype,sensor,hour) files")
	fs.PrintDefaults()
}

// AppendConfig holds every silkappend startup option.
type AppendConfig struct {
	IncomingDir       string
	DestRoot          string
	ArchiveDir        string
	FlatArchive       bool
	ErrorDir          string
	Threads           int // default 1, min 1
	RejectHoursPast   int
	RejectHoursFuture int
	HourFileCommand   string
	NoFileLocking     bool
	PollInterval      time.Duration
	LogLevel          string
	LogFile           string
}

// ParseAppendFlags parses silkappend's flags out of args.
func ParseAppendFlags(args []string) (*AppendConfig, error) {
	fs := flag.NewFlagSet("silkappend", flag.ContinueOnError)
	c := &AppendConfig{}

	fs.StringVar(&c.IncomingDir, "incoming-directory", "", "directory polled for completed incremental files (required)")
	fs.StringVar(&c.DestRoot, "root-directory", "", "repository root holding the hourly files to append onto (required)")
	fs.StringVar(&c.ArchiveDir, "archive-directory", "", "where to move incremental files once appended")
	fs.BoolVar(&c.FlatArchive, "flat-archive", false, "archive directly under archive-directory instead of YYYY/MM/DD/HH")
	fs.StringVar(&c.ErrorDir, "error-directory", "", "where to route incremental files that fail to append")
	fs.IntVar(&c.Threads, "threads", 1, "number of appender worker threads (min 1)")
	fs.IntVar(&c.RejectHoursPast, "reject-hours-past", 0, "reject incremental files older than this many hours (0 disables)")
	fs.IntVar(&c.RejectHoursFuture, "reject-hours-future", 0, "reject incremental files this many hours in the future (0 disables)")
	fs.StringVar(&c.HourFileCommand, "hour-file-command", "", "shell command run when a new hourly file is created, %s replaced with its path")
	fs.BoolVar(&c.NoFileLocking, "no-file-locking", false, "disable advisory flock on incremental and destination files")
	fs.DurationVar(&c.PollInterval, "polling-interval", 15*time.Second, "incoming-directory poll interval")
	fs.StringVar(&c.LogLevel, "level", "error", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&c.LogFile, "logfile", "", "also log to file")

	fs.Usage = func() { appendUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.IncomingDir == "" {
		return nil, fmt.Errorf("daemonconfig: -incoming-directory is required")
	}
	if c.DestRoot == "" {
		return nil, fmt.Errorf("daemonconfig: -root-directory is required")
	}
	if c.Threads < 1 {
		c.Threads = 1
	}
	return c, nil
}

func appendUsage(fs *flag.FlagSet) {
	fmt.Fprintln(fs.Output(), "silkappend: append completed incremental files onto their destination hourly files")
	fs.PrintDefaults()
}
