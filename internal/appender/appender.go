package appender

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/movsoftware/silk-sub011/internal/disposition"
	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/ingest"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/opener"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

// Config holds the startup options specific to rwflowappend (spec.md
// §4.10, §appender-specific daemonconfig fields).
type Config struct {
	IncomingDir    string
	ArchiveDir     string
	FlatArchive    bool
	ErrorDir       string
	DestRoot       string // repository root the appended-to hourly files live under
	Naming         opener.NamingRule
	Threads        int // default 1, min 1
	PollInterval   time.Duration
	RejectHoursPast   int // reject incremental files older than this many hours; 0 disables
	RejectHoursFuture int // reject incremental files this many hours in the future; 0 disables
	HourFileCommand   string // spawned with %s=dest path when a new hourly file is created
	NoLocking         bool
}

// Appender runs Config.Threads worker goroutines draining IncomingDir.
type Appender struct {
	cfg    Config
	poller *ingest.DirPoller
	locks  *LockSet
	disp   disposition.Policy

	shutdown int32
	stats    Stats
}

// Stats are the appender's process-wide counters.
type Stats struct {
	FilesAppended int64
	FilesRejected int64
	RecordsMoved  int64
}

func New(cfg Config) *Appender {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Naming == nil {
		cfg.Naming = opener.DefaultNaming
	}
	return &Appender{
		cfg:    cfg,
		poller: ingest.NewDirPoller(cfg.IncomingDir, cfg.PollInterval),
		locks:  NewLockSet(),
		disp: disposition.Policy{
			ArchiveDir:  cfg.ArchiveDir,
			FlatArchive: cfg.FlatArchive,
			ErrorDir:    cfg.ErrorDir,
		},
	}
}

// Run launches cfg.Threads worker goroutines and blocks until all have
// exited (which happens once Stop is called and the poller is drained).
func (a *Appender) Run() {
	done := make(chan struct{}, a.cfg.Threads)
	for i := 0; i < a.cfg.Threads; i++ {
		go func(id int) {
			a.workerLoop(id)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < a.cfg.Threads; i++ {
		<-done
	}
}

func (a *Appender) Stop() {
	atomic.StoreInt32(&a.shutdown, 1)
	a.poller.Stop()
}

func (a *Appender) StatsSnapshot() Stats { return a.stats }

// errIncrementalBusy marks an appendOne outcome that isn't the file's
// fault: another process already holds its lock, or it vanished between
// the poller seeing it and us opening it. Neither warrants routing the
// file to the error directory — it's simply skipped for this pass.
var errIncrementalBusy = errors.New("appender: incremental file busy")

func (a *Appender) workerLoop(id int) {
	for {
		if atomic.LoadInt32(&a.shutdown) != 0 {
			return
		}
		path, ok := a.poller.NextFile()
		if !ok {
			return
		}
		if err := a.appendOne(path); err != nil {
			if errors.Is(err, errIncrementalBusy) {
				log.Debug("appender[%d]: %v: %v, skipping", id, path, err)
				continue
			}
			log.Warn("appender[%d]: %v: %v", id, path, err)
			atomic.AddInt64(&a.stats.FilesRejected, 1)
			if ferr := a.disp.Fail(path); ferr != nil {
				log.Error("appender[%d]: %v: route to error dir: %v", id, path, ferr)
			}
			continue
		}
		atomic.AddInt64(&a.stats.FilesAppended, 1)
	}
}

// appendOne runs the 12-step sequence from spec.md §4.10 for a single
// incremental file already handed to us by the poller (steps 1-2 are the
// caller's job; this starts at step 2's file-open).
func (a *Appender) appendOne(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", errIncrementalBusy, err)
		}
		return fmt.Errorf("open incremental file: %w", err)
	}
	defer f.Close()

	if !a.cfg.NoLocking {
		if err := lockExclusiveNB(f); err != nil {
			if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
				return fmt.Errorf("%w: already locked", errIncrementalBusy)
			}
			return fmt.Errorf("lock incremental file: %w", err)
		}
		defer unlockExclusive(f)
	}

	hdr, err := flowrecord.ReadHeader(f)
	if err == io.EOF {
		// Empty incremental file: nothing to append, archive as-is.
		return a.disp.Dispose(path)
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	order := hdr.Order.Binary()
	first, ferr := flowrecord.Decode(f, order)
	if ferr == io.EOF {
		return a.disp.Dispose(path)
	}
	if ferr != nil {
		return fmt.Errorf("read first record: %w", ferr)
	}

	if reason := a.rejectWindow(hdr); reason != "" {
		return fmt.Errorf("time-window policy: %v", reason)
	}

	destRel := a.cfg.Naming(destKey(hdr))
	dest := filepath.Join(a.cfg.DestRoot, destRel)
	destBase := filepath.Base(dest)

	a.locks.Acquire(destBase)
	defer a.locks.Release(destBase)

	if err := a.appendRecords(dest, hdr, first, f); err != nil {
		return err
	}
	return a.disp.Dispose(path)
}

// appendRecords implements steps 7-10: open (or create) dest, remember
// the pre-append byte offset as pos, copy every record from src (first,
// plus the rest of the stream), and flush/close.
func (a *Appender) appendRecords(dest string, hdr flowrecord.Header, first *flowrecord.Record, src io.Reader) error {
	existed := false
	if _, err := os.Stat(dest); err == nil {
		existed = true
	}

	if !existed {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("mkdir dest dir: %w", err)
		}
	}

	df, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open dest: %w", err)
	}
	closeErr := error(nil)
	defer func() {
		if closeErr != nil {
			// Records already landed on disk (flush/write succeeded);
			// only the close failed. Leaving the file's on-disk state
			// as "unknown" rather than truncating is the Open Question
			// decision for this case (spec.md §9): truncating here
			// could throw away records a concurrent reader already saw.
			log.Warn("appender: close %v after successful append: state unknown: %v", dest, closeErr)
		}
	}()
	defer func() { closeErr = df.Close() }()

	if !a.cfg.NoLocking {
		if err := lockExclusive(df); err != nil {
			return fmt.Errorf("lock dest: %w", err)
		}
		defer unlockExclusive(df)
	}

	order := hdr.Order.Binary()

	pos, err := df.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek dest end: %w", err)
	}
	if pos == 0 {
		if werr := flowrecord.WriteHeader(df, flowrecord.Header{
			Format:      hdr.Format,
			Version:     hdr.Version,
			Order:       hdr.Order,
			Compression: flowrecord.CompressNone,
			Packed:      hdr.Packed,
		}); werr != nil {
			df.Truncate(0)
			return fmt.Errorf("write dest header: %w", werr)
		}
		pos = int64(flowrecord.HeaderLen)
	}

	if werr := flowrecord.Encode(df, first, order); werr != nil {
		df.Truncate(pos)
		return fmt.Errorf("append first record: %w", werr)
	}
	moved := int64(1)

	for {
		rec, derr := flowrecord.Decode(src, order)
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return fmt.Errorf("decode incremental record %d: %w", moved, derr)
		}
		if werr := flowrecord.Encode(df, rec, order); werr != nil {
			df.Truncate(pos)
			return fmt.Errorf("append record %d: %w", moved, werr)
		}
		moved++
	}

	atomic.AddInt64(&a.stats.RecordsMoved, moved)

	if pos == int64(flowrecord.HeaderLen) {
		// pos==0 before the header write above: this append created the
		// destination file from scratch.
		a.runHourFileCommand(dest)
	}

	return nil
}

// rejectWindow applies RejectHoursPast/RejectHoursFuture against the
// incremental file's own packed hour, per spec.md §4.10's time-window
// policy check (step 5).
func (a *Appender) rejectWindow(hdr flowrecord.Header) string {
	hourTime := time.UnixMilli(hdr.Packed.HourMs).UTC()
	now := time.Now().UTC()

	if a.cfg.RejectHoursPast > 0 {
		cutoff := now.Add(-time.Duration(a.cfg.RejectHoursPast) * time.Hour)
		if hourTime.Before(cutoff) {
			return fmt.Sprintf("hour %v is more than %d hours in the past", hourTime, a.cfg.RejectHoursPast)
		}
	}
	if a.cfg.RejectHoursFuture > 0 {
		cutoff := now.Add(time.Duration(a.cfg.RejectHoursFuture) * time.Hour)
		if hourTime.After(cutoff) {
			return fmt.Sprintf("hour %v is more than %d hours in the future", hourTime, a.cfg.RejectHoursFuture)
		}
	}
	return ""
}

func (a *Appender) runHourFileCommand(dest string) {
	if a.cfg.HourFileCommand == "" {
		return
	}
	cmdline := strings.Replace(a.cfg.HourFileCommand, "%s", dest, 1)
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	if err := cmd.Run(); err != nil {
		log.Warn("appender: hour-file-command %q: %v", cmdline, err)
		return
	}
	log.Debug("appender: hour-file-command %q ok", cmdline)
}

func destKey(hdr flowrecord.Header) streamcache.Key {
	return streamcache.Key{
		HourMs:     hdr.Packed.HourMs,
		FlowtypeID: hdr.Packed.FlowtypeID,
		SensorID:   hdr.Packed.SensorID,
	}
}
