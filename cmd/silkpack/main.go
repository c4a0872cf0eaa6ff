// Command silkpack packs incoming flow records from one or more probes
// into per-(flowtype,sensor,hour) output files (spec.md §1).
//
// Wiring follows src/minimega/main.go's shape: parse flags, set up
// logging, build the long-lived subsystems, launch one goroutine per
// worker, then block until a shutdown signal.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/movsoftware/silk-sub011/internal/admission"
	"github.com/movsoftware/silk-sub011/internal/classify"
	"github.com/movsoftware/silk-sub011/internal/daemonconfig"
	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/flush"
	"github.com/movsoftware/silk-sub011/internal/ingest"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/opener"
	"github.com/movsoftware/silk-sub011/internal/pack"
	"github.com/movsoftware/silk-sub011/internal/probe"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
	"github.com/movsoftware/silk-sub011/internal/supervisor"
)

func main() {
	cfg, err := daemonconfig.ParsePackFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	setupLogging(cfg.LogLevel, cfg.LogFile)

	registry, err := loadRegistry(cfg)
	if err != nil {
		log.Fatal("silkpack: %v", err)
	}

	plugin, err := selectPlugin(cfg.PackingLogic)
	if err != nil {
		log.Fatal("silkpack: %v", err)
	}
	if err := plugin.Setup(); err != nil {
		log.Fatal("silkpack: packing-logic setup: %v", err)
	}
	for _, s := range registry.IterSensors() {
		if err := plugin.VerifySensor(s); err != nil {
			log.Fatal("silkpack: packing-logic rejects sensor %q: %v", s.Name, err)
		}
	}

	sup := supervisor.New()
	sup.Start()

	open, mode := buildOpener(cfg, sup)
	cache := streamcache.New(open, cfg.FileCacheSize)

	adm := admission.NewFromCacheSize(cfg.FileCacheSize)
	admission.CheckRlimit(adm.Max(), cfg.FileCacheSize)

	resolver := probe.NewResolver("")

	timer := flush.NewTimer(cache, mode)
	timer.Interval = cfg.FlushTimeout
	timer.IncrementalDir = cfg.IncrementalDir
	timer.SenderDir = cfg.SenderDir
	timer.Shutdown = sup.ShutdownFlag()

	if mode != flush.ModeDirect && cfg.IncrementalDir != "" {
		if err := flush.RecoverIncomplete(cfg.IncrementalDir, mode, cfg.SenderDir); err != nil {
			log.Warn("silkpack: restart recovery sweep: %v", err)
		}
	}

	var wg supervisor.WaitGroup

	// single-file-pdu drains one file and exits on EndStream; there's no
	// ongoing output to age off a timer (spec.md §4.8).
	if cfg.InputMode != "single-file-pdu" {
		wg.Go(timer.Run)
	}

	wg.Go(func() {
		sup.Wait()
		adm.Shutdown()
	})

	for _, p := range registry.IterProbes() {
		p := p
		src, err := buildSource(cfg, registry, p, adm, resolver)
		if err != nil {
			log.Error("silkpack: probe %q: %v", p.Name, err)
			continue
		}
		if err := src.Setup(); err != nil {
			log.Error("silkpack: probe %q: setup: %v", p.Name, err)
			continue
		}
		if err := src.Start(); err != nil {
			log.Error("silkpack: probe %q: start: %v", p.Name, err)
			continue
		}

		w := &pack.Worker{
			Probe:    p,
			Source:   src,
			Plugin:   plugin,
			Cache:    cache,
			Shutdown: sup.ShutdownFlag(),
		}

		// Runs concurrently with the blocking w.Run() below so a source
		// parked in GetRecord (idle poll-dir wait, blocked UDP read) is
		// woken by Stop() as soon as shutdown is requested, instead of
		// only after Run() has already returned.
		wg.Go(func() {
			sup.Wait()
			src.Stop()
		})
		wg.Go(func() {
			if err := w.Run(); err != nil {
				log.Warn("silkpack: probe %q worker exited: %v", p.Name, err)
			}
			// Unconditional: a clean end-of-stream exit must unblock
			// sup.Wait() too, not just an error exit.
			sup.RequestShutdown()
			src.Free()
			src.Cleanup()
		})
	}

	sup.Wait()
	wg.Wait()
	cache.Close()
}

func selectPlugin(name string) (classify.Plugin, error) {
	switch name {
	case "", "respool":
		return &classify.Respool{}, nil
	default:
		return nil, fmt.Errorf("unknown packing-logic %q", name)
	}
}

func loadRegistry(cfg *daemonconfig.PackConfig) (*probe.Registry, error) {
	if cfg.SensorConfig == "" {
		r := probe.New()
		r.Freeze()
		return r, nil
	}
	f, err := os.Open(cfg.SensorConfig)
	if err != nil {
		return nil, fmt.Errorf("open sensor-configuration %v: %w", cfg.SensorConfig, err)
	}
	defer f.Close()
	return probe.ParseConfig(f)
}

func buildOpener(cfg *daemonconfig.PackConfig, sup *supervisor.Supervisor) (streamcache.Opener, flush.Mode) {
	order := byteOrder(cfg.ByteOrder)

	switch cfg.OutputMode {
	case "incremental-files", "sending":
		o := opener.NewIncrementalOpener(cfg.IncrementalDir)
		o.ByteOrder = order
		mode := flush.ModeIncrementalFiles
		if cfg.OutputMode == "sending" {
			mode = flush.ModeSending
		}
		return o, mode
	default:
		o := opener.NewRepositoryOpener(cfg.RootDir)
		o.ByteOrder = order
		o.NoLocking = cfg.NoFileLocking
		o.Shutdown = sup.ShuttingDown
		return o, flush.ModeDirect
	}
}

func byteOrder(s string) flowrecord.ByteOrder {
	switch s {
	case "little":
		return flowrecord.OrderLittle
	case "big":
		return flowrecord.OrderBig
	case "as-is":
		return flowrecord.OrderAsIs
	default:
		return flowrecord.OrderNative
	}
}

func buildSource(cfg *daemonconfig.PackConfig, registry *probe.Registry, p *probe.Probe, adm *admission.Controller, resolver *probe.Resolver) (ingest.Source, error) {
	sensorID := sensorIDForProbe(registry, p.Name)
	acceptFrom := registry.AcceptFromForProbe(p.Name)

	switch p.Kind {
	case probe.KindNetflowV5:
		if p.Binding == probe.BindingSingleFile {
			return &ingest.PduFileSource{Path: p.FilePath, SensorID: sensorID}, nil
		}
		return &ingest.NetflowV5Source{
			Probe:      p.Name,
			ListenAddr: p.ListenAddr,
			SensorID:   sensorID,
			AcceptFrom: acceptFrom,
			Resolver:   resolver,
		}, nil

	case probe.KindNetflowV9, probe.KindIPFIX, probe.KindSFlow:
		return &ingest.IPFIXSource{
			Probe:      p.Name,
			ListenAddr: p.ListenAddr,
			SensorID:   sensorID,
			AcceptFrom: acceptFrom,
			Resolver:   resolver,
		}, nil

	default:
		if p.Binding == probe.BindingPollDirectory {
			poller := ingest.NewDirPoller(p.PollDir, cfg.PollInterval)
			return &ingest.PollDirSource{
				Probe:  p.Name,
				Poller: poller,
				Decode: decodeCanonicalFile(adm),
			}, nil
		}
		if p.Binding == probe.BindingFTPPoll {
			return &ingest.FTPPollSource{
				Probe:     p.Name,
				Addr:      p.FTPAddr,
				User:      p.FTPUser,
				Pass:      p.FTPPass,
				RemoteDir: p.FTPRemoteDir,
				Interval:  cfg.PollInterval,
				SensorID:  sensorID,
				Decode:    decodeCanonicalReader,
			}, nil
		}
		return nil, fmt.Errorf("unsupported probe kind %v for binding %v", p.Kind, p.Binding)
	}
}

// decodeCanonicalFile reads a poll-dir file already in the canonical
// flow-record format (the poll-dir-respool/poll-dir-fcfiles variants'
// expected input, per spec.md §4.2), gating the open on the admission
// controller the way spec.md §4.1 requires of every ingest path that
// opens a fresh input file.
func decodeCanonicalFile(adm *admission.Controller) func(string) ([]*flowrecord.Record, error) {
	return func(path string) ([]*flowrecord.Record, error) {
		if err := adm.Acquire(); err != nil {
			return nil, err
		}
		defer adm.Release()

		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %v: %w", path, err)
		}
		defer f.Close()

		hdr, err := flowrecord.ReadHeader(f)
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read header %v: %w", path, err)
		}

		order := hdr.Order.Binary()
		var recs []*flowrecord.Record
		for {
			rec, derr := flowrecord.Decode(f, order)
			if derr == io.EOF {
				break
			}
			if derr != nil {
				return recs, fmt.Errorf("decode %v: %w", path, derr)
			}
			recs = append(recs, rec)
		}
		return recs, nil
	}
}

// decodeCanonicalReader is decodeCanonicalFile's logic over an
// already-fetched io.Reader, for sources like FTPPollSource that pull a
// remote file into memory rather than opening a local path.
func decodeCanonicalReader(r io.Reader) ([]*flowrecord.Record, error) {
	hdr, err := flowrecord.ReadHeader(r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	order := hdr.Order.Binary()
	var recs []*flowrecord.Record
	for {
		rec, derr := flowrecord.Decode(r, order)
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return recs, fmt.Errorf("decode: %w", derr)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func sensorIDForProbe(r *probe.Registry, probeName string) uint16 {
	for _, s := range r.IterSensors() {
		for _, pn := range s.Probes {
			if pn == probeName {
				return s.ID
			}
		}
	}
	return 0
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
			log.Error("silkpack: open logfile %v: %v", logfile, err)
			return
		}
		log.AddLogger("file", f, lvl, false)
	}
}
