// Package pack implements the pack pipeline (C7, spec.md §4.7): the
// per-probe worker loop tying ingest, classification, and the stream
// cache together.
package pack

import (
	"fmt"
	"sync/atomic"

	"github.com/movsoftware/silk-sub011/internal/classify"
	"github.com/movsoftware/silk-sub011/internal/errs"
	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/ingest"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/probe"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

const hourMs = 3_600_000

// Stats are the worker's own aggregate counters (spec.md §4.7: "total,
// bad are owned by the worker and logged on stats callbacks").
type Stats struct {
	Total uint64
	Bad   uint64
}

// Worker runs one probe's ingest → classify → write-through-cache loop.
type Worker struct {
	Probe   *probe.Probe
	Source  ingest.Source
	Plugin  classify.Plugin
	Cache   *streamcache.Cache
	Shutdown *int32 // process-wide shutdown flag, atomic

	stats Stats
}

// Run executes the worker loop from spec.md §4.7 until shutdown or a
// terminal ingest result. It returns the reason the loop exited.
func (w *Worker) Run() error {
	for {
		if atomic.LoadInt32(w.Shutdown) != 0 {
			return errs.ErrStopped
		}

		result := w.Source.GetRecord()
		switch result.Kind {
		case ingest.KindRecord, ingest.KindBreakPoint:
			if err := w.handleRecord(result.Record); err != nil {
				if errs.KindOf(err) == errs.KindFatal {
					atomic.StoreInt32(w.Shutdown, 1)
					return err
				}
				w.stats.Bad++
			}

		case ingest.KindFileBreak, ingest.KindGetError:
			if atomic.LoadInt32(w.Shutdown) != 0 {
				return errs.ErrStopped
			}
			continue

		case ingest.KindEndStream:
			w.Cache.Flush()
			atomic.StoreInt32(w.Shutdown, 1)
			return nil

		case ingest.KindFatalError:
			atomic.StoreInt32(w.Shutdown, 1)
			return result.Err
		}
	}
}

func (w *Worker) handleRecord(rec *flowrecord.Record) error {
	w.stats.Total++

	targets, err := w.Plugin.Classify(w.Probe, rec)
	if err != nil {
		log.Debug("pack: %v: classify: %v", w.Probe.Name, err)
		return errs.New(errs.KindBadRecord, "pack.classify", err)
	}
	if len(targets) == 0 {
		return errs.New(errs.KindBadRecord, "pack.classify", fmt.Errorf("empty classification"))
	}
	if len(targets) > classify.MaxSplit {
		targets = targets[:classify.MaxSplit]
	}

	hour := (rec.StartTimeMs / hourMs) * hourMs

	for _, t := range targets {
		recCopy := *rec
		recCopy.FlowtypeID = t.FlowtypeID
		recCopy.SensorID = t.SensorID

		key := streamcache.Key{FlowtypeID: t.FlowtypeID, SensorID: t.SensorID, HourMs: hour}
		handle, err := w.Cache.LookupOrOpen(key, w.Probe)
		if err != nil {
			return errs.New(errs.KindTransient, "pack.lookup_or_open", err)
		}

		werr := handle.Write(&recCopy)
		handle.Release()
		if werr != nil {
			if errs.KindOf(werr) == errs.KindFatal {
				return werr
			}
			log.Warn("pack: %v: write to (%d,%d,%d): %v", w.Probe.Name, t.FlowtypeID, t.SensorID, hour, werr)
		}
	}
	return nil
}

// StatsSnapshot returns a copy of the worker's current counters.
func (w *Worker) StatsSnapshot() Stats { return w.stats }
