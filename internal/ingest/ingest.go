// Package ingest implements the multi-source ingest layer (C2, spec.md
// §4.2): a uniform record-producer contract over heterogeneous inputs,
// plus one Source implementation per input kind.
package ingest

import (
	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

// ResultKind discriminates the sum type returned by Source.GetRecord.
type ResultKind int

const (
	// KindRecord: a record is ready; the caller must continue pulling.
	KindRecord ResultKind = iota
	// KindBreakPoint: a record is ready and it is also safe to stop after
	// handling it (e.g. end of a UDP datagram's record batch).
	KindBreakPoint
	// KindFileBreak: no record; a safe stop point between input files.
	KindFileBreak
	// KindGetError: no record; transient failure, retry while running.
	KindGetError
	// KindEndStream: no more data will ever come. Terminal.
	KindEndStream
	// KindFatalError: no record; unrecoverable.
	KindFatalError
)

func (k ResultKind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindBreakPoint:
		return "break-point"
	case KindFileBreak:
		return "file-break"
	case KindGetError:
		return "get-error"
	case KindEndStream:
		return "end-stream"
	case KindFatalError:
		return "fatal-error"
	default:
		return "unknown"
	}
}

// GetRecordResult is the value Source.GetRecord returns (spec.md §4.2).
type GetRecordResult struct {
	Kind   ResultKind
	Record *flowrecord.Record // set when Kind is KindRecord or KindBreakPoint
	Err    error              // set when Kind is KindGetError or KindFatalError

	// SourcePath names the input file a record/break came from, for
	// sources that read from files (poll-dir variants, single-file-pdu).
	// Empty for socket-based sources.
	SourcePath string
}

// Source is the capability set every ingest variant implements (spec.md
// §4.2: "{setup, want_probe, start, get_record, print_stats, stop, free,
// cleanup}").
type Source interface {
	// Setup runs once before Start; an error here is fatal to this
	// source's worker only, not the whole daemon.
	Setup() error

	// WantProbe reports the probe name this source instance serves, for
	// logging and registry cross-checks.
	WantProbe() string

	// Start begins producing records; it must be safe to call GetRecord
	// only after Start returns nil.
	Start() error

	// GetRecord pulls the next result. Blocks until a record, a
	// safe-to-stop point, or a terminal condition is available.
	GetRecord() GetRecordResult

	// PrintStats returns a human-readable summary for diagnostics.
	PrintStats() string

	// Stop requests that any in-flight GetRecord return promptly
	// (KindFileBreak or a Stopped GetError; PollDirSource returns
	// KindEndStream once its poller is stopped), and that future calls
	// terminate quickly.
	Stop()

	// Free releases resources Start acquired (sockets, file handles).
	Free()

	// Cleanup runs once after the worker loop has fully exited.
	Cleanup()
}
