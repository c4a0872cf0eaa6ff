// Package classify implements the packing-logic plug-in contract (C4,
// spec.md §4.4): the site-supplied function that assigns a flow record
// to 1..N (flowtype, sensor) output classes, plus the built-in respool
// identity strategy used when no site plug-in is configured.
package classify

import (
	"fmt"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/probe"
)

// MaxSplit bounds how many (flowtype, sensor) pairs a single record may
// fan out to (spec.md §4.4).
const MaxSplit = 16

// Target is one classification result: the record should be packed into
// the output stream for (FlowtypeID, SensorID).
type Target struct {
	FlowtypeID uint16
	SensorID   uint16
}

// Plugin is the packing-logic contract a site supplies. A compiled-in
// strategy (such as Respool) or a dynamically loaded one can both
// satisfy it.
type Plugin interface {
	// Setup runs once at startup; an error aborts the daemon.
	Setup() error

	// VerifySensor is called once per sensor from the registry at
	// startup so the plug-in can reject configurations it can't handle.
	VerifySensor(s *probe.Sensor) error

	// Classify returns 0..MaxSplit targets for rec as produced by p. An
	// empty result is a classification miss (counted, not fatal); the
	// plug-in may also return an error for a per-record warning, which is
	// likewise non-fatal to the pipeline.
	Classify(p *probe.Probe, rec *flowrecord.Record) ([]Target, error)

	// FormatAndVersion chooses the output file format/version for a
	// given (probe, flowtype). Implementations may return
	// ErrUseDefault to defer to the pipeline's compile-time default.
	FormatAndVersion(p *probe.Probe, flowtypeID uint16) (flowrecord.FileFormat, uint16, error)
}

// ErrUseDefault signals that FormatAndVersion has no opinion and the
// caller should fall back to its own default (spec.md §4.4: "optional;
// if absent a compile-time or IPv6-vs-IPv4 default applies").
var ErrUseDefault = fmt.Errorf("classify: use default format/version")

// DefaultFormatVersion picks the most-expressive format/version given
// whether the record is IPv6, matching the respool-mode default.
func DefaultFormatVersion(rec *flowrecord.Record) (flowrecord.FileFormat, uint16) {
	if rec.IsV6() {
		return flowrecord.FormatGeneric, 6
	}
	return flowrecord.FormatGeneric, 5
}

// Respool is the internal, compiled-in strategy used when the pipeline
// runs in respool mode: classification is the identity function over
// the record's own (flowtype, sensor), and format/version always uses
// the most-expressive default (spec.md §4.4).
type Respool struct{}

func (Respool) Setup() error                                { return nil }
func (Respool) VerifySensor(*probe.Sensor) error             { return nil }
func (Respool) FormatAndVersion(*probe.Probe, uint16) (flowrecord.FileFormat, uint16, error) {
	return 0, 0, ErrUseDefault
}

func (Respool) Classify(_ *probe.Probe, rec *flowrecord.Record) ([]Target, error) {
	return []Target{{FlowtypeID: rec.FlowtypeID, SensorID: rec.SensorID}}, nil
}
