// Package opener implements the two Output Opener variants (C6, spec.md
// §4.6): the repository opener (direct mode, §4.6.1) and the
// incremental opener (staged modes, §4.6.2). Both populate the canonical
// header from internal/flowrecord and satisfy the streamcache.Opener
// interface.
package opener

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

// NamingRule maps a cache key to a site-specific relative path (spec.md
// §4.6.1: "Given key → path via the site naming rule"). DefaultNaming
// implements the reference layout; a site may supply its own.
type NamingRule func(key streamcache.Key) string

// DefaultNaming lays files out as ft<N>/s<N>/<UTC-day>/<hour-file>, which
// is stable, sortable, and matches the teacher's own path conventions
// (e.g. src/minimega/capture.go's filepath.Join(*f_iomBase, filename)
// pattern of composing a base with computed path segments).
func DefaultNaming(key streamcache.Key) string {
	t := time.UnixMilli(key.HourMs).UTC()
	return filepath.Join(
		fmt.Sprintf("ft%d", key.FlowtypeID),
		fmt.Sprintf("s%d", key.SensorID),
		t.Format("2006/01/02"),
		fmt.Sprintf("%s.%02d", t.Format("20060102"), t.Hour()),
	)
}

// BaseName returns just the final path element DefaultNaming (or any
// NamingRule following the same convention) would produce for key.
func BaseName(key streamcache.Key) string {
	return filepath.Base(DefaultNaming(key))
}
