package opener

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

// IncrementalOpener implements the staged-mode opener (spec.md §4.6.2):
// every new key gets a zero-byte placeholder plus a dot-prefixed working
// file in Dir; the working file is what records are actually written to.
type IncrementalOpener struct {
	Dir        string
	Naming     NamingRule
	ByteOrder  flowrecord.ByteOrder
	FileFormat flowrecord.FileFormat
	Version    uint16
}

func NewIncrementalOpener(dir string) *IncrementalOpener {
	return &IncrementalOpener{
		Dir:       dir,
		Naming:    DefaultNaming,
		ByteOrder: flowrecord.OrderBig,
		Version:   1,
	}
}

// WorkingName derives the dot-prefixed working-file basename for a
// placeholder basename, per spec.md §6: "the working file has the same
// name prefixed with a literal '.' character".
func WorkingName(placeholderBase string) string {
	return "." + placeholderBase
}

func (o *IncrementalOpener) Open(key streamcache.Key, _ interface{}, priorPath string) (streamcache.OpenResult, error) {
	// Step 1: reopen within the same flush interval.
	if priorPath != "" {
		f, err := os.OpenFile(priorPath, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return streamcache.OpenResult{}, fmt.Errorf("opener: reopen %v: %w", priorPath, err)
		}
		return streamcache.OpenResult{
			Stream:   newFileStream(f, o.ByteOrder.Binary()),
			Filename: priorPath,
			RecCount: 0,
		}, nil
	}

	// Step 2: first time we've seen this key this interval.
	base := filepath.Base(o.Naming(key))
	placeholder, err := createPlaceholder(o.Dir, base)
	if err != nil {
		return streamcache.OpenResult{}, fmt.Errorf("opener: placeholder for %v: %w", base, err)
	}

	workingBase := WorkingName(filepath.Base(placeholder))
	workingPath := filepath.Join(o.Dir, workingBase)

	f, err := os.OpenFile(workingPath, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	if err != nil {
		os.Remove(placeholder)
		return streamcache.OpenResult{}, fmt.Errorf("opener: create working file %v: %w", workingPath, err)
	}

	if werr := flowrecord.WriteHeader(f, flowrecord.Header{
		Format:      o.FileFormat,
		Version:     o.Version,
		Order:       o.ByteOrder,
		Compression: flowrecord.CompressNone,
		Packed: flowrecord.PackedFile{
			HourMs:     key.HourMs,
			FlowtypeID: key.FlowtypeID,
			SensorID:   key.SensorID,
		},
	}); werr != nil {
		f.Close()
		os.Remove(workingPath)
		os.Remove(placeholder)
		return streamcache.OpenResult{}, fmt.Errorf("opener: write header %v: %w", workingPath, werr)
	}

	return streamcache.OpenResult{
		Stream:   newFileStream(f, o.ByteOrder.Binary()),
		Filename: workingPath,
		RecCount: 0,
	}, nil
}

// createPlaceholder atomically creates a zero-byte placeholder named
// base followed by a mkstemp-style random suffix, per spec.md §6.
// os.CreateTemp's own collision-avoiding random suffix stands in for the
// reference system's literal "NAME.XXXXXX" template.
func createPlaceholder(dir, base string) (string, error) {
	f, err := os.CreateTemp(dir, base+".*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
