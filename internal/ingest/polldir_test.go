package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

func TestScanOnceRequiresTwoStableScans(t *testing.T) {
	dir := t.TempDir()
	p := NewDirPoller(dir, time.Second)

	path := filepath.Join(dir, "a.dat")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok := p.scanOnce(); ok {
		t.Fatalf("scanOnce: file should not be ready on its first sighting")
	}
	if _, ok := p.scanOnce(); !ok {
		t.Fatalf("scanOnce: file should be ready once unchanged across two scans")
	}
}

func TestScanOnceIgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	p := NewDirPoller(dir, time.Second)

	if err := os.WriteFile(filepath.Join(dir, ".working"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	p.scanOnce()
	if _, ok := p.scanOnce(); ok {
		t.Fatalf("scanOnce: hidden dot-prefixed file should never be returned")
	}
}

func TestScanOnceResetsStabilityWhenSizeChanges(t *testing.T) {
	dir := t.TempDir()
	p := NewDirPoller(dir, time.Second)
	path := filepath.Join(dir, "a.dat")

	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	p.scanOnce()

	if err := os.WriteFile(path, []byte("xy"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.scanOnce(); ok {
		t.Fatalf("scanOnce: growing file should not be considered stable")
	}
	if _, ok := p.scanOnce(); !ok {
		t.Fatalf("scanOnce: file should stabilize once its size stops changing")
	}
}

func TestPollDirSourceTreatsEmptyDecodeAsFileBreak(t *testing.T) {
	dir := t.TempDir()
	poller := NewDirPoller(dir, time.Millisecond)
	path := filepath.Join(dir, "empty.dat")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	src := &PollDirSource{
		Probe:  "p",
		Poller: poller,
		Decode: func(string) ([]*flowrecord.Record, error) { return nil, nil },
	}

	result := src.GetRecord()
	if result.Kind != KindFileBreak {
		t.Fatalf("GetRecord().Kind = %v, want KindFileBreak for a zero-record file", result.Kind)
	}
}

func TestPollDirSourceYieldsRecordsThenBreakPoint(t *testing.T) {
	dir := t.TempDir()
	poller := NewDirPoller(dir, time.Millisecond)
	path := filepath.Join(dir, "data.dat")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	recs := []*flowrecord.Record{{SensorID: 1}, {SensorID: 2}}
	src := &PollDirSource{
		Probe:  "p",
		Poller: poller,
		Decode: func(string) ([]*flowrecord.Record, error) { return recs, nil },
	}

	r1 := src.GetRecord()
	if r1.Kind != KindRecord || r1.Record.SensorID != 1 {
		t.Fatalf("first GetRecord = %+v, want KindRecord sensor 1", r1)
	}
	r2 := src.GetRecord()
	if r2.Kind != KindBreakPoint || r2.Record.SensorID != 2 {
		t.Fatalf("second GetRecord = %+v, want KindBreakPoint sensor 2", r2)
	}
}
