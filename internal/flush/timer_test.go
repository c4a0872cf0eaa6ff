package flush

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

// fakeStream and fakeOpener mirror the doubles used by
// internal/streamcache's own tests, writing through to a real file on
// disk so Tick's downstream file-move logic has something to operate on.
type fakeStream struct {
	mu  sync.Mutex
	f   *os.File
}

func (s *fakeStream) WriteRecord(r *flowrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.f.WriteString("x")
	return err
}
func (s *fakeStream) Flush() error { return s.f.Sync() }
func (s *fakeStream) Close() error { return s.f.Close() }

type fakeOpener struct {
	dir    string
	prefix string
}

func (o *fakeOpener) Open(key streamcache.Key, ctx interface{}, priorPath string) (streamcache.OpenResult, error) {
	name := priorPath
	if name == "" {
		name = filepath.Join(o.dir, fmt.Sprintf("%s%d-%d-%d", o.prefix, key.SensorID, key.FlowtypeID, key.HourMs))
	}
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return streamcache.OpenResult{}, err
	}
	return streamcache.OpenResult{Stream: &fakeStream{f: f}, Filename: name}, nil
}

func TestTickDirectModeFlushesWithoutClosing(t *testing.T) {
	dir := t.TempDir()
	o := &fakeOpener{dir: dir}
	cache := streamcache.New(o, 8)

	h, err := cache.LookupOrOpen(streamcache.Key{SensorID: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Write(&flowrecord.Record{})
	h.Release()

	var shutdown int32
	timer := &Timer{Cache: cache, Mode: ModeDirect, Shutdown: &shutdown}
	timer.Tick()

	open, _, _ := cache.Stats()
	if open != 1 {
		t.Fatalf("ModeDirect Tick should leave the entry open, open=%d", open)
	}
}

func TestTickIncrementalFilesRenamesWorkingToPlaceholder(t *testing.T) {
	dir := t.TempDir()
	o := &fakeOpener{dir: dir, prefix: "."}
	cache := streamcache.New(o, 8)

	h, err := cache.LookupOrOpen(streamcache.Key{SensorID: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	workingPath := h.Filename()
	h.Write(&flowrecord.Record{})
	h.Release()

	var shutdown int32
	timer := &Timer{Cache: cache, Mode: ModeIncrementalFiles, IncrementalDir: dir, Shutdown: &shutdown}
	timer.Tick()

	if _, err := os.Stat(workingPath); !os.IsNotExist(err) {
		t.Fatalf("working file %v should have been renamed away", workingPath)
	}
	want := placeholderFor(workingPath)
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected placeholder at %v: %v", want, err)
	}
}

func TestTickSendingMovesIntoSenderDirAndRemovesPlaceholder(t *testing.T) {
	dir := t.TempDir()
	senderDir := t.TempDir()
	o := &fakeOpener{dir: dir, prefix: "."}
	cache := streamcache.New(o, 8)

	h, err := cache.LookupOrOpen(streamcache.Key{SensorID: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	workingPath := h.Filename()
	placeholder := placeholderFor(workingPath)
	if err := os.WriteFile(placeholder, nil, 0644); err != nil {
		t.Fatal(err)
	}
	h.Write(&flowrecord.Record{})
	h.Release()

	var shutdown int32
	timer := &Timer{Cache: cache, Mode: ModeSending, IncrementalDir: dir, SenderDir: senderDir, Shutdown: &shutdown}
	timer.Tick()

	dest := filepath.Join(senderDir, filepath.Base(placeholder))
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("expected moved file at %v: %v", dest, err)
	}
	if _, err := os.Stat(placeholder); !os.IsNotExist(err) {
		t.Fatalf("expected placeholder %v removed", placeholder)
	}
}

func TestRunStopsWhenShutdownFlagSet(t *testing.T) {
	dir := t.TempDir()
	o := &fakeOpener{dir: dir}
	cache := streamcache.New(o, 8)

	var shutdown int32
	atomic.StoreInt32(&shutdown, 1)
	timer := &Timer{Cache: cache, Mode: ModeDirect, Interval: 1, Shutdown: &shutdown}

	done := make(chan struct{})
	go func() { timer.Run(); close(done) }()
	select {
	case <-done:
	default:
	}
	<-done
}

func TestRecoverIncompleteResolvesOrphanedPlaceholderPair(t *testing.T) {
	dir := t.TempDir()
	placeholder := filepath.Join(dir, "1-1-0")
	working := filepath.Join(dir, ".1-1-0")

	if err := os.WriteFile(placeholder, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(working, []byte("leftover"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RecoverIncomplete(dir, ModeIncrementalFiles, ""); err != nil {
		t.Fatalf("RecoverIncomplete: %v", err)
	}

	if _, err := os.Stat(working); !os.IsNotExist(err) {
		t.Fatalf("working file should have been renamed onto placeholder")
	}
	data, err := os.ReadFile(placeholder)
	if err != nil {
		t.Fatalf("expected resolved placeholder: %v", err)
	}
	if string(data) != "leftover" {
		t.Fatalf("resolved file contents = %q, want %q", data, "leftover")
	}
}
