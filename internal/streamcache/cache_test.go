package streamcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

// fakeStream is an in-memory Stream for tests; it never errors.
type fakeStream struct {
	mu      sync.Mutex
	records int
	closed  bool
}

func (s *fakeStream) WriteRecord(r *flowrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records++
	return nil
}
func (s *fakeStream) Flush() error { return nil }
func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeOpener hands out a fresh fakeStream per open/reopen and counts
// calls, so tests can assert on open-vs-reopen behavior.
type fakeOpener struct {
	mu       sync.Mutex
	opens    int
	failNext bool
}

func (o *fakeOpener) Open(key Key, ctx interface{}, priorPath string) (OpenResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failNext {
		o.failNext = false
		return OpenResult{}, fmt.Errorf("forced failure")
	}
	name := priorPath
	if name == "" {
		name = fmt.Sprintf("file-%d-%d-%d", key.SensorID, key.FlowtypeID, key.HourMs)
	}
	return OpenResult{Stream: &fakeStream{}, Filename: name}, nil
}

func TestLookupOrOpenCreatesThenReuses(t *testing.T) {
	o := &fakeOpener{}
	c := New(o, 8)

	k := Key{FlowtypeID: 1, SensorID: 1, HourMs: 0}

	h1, err := c.LookupOrOpen(k, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	h1.Write(&flowrecord.Record{})
	h1.Release()

	h2, err := c.LookupOrOpen(k, nil)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	h2.Write(&flowrecord.Record{})
	h2.Release()

	if o.opens != 1 {
		t.Fatalf("opener called %d times, want 1 (should reuse the open entry)", o.opens)
	}

	open, total, _ := c.Stats()
	if open != 1 || total != 1 {
		t.Fatalf("Stats() = open=%d total=%d, want 1,1", open, total)
	}
}

// manualClock lets tests advance c.now deterministically instead of
// racing against the wall clock.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (m *manualClock) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualClock) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

func TestEvictionPicksLeastRecentlyAccessed(t *testing.T) {
	o := &fakeOpener{}
	c := New(o, 2) // cap at 2 concurrently open

	clock := &manualClock{t: time.Unix(0, 0)}
	c.now = clock.now

	k1 := Key{SensorID: 1, HourMs: 0}
	k2 := Key{SensorID: 2, HourMs: 0}
	k3 := Key{SensorID: 3, HourMs: 0}

	h1, err := c.LookupOrOpen(k1, nil)
	if err != nil {
		t.Fatal(err)
	}
	h1.Release()

	clock.advance(time.Second)
	h2, err := c.LookupOrOpen(k2, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()

	// Touch k1 again so it's the most-recently-used of the two.
	clock.advance(time.Second)
	h1b, err := c.LookupOrOpen(k1, nil)
	if err != nil {
		t.Fatal(err)
	}
	h1b.Release()

	// Opening a third distinct key should evict k2 (the least recently
	// accessed open entry), not k1.
	clock.advance(time.Second)
	h3, err := c.LookupOrOpen(k3, nil)
	if err != nil {
		t.Fatal(err)
	}
	h3.Release()

	open, _, _ := c.Stats()
	if open != 2 {
		t.Fatalf("open count = %d, want 2 (eviction should cap concurrently-open streams)", open)
	}

	c.mapMu.RLock()
	k2entry := c.entries[k2]
	k1entry := c.entries[k1]
	c.mapMu.RUnlock()

	if k2entry.stream != nil {
		t.Fatal("k2 should have been evicted (closed), but its stream is still open")
	}
	if k2entry.lastAccessed != MaxTime {
		t.Fatalf("closed entry lastAccessed = %d, want MaxTime", k2entry.lastAccessed)
	}
	if k1entry.stream == nil {
		t.Fatal("k1 was touched most recently and should not have been evicted")
	}
}

func TestFlushSkipsBusyEntryAndReportsDeltas(t *testing.T) {
	o := &fakeOpener{}
	c := New(o, 8)
	clock := &manualClock{t: time.Unix(0, 0)}
	c.now = clock.now

	k1 := Key{SensorID: 1, HourMs: 0}
	k2 := Key{SensorID: 2, HourMs: 0}

	h1, err := c.LookupOrOpen(k1, nil)
	if err != nil {
		t.Fatal(err)
	}
	h1.Write(&flowrecord.Record{})
	h1.Write(&flowrecord.Record{})
	// Deliberately hold h1's entry lock open across Flush to simulate an
	// in-progress writer; Flush must skip it rather than block.
	defer h1.Release()

	h2, err := c.LookupOrOpen(k2, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2.Write(&flowrecord.Record{})
	h2.Release()

	deltas := c.Flush()

	var sawK2 bool
	for _, d := range deltas {
		if d.Records == 1 {
			sawK2 = true
		}
		if d.Records == 2 {
			t.Fatal("k1's entry was locked; Flush should have skipped it, not reported a delta")
		}
	}
	if !sawK2 {
		t.Fatalf("expected a 1-record delta for k2, got %v", deltas)
	}
}

func TestCloseDrainsEverythingAndTotalsRecords(t *testing.T) {
	o := &fakeOpener{}
	c := New(o, 8)

	k1 := Key{SensorID: 1, HourMs: 0}
	k2 := Key{SensorID: 2, HourMs: 0}

	h1, err := c.LookupOrOpen(k1, nil)
	if err != nil {
		t.Fatal(err)
	}
	h1.Write(&flowrecord.Record{})
	h1.Write(&flowrecord.Record{})
	h1.Write(&flowrecord.Record{})
	h1.Release()

	h2, err := c.LookupOrOpen(k2, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2.Write(&flowrecord.Record{})
	h2.Release()

	deltas := c.Close()

	var total int64
	for _, d := range deltas {
		total += d.Records
	}
	if total != 4 {
		t.Fatalf("Close reported %d total records, want 4", total)
	}

	open, _, _ := c.Stats()
	if open != 0 {
		t.Fatalf("open count after Close = %d, want 0", open)
	}

	c.mapMu.RLock()
	n := len(c.entries)
	c.mapMu.RUnlock()
	if n != 0 {
		t.Fatalf("entries map has %d entries after Close, want 0", n)
	}
}
