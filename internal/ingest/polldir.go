package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

// DirPoller implements the directory-polling contract shared by the
// poll-dir-mixed, poll-dir-fcfiles, and poll-dir-respool variants
// (spec.md §4.2): files appear atomically (create-elsewhere-then-rename
// is assumed of producers), and a file only becomes eligible once it has
// been visible and unchanged for at least one poll interval ("stable").
type DirPoller struct {
	Dir      string
	Interval time.Duration

	mu       sync.Mutex
	seen     map[string]seenState
	stopped  int32
	stopCh   chan struct{}
	stopOnce sync.Once
}

type seenState struct {
	size    int64
	modTime time.Time
	stable  bool
}

func NewDirPoller(dir string, interval time.Duration) *DirPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DirPoller{Dir: dir, Interval: interval, seen: make(map[string]seenState), stopCh: make(chan struct{})}
}

// NextFile blocks until a stable file is available or the poller is
// stopped, in which case it returns ("", false).
func (p *DirPoller) NextFile() (string, bool) {
	for {
		if atomic.LoadInt32(&p.stopped) != 0 {
			return "", false
		}

		if name, ok := p.scanOnce(); ok {
			return name, true
		}

		select {
		case <-time.After(p.Interval):
		case <-p.stopCh:
			return "", false
		}
	}
}

// scanOnce lists Dir, updates stability bookkeeping, and returns the
// first file (in name order, for determinism) that has gone two
// consecutive scans without a size/mtime change.
func (p *DirPoller) scanOnce() (string, bool) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return "", false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]bool, len(names))
	var ready string
	for _, name := range names {
		current[name] = true
		info, err := os.Stat(filepath.Join(p.Dir, name))
		if err != nil {
			continue
		}
		prev, existed := p.seen[name]
		st := seenState{size: info.Size(), modTime: info.ModTime()}
		if existed && prev.size == st.size && prev.modTime.Equal(st.modTime) {
			st.stable = true
		}
		p.seen[name] = st
		if ready == "" && st.stable {
			ready = name
		}
	}
	for name := range p.seen {
		if !current[name] {
			delete(p.seen, name)
		}
	}
	if ready == "" {
		return "", false
	}
	delete(p.seen, ready)
	return filepath.Join(p.Dir, ready), true
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// Stop requests that any in-flight or future NextFile call return
// promptly with ok=false.
func (p *DirPoller) Stop() {
	atomic.StoreInt32(&p.stopped, 1)
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// PollDirSource adapts a DirPoller plus a per-file decode function into
// the Source contract. decode reads path end-to-end and returns its
// records; a zero-record file is treated as successfully processed
// (spec.md §4.2: "a zero-record file is treated as successfully
// processed"), not as an error.
type PollDirSource struct {
	Probe  string
	Poller *DirPoller
	Decode func(path string) ([]*flowrecord.Record, error)

	mu      sync.Mutex
	pending []*flowrecord.Record
	curPath string
}

func (s *PollDirSource) Setup() error      { return nil }
func (s *PollDirSource) WantProbe() string { return s.Probe }
func (s *PollDirSource) Start() error      { return nil }

func (s *PollDirSource) GetRecord() GetRecordResult {
	s.mu.Lock()
	if len(s.pending) > 0 {
		r := s.pending[0]
		s.pending = s.pending[1:]
		kind := KindRecord
		if len(s.pending) == 0 {
			kind = KindBreakPoint
		}
		path := s.curPath
		s.mu.Unlock()
		return GetRecordResult{Kind: kind, Record: r, SourcePath: path}
	}
	s.mu.Unlock()

	path, ok := s.Poller.NextFile()
	if !ok {
		return GetRecordResult{Kind: KindEndStream}
	}

	recs, err := s.Decode(path)
	if err != nil {
		return GetRecordResult{Kind: KindGetError, Err: fmt.Errorf("ingest: polldir %v: %v: %w", s.Probe, path, err)}
	}
	if len(recs) == 0 {
		return GetRecordResult{Kind: KindFileBreak, SourcePath: path}
	}

	s.mu.Lock()
	s.curPath = path
	s.pending = recs[1:]
	s.mu.Unlock()

	kind := KindRecord
	if len(recs) == 1 {
		kind = KindBreakPoint
	}
	return GetRecordResult{Kind: kind, Record: recs[0], SourcePath: path}
}

func (s *PollDirSource) PrintStats() string { return fmt.Sprintf("polldir %v: dir=%v", s.Probe, s.Poller.Dir) }
func (s *PollDirSource) Stop()              { s.Poller.Stop() }
func (s *PollDirSource) Free()              {}
func (s *PollDirSource) Cleanup()           {}
