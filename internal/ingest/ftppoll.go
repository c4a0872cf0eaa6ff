package ingest

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dutchcoders/goftp"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

// FTPPollSource implements an FTP-poll ingest variant: a remote
// directory is listed periodically, and any new remote file is pulled
// and decoded the same way a local poll-dir source would. Supplements
// the distilled spec's poll-dir contract for sites whose exporters land
// files on a remote FTP server rather than local disk.
//
// Grounded on src/protonuke/ftp.go's client usage:
// goftp.Connect/Login/List/Retr/Quit.
type FTPPollSource struct {
	Probe      string
	Addr       string // host:port
	User, Pass string
	RemoteDir  string
	Interval   time.Duration
	SensorID   uint16
	Decode     func(r io.Reader) ([]*flowrecord.Record, error)

	client  *goftp.FTP
	mu      sync.Mutex
	seen    map[string]bool
	pending []*flowrecord.Record
	curPath string
	stopped int32
}

func (s *FTPPollSource) Setup() error {
	if s.Interval <= 0 {
		s.Interval = 15 * time.Second
	}
	s.seen = make(map[string]bool)
	return nil
}

func (s *FTPPollSource) WantProbe() string { return s.Probe }

func (s *FTPPollSource) Start() error {
	c, err := goftp.Connect(s.Addr)
	if err != nil {
		return fmt.Errorf("ingest: ftppoll %v: connect %v: %w", s.Probe, s.Addr, err)
	}
	if err := c.Login(s.User, s.Pass); err != nil {
		c.Quit()
		return fmt.Errorf("ingest: ftppoll %v: login: %w", s.Probe, err)
	}
	s.client = c
	return nil
}

func (s *FTPPollSource) GetRecord() GetRecordResult {
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

	for {
		if atomic.LoadInt32(&s.stopped) != 0 {
			return GetRecordResult{Kind: KindFileBreak}
		}

		name, ok := s.nextNewFile()
		if !ok {
			time.Sleep(s.Interval)
			continue
		}

		var buf bytes.Buffer
		remote := strings.TrimRight(s.RemoteDir, "/") + "/" + name
		if err := s.client.Retr(remote, func(r io.Reader) error {
			_, err := io.Copy(&buf, r)
			return err
		}); err != nil {
			return GetRecordResult{Kind: KindGetError, Err: fmt.Errorf("ingest: ftppoll %v: retr %v: %w", s.Probe, remote, err)}
		}

		recs, err := s.Decode(&buf)
		if err != nil {
			return GetRecordResult{Kind: KindGetError, Err: fmt.Errorf("ingest: ftppoll %v: decode %v: %w", s.Probe, remote, err)}
		}
		if len(recs) == 0 {
			return GetRecordResult{Kind: KindFileBreak, SourcePath: remote}
		}

		s.mu.Lock()
		s.curPath = remote
		s.pending = recs[1:]
		s.mu.Unlock()

		kind := KindRecord
		if len(recs) == 1 {
			kind = KindBreakPoint
		}
		return GetRecordResult{Kind: kind, Record: recs[0], SourcePath: remote}
	}
}

func (s *FTPPollSource) nextNewFile() (string, bool) {
	files, err := s.client.List(s.RemoteDir)
	if err != nil {
		return "", false
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if !s.seen[name] {
			s.seen[name] = true
			return name, true
		}
	}
	return "", false
}

func (s *FTPPollSource) PrintStats() string {
	return fmt.Sprintf("ftppoll %v: %v%v", s.Probe, s.Addr, s.RemoteDir)
}

func (s *FTPPollSource) Stop() { atomic.StoreInt32(&s.stopped, 1) }
func (s *FTPPollSource) Free() {
	if s.client != nil {
		s.client.Quit()
	}
}
func (s *FTPPollSource) Cleanup() {}
