package opener

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

// fileStream adapts an *os.File plus a buffered writer to the
// streamcache.Stream interface. Spec.md §9 calls for "a buffered stream
// abstraction with explicit flush()"; this is that abstraction.
type fileStream struct {
	f     *os.File
	w     *bufio.Writer
	order binary.ByteOrder
}

func newFileStream(f *os.File, order binary.ByteOrder) *fileStream {
	return &fileStream{f: f, w: bufio.NewWriter(f), order: order}
}

func (s *fileStream) WriteRecord(r *flowrecord.Record) error {
	return flowrecord.Encode(s.w, r, s.order)
}

func (s *fileStream) Flush() error {
	return s.w.Flush()
}

func (s *fileStream) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// countRecords decodes records from r until EOF or the first decode
// error, returning how many were fully read. Used when reopening a file
// to recover the cache entry's pre-existing record count (spec.md §4.5
// step 5's prior_path reopen path needs "current-rec-count-in-stream").
//
// Decoding is self-describing per record (the v4/v6 flag byte), so this
// works even though records are not fixed-width; it costs a full scan on
// reopen, which is the price of supporting mixed v4/v6 records in one
// file.
func countRecords(r io.Reader, order binary.ByteOrder) (int64, error) {
	var n int64
	for {
		_, err := flowrecord.Decode(r, order)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
