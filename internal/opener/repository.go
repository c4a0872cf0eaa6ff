package opener

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

// RepositoryOpener implements the direct-mode opener (spec.md §4.6.1):
// append straight to the per-(flowtype,sensor,hour) file under Root.
type RepositoryOpener struct {
	Root       string
	Naming     NamingRule
	NoLocking  bool
	Shutdown   func() bool // polled while waiting on the advisory lock
	ByteOrder  flowrecord.ByteOrder
	FileFormat flowrecord.FileFormat
	Version    uint16
}

func NewRepositoryOpener(root string) *RepositoryOpener {
	return &RepositoryOpener{
		Root:      root,
		Naming:    DefaultNaming,
		ByteOrder: flowrecord.OrderBig,
		Version:   1,
	}
}

func (o *RepositoryOpener) Open(key streamcache.Key, _ interface{}, _ string) (streamcache.OpenResult, error) {
	rel := o.Naming(key)
	path := filepath.Join(o.Root, rel)

	_, statErr := os.Stat(path)
	existed := statErr == nil

	var f *os.File
	var err error
	if existed {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr != nil {
			return streamcache.OpenResult{}, fmt.Errorf("opener: mkdir %v: %w", filepath.Dir(path), mkErr)
		}
		oldMask := umask0022()
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
		restoreUmask(oldMask)
		if os.IsExist(err) {
			// Lost the create race against another opener; fall back to append.
			f, err = os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
			existed = true
		}
	}
	if err != nil {
		return streamcache.OpenResult{}, fmt.Errorf("opener: open %v: %w", path, err)
	}

	if !o.NoLocking {
		if err := lockFile(f, o.Shutdown); err != nil {
			f.Close()
			return streamcache.OpenResult{}, fmt.Errorf("opener: lock %v: %w", path, err)
		}
	}

	res, err := o.classifyAndPrepare(f, path, key, existed)
	if err != nil {
		f.Close()
		return streamcache.OpenResult{}, err
	}
	return res, nil
}

// classifyAndPrepare implements spec.md §4.6.1 steps 5-7.
func (o *RepositoryOpener) classifyAndPrepare(f *os.File, path string, key streamcache.Key, existed bool) (streamcache.OpenResult, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return streamcache.OpenResult{}, fmt.Errorf("opener: seek %v: %w", path, err)
	}

	hdr, err := flowrecord.ReadHeader(f)
	switch {
	case err == io.EOF:
		// Freshly created (or truncated): write a new header.
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
			f.Truncate(0)
			return streamcache.OpenResult{}, fmt.Errorf("opener: write header %v: %w", path, werr)
		}
		return streamcache.OpenResult{
			Stream:   newFileStream(f, o.ByteOrder.Binary()),
			Filename: path,
			RecCount: 0,
		}, nil

	case err != nil:
		return streamcache.OpenResult{}, fmt.Errorf("opener: read header %v: %w", path, err)

	default:
		// Existing, valid header: count existing records so the cache
		// entry's bookkeeping reflects reality across a reopen.
		n, cerr := countRecords(f, hdr.Order.Binary())
		if cerr != nil {
			log.Warn("opener: %v: could not fully count existing records: %v", path, cerr)
		}
		return streamcache.OpenResult{
			Stream:   newFileStream(f, hdr.Order.Binary()),
			Filename: path,
			RecCount: n,
		}, nil
	}
}
