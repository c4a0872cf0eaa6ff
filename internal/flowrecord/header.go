package flowrecord

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderLen is the fixed number of bytes occupied by a flow-file header,
// per spec.md §4.6.1 step 5 ("read the first header-length bytes"). It
// never changes across file-format versions; unused trailing bytes are
// reserved and must be zero.
const HeaderLen = 32

// ByteOrder enumerates the wire byte order a file was written with, per
// spec.md §6 ("byte-order ∈ {native, little, big, as-is}").
type ByteOrder uint8

const (
	OrderNative ByteOrder = iota
	OrderLittle
	OrderBig
	OrderAsIs // inherit whatever the source record arrived in
)

func (b ByteOrder) Binary() binary.ByteOrder {
	switch b {
	case OrderBig:
		return binary.BigEndian
	default:
		return binary.LittleEndian
	}
}

// Compression enumerates the supported on-disk compression methods.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressGzip
)

// PackedFile is the directive every hourly/incremental file's header must
// carry, per spec.md §6: "Appenders expect the packed-file directive to
// reflect the records' (flowtype, sensor, hour)."
type PackedFile struct {
	HourMs     int64
	FlowtypeID uint16
	SensorID   uint16
}

// FileFormat identifies the record encoding used in the file body.
type FileFormat uint16

const (
	FormatGeneric FileFormat = iota
	FormatNetflowV5
	FormatIPFIX
)

// Header is the versioned preamble written at the start of every
// repository or incremental file (spec.md §6 "Canonical flow-record file
// header").
type Header struct {
	Format      FileFormat
	Version     uint16
	Order       ByteOrder
	Compression Compression
	Packed      PackedFile
}

const magic uint32 = 0x53494c4b // "SILK"

// WriteHeader serializes h and writes it as exactly HeaderLen bytes.
func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, HeaderLen)
	order := binary.BigEndian // header itself is always big-endian, regardless of h.Order

	order.PutUint32(buf[0:4], magic)
	order.PutUint16(buf[4:6], uint16(h.Format))
	order.PutUint16(buf[6:8], h.Version)
	buf[8] = byte(h.Order)
	buf[9] = byte(h.Compression)
	order.PutUint64(buf[10:18], uint64(h.Packed.HourMs))
	order.PutUint16(buf[18:20], h.Packed.FlowtypeID)
	order.PutUint16(buf[20:22], h.Packed.SensorID)
	// bytes 22..32 reserved, left zero

	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates exactly HeaderLen bytes from r.
//
// It returns (Header{}, io.EOF) if r was empty (zero bytes available —
// the "freshly created" case in spec.md §4.6.1 step 5), and a non-nil,
// non-EOF error on a short read or bad magic (the "malformed" case).
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderLen)
	n, err := io.ReadFull(r, buf)
	if n == 0 && err != nil {
		return Header{}, io.EOF
	}
	if err != nil {
		return Header{}, fmt.Errorf("flowrecord: short header read (%d/%d bytes): %w", n, HeaderLen, err)
	}

	order := binary.BigEndian
	if got := order.Uint32(buf[0:4]); got != magic {
		return Header{}, fmt.Errorf("flowrecord: bad header magic %#x", got)
	}

	h := Header{
		Format:      FileFormat(order.Uint16(buf[4:6])),
		Version:     order.Uint16(buf[6:8]),
		Order:       ByteOrder(buf[8]),
		Compression: Compression(buf[9]),
		Packed: PackedFile{
			HourMs:     int64(order.Uint64(buf[10:18])),
			FlowtypeID: order.Uint16(buf[18:20]),
			SensorID:   order.Uint16(buf[20:22]),
		},
	}
	return h, nil
}
