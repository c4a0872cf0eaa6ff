// Package flowrecord defines the canonical per-flow record (spec.md §3)
// and the on-disk header/record codec shared by the repository opener,
// the incremental opener, and the appender (spec.md §6).
//
// The wire layout is a direct generalization of the fixed-width NetFlow v5
// record struct in gonetflow.go: fields manually packed in the byte order
// the caller passes to Encode/Decode, no reflection — but widened to IPv6 addresses and a 64-bit millisecond
// start-time, since the canonical record must represent any ingest
// source, not just v5.
package flowrecord

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Record is the canonical, fixed-layout flow record. It is immutable
// after ingest except for SensorID, FlowtypeID, and Memo, which the
// packing-logic plug-in (C4) assigns during classification.
type Record struct {
	Src, Dst       net.IP // v4 (4 bytes) or v6 (16 bytes)
	SrcPort        uint16
	DstPort        uint16
	Protocol       uint8
	Input, Output  uint32 // interface indices
	StartTimeMs    int64  // ms since epoch
	ElapsedMs      uint32
	Packets        uint64
	Bytes          uint64
	TCPFlags       uint8
	SensorID       uint16 // set by classify
	FlowtypeID     uint16 // set by classify
	Memo           uint32 // application-memo slot, set by classify
}

// HourMs floors StartTimeMs to the enclosing 3 600 000 ms UTC hour, per
// spec.md's cache-key definition.
func (r *Record) HourMs() int64 {
	const hour = 3_600_000
	return (r.StartTimeMs / hour) * hour
}

// IsV6 reports whether Src/Dst are IPv6 addresses.
func (r *Record) IsV6() bool {
	return r.Src.To4() == nil || r.Dst.To4() == nil
}

func (r *Record) String() string {
	return fmt.Sprintf("%v:%d -> %v:%d proto=%d pkts=%d bytes=%d start=%d elapsed=%dms ft=%d sensor=%d",
		r.Src, r.SrcPort, r.Dst, r.DstPort, r.Protocol, r.Packets, r.Bytes, r.StartTimeMs, r.ElapsedMs, r.FlowtypeID, r.SensorID)
}

// recordFixedLenV4 is the encoded length of a v4 record. v6 records encode
// 24 extra bytes (16 vs 4 for each of the two addresses).
const recordFixedLenV4 = 1 /*v6 flag*/ + 4 + 4 /*addrs*/ + 2 + 2 + 1 + 4 + 4 + 8 + 4 + 8 + 8 + 1 + 2 + 2 + 4

// Encode writes r to w in the given byte order.
func Encode(w io.Writer, r *Record, order binary.ByteOrder) error {
	v6 := r.IsV6()
	var buf []byte
	if v6 {
		buf = make([]byte, recordFixedLenV4+24)
	} else {
		buf = make([]byte, recordFixedLenV4)
	}

	i := 0
	if v6 {
		buf[i] = 1
	} else {
		buf[i] = 0
	}
	i++

	addrLen := 4
	if v6 {
		addrLen = 16
	}
	src := r.Src.To4()
	dst := r.Dst.To4()
	if v6 {
		src = r.Src.To16()
		dst = r.Dst.To16()
	}
	if src == nil || dst == nil {
		return fmt.Errorf("flowrecord: invalid address (src=%v dst=%v)", r.Src, r.Dst)
	}
	copy(buf[i:], src)
	i += addrLen
	copy(buf[i:], dst)
	i += addrLen

	order.PutUint16(buf[i:], r.SrcPort)
	i += 2
	order.PutUint16(buf[i:], r.DstPort)
	i += 2
	buf[i] = r.Protocol
	i++
	order.PutUint32(buf[i:], r.Input)
	i += 4
	order.PutUint32(buf[i:], r.Output)
	i += 4
	order.PutUint64(buf[i:], uint64(r.StartTimeMs))
	i += 8
	order.PutUint32(buf[i:], r.ElapsedMs)
	i += 4
	order.PutUint64(buf[i:], r.Packets)
	i += 8
	order.PutUint64(buf[i:], r.Bytes)
	i += 8
	buf[i] = r.TCPFlags
	i++
	order.PutUint16(buf[i:], r.SensorID)
	i += 2
	order.PutUint16(buf[i:], r.FlowtypeID)
	i += 2
	order.PutUint32(buf[i:], r.Memo)
	i += 4

	_, err := w.Write(buf[:i])
	return err
}

// Decode reads one record from r in the given byte order.
func Decode(r io.Reader, order binary.ByteOrder) (*Record, error) {
	var flagBuf [1]byte
	if _, err := io.ReadFull(r, flagBuf[:]); err != nil {
		return nil, err
	}
	v6 := flagBuf[0] != 0

	addrLen := 4
	if v6 {
		addrLen = 16
	}

	buf := make([]byte, (recordFixedLenV4-1-2*4)+2*addrLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	i := 0
	src := append(net.IP(nil), buf[i:i+addrLen]...)
	i += addrLen
	dst := append(net.IP(nil), buf[i:i+addrLen]...)
	i += addrLen

	rec := &Record{Src: src, Dst: dst}
	rec.SrcPort = order.Uint16(buf[i:])
	i += 2
	rec.DstPort = order.Uint16(buf[i:])
	i += 2
	rec.Protocol = buf[i]
	i++
	rec.Input = order.Uint32(buf[i:])
	i += 4
	rec.Output = order.Uint32(buf[i:])
	i += 4
	rec.StartTimeMs = int64(order.Uint64(buf[i:]))
	i += 8
	rec.ElapsedMs = order.Uint32(buf[i:])
	i += 4
	rec.Packets = order.Uint64(buf[i:])
	i += 8
	rec.Bytes = order.Uint64(buf[i:])
	i += 8
	rec.TCPFlags = buf[i]
	i++
	rec.SensorID = order.Uint16(buf[i:])
	i += 2
	rec.FlowtypeID = order.Uint16(buf[i:])
	i += 2
	rec.Memo = order.Uint32(buf[i:])
	i += 4

	return rec, nil
}
