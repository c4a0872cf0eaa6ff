package ingest

import (
	"fmt"
	"net"
	"os"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
)

// PduFileSource implements single-file-pdu (spec.md §4.2): one-shot,
// non-daemon processing of exactly one NetFlow v5 file, then EndStream.
// The datagram framing assumption doesn't hold for a flat file, so this
// reads fixed NETFLOW_RECORD_LEN-byte records back to back after a
// single NETFLOW_HEADER_LEN-byte file header, reusing
// decodeNetflowV5Record's per-record byte layout.
type PduFileSource struct {
	Path     string
	SensorID uint16

	f    *os.File
	done bool
}

func (s *PduFileSource) Setup() error      { return nil }
func (s *PduFileSource) WantProbe() string { return "pdufile" }

func (s *PduFileSource) Start() error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("ingest: pdufile %v: %w", s.Path, err)
	}
	hdr := make([]byte, netflowHeaderLen)
	if _, err := f.Read(hdr); err != nil {
		f.Close()
		return fmt.Errorf("ingest: pdufile %v: read header: %w", s.Path, err)
	}
	s.f = f
	return nil
}

func (s *PduFileSource) GetRecord() GetRecordResult {
	if s.done {
		return GetRecordResult{Kind: KindEndStream}
	}

	buf := make([]byte, netflowRecordLen)
	n, err := s.f.Read(buf)
	if n == 0 {
		s.done = true
		return GetRecordResult{Kind: KindEndStream}
	}
	if n < netflowRecordLen || err != nil {
		s.done = true
		return GetRecordResult{Kind: KindFatalError, Err: fmt.Errorf("ingest: pdufile %v: short/bad record: %v", s.Path, err)}
	}

	rec := decodeNetflowV5Record(buf, 0, s.SensorID)
	return GetRecordResult{Kind: KindRecord, Record: rec, SourcePath: s.Path}
}

func (s *PduFileSource) PrintStats() string { return fmt.Sprintf("pdufile %v", s.Path) }
func (s *PduFileSource) Stop()              {}
func (s *PduFileSource) Free() {
	if s.f != nil {
		s.f.Close()
	}
}
func (s *PduFileSource) Cleanup() {}

// decodeNetflowV5Record unpacks a single 48-byte NetFlow v5 record body
// at offset 0 of c. StartTimeMs is anchored on the caller-supplied
// epochSec: epochSec*1000 minus the record's Last-First span. A caller
// with no export-time header to anchor on passes 0 for epochSec.
func decodeNetflowV5Record(c []byte, epochSec uint32, sensorID uint16) *flowrecord.Record {
	first := (uint32(c[24]) << 24) + (uint32(c[25]) << 16) + (uint32(c[26]) << 8) + uint32(c[27])
	last := (uint32(c[28]) << 24) + (uint32(c[29]) << 16) + (uint32(c[30]) << 8) + uint32(c[31])

	return &flowrecord.Record{
		Src:         net.IP([]byte{c[0], c[1], c[2], c[3]}),
		Dst:         net.IP([]byte{c[4], c[5], c[6], c[7]}),
		Input:       (uint32(c[12]) << 8) + uint32(c[13]),
		Output:      (uint32(c[14]) << 8) + uint32(c[15]),
		Packets:     uint64((uint32(c[16]) << 24) + (uint32(c[17]) << 16) + (uint32(c[18]) << 8) + uint32(c[19])),
		Bytes:       uint64((uint32(c[20]) << 24) + (uint32(c[21]) << 16) + (uint32(c[22]) << 8) + uint32(c[23])),
		StartTimeMs: int64(epochSec)*1000 - int64(last-first),
		ElapsedMs:   last - first,
		SrcPort:     (uint16(c[32]) << 8) + uint16(c[33]),
		DstPort:     (uint16(c[34]) << 8) + uint16(c[35]),
		TCPFlags:    c[37],
		Protocol:    c[38],
		SensorID:    sensorID,
	}
}
