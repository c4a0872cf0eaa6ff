package ingest

import (
	"net"
	"testing"
)

func buildV5Datagram(numRecords int) []byte {
	b := make([]byte, netflowHeaderLen+numRecords*netflowRecordLen)
	b[1] = 5 // version
	// uptime/epoch fields aren't exercised here beyond epochSec at b[8:12]
	b[8], b[9], b[10], b[11] = 0, 0, 0, 100

	for i := 0; i < numRecords; i++ {
		off := netflowHeaderLen + i*netflowRecordLen
		rec := b[off : off+netflowRecordLen]
		copy(rec[0:4], net.IPv4(10, 0, 0, byte(i+1)).To4())
		copy(rec[4:8], net.IPv4(10, 0, 0, 254).To4())
		rec[19] = 5                      // packets low byte
		rec[23] = 100                    // bytes low byte
		rec[31] = byte(50 + i)           // last sysuptime low byte
		rec[33] = 80                     // src port low byte
		rec[34], rec[35] = 0x01, 0xBB    // dst port 443, big-endian
		rec[38] = 6                      // protocol (TCP)
	}
	return b
}

func TestDecodeDatagramProducesOneRecordPerEntry(t *testing.T) {
	s := &NetflowV5Source{Probe: "p", SensorID: 7}
	b := buildV5Datagram(3)

	recs, err := s.decodeDatagram(b)
	if err != nil {
		t.Fatalf("decodeDatagram: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.SensorID != 7 {
			t.Fatalf("record %d SensorID = %d, want 7", i, r.SensorID)
		}
		if r.Protocol != 6 {
			t.Fatalf("record %d Protocol = %d, want 6", i, r.Protocol)
		}
		if r.DstPort != 443 {
			t.Fatalf("record %d DstPort = %d, want 443", i, r.DstPort)
		}
	}
}

func TestDecodeDatagramRejectsShortPacket(t *testing.T) {
	s := &NetflowV5Source{Probe: "p"}
	if _, err := s.decodeDatagram(make([]byte, 4)); err == nil {
		t.Fatalf("decodeDatagram: want error on short packet, got nil")
	}
}

func TestDecodeDatagramRejectsWrongVersion(t *testing.T) {
	s := &NetflowV5Source{Probe: "p"}
	b := buildV5Datagram(1)
	b[1] = 9
	if _, err := s.decodeDatagram(b); err == nil {
		t.Fatalf("decodeDatagram: want error on version mismatch, got nil")
	}
}

func TestDecodeDatagramRejectsMisalignedSize(t *testing.T) {
	s := &NetflowV5Source{Probe: "p"}
	b := buildV5Datagram(1)
	b = b[:len(b)-1]
	if _, err := s.decodeDatagram(b); err == nil {
		t.Fatalf("decodeDatagram: want error on misaligned packet size, got nil")
	}
}
