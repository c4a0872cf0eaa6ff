package ingest

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv6"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/probe"
)

// ipfixHeaderLen is the fixed IPFIX message header (version, length,
// export time, sequence, domain id): 16 bytes, RFC 7011 §3.1. NetFlow v9
// uses a differently-shaped 20-byte fixed header; decodeMessage handles
// both since they share the template/data-set framing model (spec.md
// §4.2 groups them as one ingest variant).
const ipfixHeaderLen = 16

const (
	setIDTemplate = 2
	setIDOptions  = 3
	dataSetIDMin  = 256
)

// templateField is one field spec out of a template record: an
// information-element id and its octet length (0xFFFF means
// variable-length, RFC 7011 §7).
type templateField struct {
	ElementID uint16
	Length    uint16
}

type template struct {
	fields []templateField
}

// templateCache remembers field layouts per (observation domain,
// template-id); the exporter's address is not part of the key. This
// lets data records arriving after their defining template
// set be decoded. This is the feature the distilled spec left
// implicit ("produces a translated record") and the supplement adds:
// real IPFIX/v9 collectors must cache templates across packets because
// the wire format periodically refreshes them independently of data.
type templateCache struct {
	mu    sync.Mutex
	byKey map[templateKey]*template
}

type templateKey struct {
	domain uint32
	id     uint16
}

func newTemplateCache() *templateCache {
	return &templateCache{byKey: make(map[templateKey]*template)}
}

func (c *templateCache) put(domain uint32, id uint16, t *template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[templateKey{domain, id}] = t
}

func (c *templateCache) get(domain uint32, id uint16) (*template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byKey[templateKey{domain, id}]
	return t, ok
}

// Well-known IPFIX/v9 information-element IDs this collector translates
// into canonical record fields; anything else is skipped, not fatal.
const (
	ieSourceIPv4Address      = 8
	ieDestinationIPv4Address = 12
	ieSourceIPv6Address      = 27
	ieDestinationIPv6Address = 28
	ieSourceTransportPort    = 7
	ieDestinationTransportPort = 11
	ieProtocolIdentifier     = 4
	ieIngressInterface       = 10
	ieEgressInterface        = 14
	iePacketDeltaCount       = 2
	ieOctetDeltaCount        = 1
	ieFlowStartMilliseconds  = 152
	ieFlowEndMilliseconds    = 153
	ieTCPControlBits         = 6
)

// IPFIXSource implements the network-ipfix variant (spec.md §4.2): one
// UDP collector per probe, translating IPFIX or NetFlow v9 into canonical
// records. With Network "tcp", Start opens a listener but GetRecord
// reports a fatal error; sFlow datagrams are not decoded.
type IPFIXSource struct {
	Probe      string
	ListenAddr string
	SensorID   uint16
	Network    string // "tcp" or "udp"

	// AcceptFrom, when non-empty, restricts accepted datagrams to peers
	// matching one of these IPs/CIDRs/hostnames (spec.md §3).
	AcceptFrom []string
	Resolver   *probe.Resolver

	udpConn *net.UDPConn
	pktConn *ipv6.PacketConn // socket-option tuning, per DESIGN.md wiring
	ln      net.Listener

	templates *templateCache

	mu      sync.Mutex
	pending []*flowrecord.Record
	stopped int32
}

func (s *IPFIXSource) Setup() error {
	s.templates = newTemplateCache()
	if s.Network == "" {
		s.Network = "udp"
	}
	return nil
}

func (s *IPFIXSource) WantProbe() string { return s.Probe }

func (s *IPFIXSource) Start() error {
	if s.Network == "tcp" {
		ln, err := net.Listen("tcp", s.ListenAddr)
		if err != nil {
			return fmt.Errorf("ingest: ipfix %v: listen %v: %w", s.Probe, s.ListenAddr, err)
		}
		s.ln = ln
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("ingest: ipfix %v: resolve %v: %w", s.Probe, s.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("ingest: ipfix %v: listen %v: %w", s.Probe, s.ListenAddr, err)
	}
	s.udpConn = conn
	s.pktConn = ipv6.NewPacketConn(conn)
	return nil
}

func (s *IPFIXSource) GetRecord() GetRecordResult {
	s.mu.Lock()
	if len(s.pending) > 0 {
		r := s.pending[0]
		s.pending = s.pending[1:]
		kind := KindRecord
		if len(s.pending) == 0 {
			kind = KindBreakPoint
		}
		s.mu.Unlock()
		return GetRecordResult{Kind: kind, Record: r}
	}
	s.mu.Unlock()

	if atomic.LoadInt32(&s.stopped) != 0 {
		return GetRecordResult{Kind: KindFileBreak}
	}
	if s.udpConn == nil {
		return GetRecordResult{Kind: KindFatalError, Err: fmt.Errorf("ingest: ipfix %v: tcp collector not implemented in this ingest pass", s.Probe)}
	}

	buf := make([]byte, udpBufferDepth)
	var n int
	var err error
	for {
		var addr *net.UDPAddr
		n, addr, err = s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if atomic.LoadInt32(&s.stopped) != 0 {
				return GetRecordResult{Kind: KindFileBreak}
			}
			return GetRecordResult{Kind: KindGetError, Err: err}
		}
		if s.accept(addr) {
			break
		}
	}

	recs, err := s.decodeMessage(buf[:n])
	if err != nil {
		return GetRecordResult{Kind: KindGetError, Err: err}
	}
	if len(recs) == 0 {
		return GetRecordResult{Kind: KindFileBreak}
	}

	s.mu.Lock()
	s.pending = recs[1:]
	s.mu.Unlock()

	kind := KindRecord
	if len(recs) == 1 {
		kind = KindBreakPoint
	}
	return GetRecordResult{Kind: kind, Record: recs[0]}
}

// decodeMessage parses one IPFIX/v9 message: fixed header, then a
// sequence of sets. Template sets populate the cache; data sets are
// decoded against a previously cached template. A data set whose
// template hasn't arrived yet is skipped (logged at debug level) rather than
// failing the whole message (templates legitimately lag data on a
// freshly (re)started exporter).
func (s *IPFIXSource) decodeMessage(b []byte) ([]*flowrecord.Record, error) {
	if len(b) < ipfixHeaderLen {
		return nil, fmt.Errorf("ingest: ipfix %v: short message (%d bytes)", s.Probe, len(b))
	}
	hdrLen, tmplSetID, optsSetID := ipfixHeaderLen, uint16(setIDTemplate), uint16(setIDOptions)
	domain := binary.BigEndian.Uint32(b[12:16])
	if binary.BigEndian.Uint16(b[0:2]) == 9 {
		// NetFlow v9: 20-byte header with the source id at bytes 16-19,
		// template flowset id 0 and options-template flowset id 1.
		hdrLen, tmplSetID, optsSetID = 20, 0, 1
		if len(b) < hdrLen {
			return nil, fmt.Errorf("ingest: ipfix %v: short v9 message (%d bytes)", s.Probe, len(b))
		}
		domain = binary.BigEndian.Uint32(b[16:20])
	}

	var out []*flowrecord.Record
	off := hdrLen
	for off+4 <= len(b) {
		setID := binary.BigEndian.Uint16(b[off:])
		setLen := int(binary.BigEndian.Uint16(b[off+2:]))
		if setLen < 4 || off+setLen > len(b) {
			break
		}
		body := b[off+4 : off+setLen]

		switch {
		case setID == tmplSetID:
			s.parseTemplateSet(domain, body)
		case setID == optsSetID:
			// Options templates carry scope/metering fields we don't
			// project into the canonical record; acknowledged, not decoded.
		case setID >= dataSetIDMin:
			tmpl, ok := s.templates.get(domain, setID)
			if !ok {
				log.Debug("ingest: ipfix %v: data set %d before its template; skipping", s.Probe, setID)
			} else {
				recs := s.parseDataSet(tmpl, body)
				out = append(out, recs...)
			}
		}
		off += setLen
	}
	return out, nil
}

func (s *IPFIXSource) parseTemplateSet(domain uint32, body []byte) {
	off := 0
	for off+4 <= len(body) {
		id := binary.BigEndian.Uint16(body[off:])
		count := int(binary.BigEndian.Uint16(body[off+2:]))
		off += 4

		t := &template{}
		for i := 0; i < count && off+4 <= len(body); i++ {
			elemID := binary.BigEndian.Uint16(body[off:])
			length := binary.BigEndian.Uint16(body[off+2:])
			off += 4
			if elemID&0x8000 != 0 {
				// Enterprise-specific bit set: skip the 4-byte enterprise
				// number that follows, per RFC 7011 §3.2.
				off += 4
			}
			t.fields = append(t.fields, templateField{ElementID: elemID & 0x7fff, Length: length})
		}
		s.templates.put(domain, id, t)
	}
}

func (s *IPFIXSource) parseDataSet(t *template, body []byte) []*flowrecord.Record {
	recLen := 0
	fixedLen := true
	for _, f := range t.fields {
		if f.Length == 0xffff {
			fixedLen = false
			break
		}
		recLen += int(f.Length)
	}
	if !fixedLen || recLen == 0 {
		// Variable-length records need the per-record length-prefix walk;
		// not needed for the well-known fields this collector projects.
		return nil
	}

	var out []*flowrecord.Record
	for off := 0; off+recLen <= len(body); off += recLen {
		rec := &flowrecord.Record{SensorID: s.SensorID}
		fo := off
		for _, f := range t.fields {
			applyField(rec, f.ElementID, body[fo:fo+int(f.Length)])
			fo += int(f.Length)
		}
		out = append(out, rec)
	}
	return out
}

func applyField(rec *flowrecord.Record, elementID uint16, v []byte) {
	switch elementID {
	case ieSourceIPv4Address:
		rec.Src = net.IP(append([]byte(nil), v...))
	case ieDestinationIPv4Address:
		rec.Dst = net.IP(append([]byte(nil), v...))
	case ieSourceIPv6Address:
		rec.Src = net.IP(append([]byte(nil), v...))
	case ieDestinationIPv6Address:
		rec.Dst = net.IP(append([]byte(nil), v...))
	case ieSourceTransportPort:
		rec.SrcPort = beUint(v)
	case ieDestinationTransportPort:
		rec.DstPort = beUint(v)
	case ieProtocolIdentifier:
		if len(v) > 0 {
			rec.Protocol = v[0]
		}
	case ieIngressInterface:
		rec.Input = uint32(beUint64(v))
	case ieEgressInterface:
		rec.Output = uint32(beUint64(v))
	case iePacketDeltaCount:
		rec.Packets = beUint64(v)
	case ieOctetDeltaCount:
		rec.Bytes = beUint64(v)
	case ieFlowStartMilliseconds:
		rec.StartTimeMs = int64(beUint64(v))
	case ieFlowEndMilliseconds:
		end := int64(beUint64(v))
		if rec.StartTimeMs > 0 {
			rec.ElapsedMs = uint32(end - rec.StartTimeMs)
		}
	case ieTCPControlBits:
		if len(v) > 0 {
			rec.TCPFlags = v[len(v)-1]
		}
	}
}

func beUint(v []byte) uint16 {
	switch len(v) {
	case 1:
		return uint16(v[0])
	case 2:
		return binary.BigEndian.Uint16(v)
	default:
		return 0
	}
}

func beUint64(v []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(v):], v)
	return binary.BigEndian.Uint64(buf[:])
}

// accept reports whether a datagram from addr should be decoded, per the
// probe's accept-from allow-list (spec.md §3, §4.3).
func (s *IPFIXSource) accept(addr *net.UDPAddr) bool {
	if len(s.AcceptFrom) == 0 {
		return true
	}
	if s.Resolver == nil || addr == nil {
		return false
	}
	return s.Resolver.Allowed(s.AcceptFrom, addr.IP)
}

func (s *IPFIXSource) PrintStats() string {
	return fmt.Sprintf("ipfix %v: listening on %v (%v)", s.Probe, s.ListenAddr, s.Network)
}

func (s *IPFIXSource) Stop() {
	atomic.StoreInt32(&s.stopped, 1)
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *IPFIXSource) Free() {
	if s.pktConn != nil {
		s.pktConn.Close()
	}
}

func (s *IPFIXSource) Cleanup() {}
