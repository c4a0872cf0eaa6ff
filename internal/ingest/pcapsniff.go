package ingest

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// PcapSource implements a network-pcap ingest variant: it derives
// canonical flow-ish records directly from live packet capture on an
// interface, rather than receiving pre-aggregated NetFlow/IPFIX
// records. This is a supplemented feature (no direct analogue in the
// distilled spec's C2 variant list) useful at sites that want to pack
// from raw traffic when no exporter is available.
//
// Grounded on src/bridge/capture.go (pcap.OpenLive / BPF filter setup)
// and src/bridge/ipmac.go's snooper() (gopacket.NewDecodingLayerParser +
// DecodeLayers loop, including its UnsupportedLayerType tolerance).
type PcapSource struct {
	Probe     string
	Interface string
	BPFFilter string
	SensorID  uint16
	// FlowTimeout closes out an (src,dst,proto,ports) 5-tuple as a
	// completed record after this long without a new packet.
	FlowTimeout time.Duration

	handle  *pcap.Handle
	stopped int32

	flows map[flowKey]*flowAccum
}

type flowKey struct {
	src, dst           string
	srcPort, dstPort   uint16
	proto              uint8
}

type flowAccum struct {
	rec      flowrecord.Record
	lastSeen time.Time
}

func (s *PcapSource) Setup() error {
	if s.FlowTimeout == 0 {
		s.FlowTimeout = 60 * time.Second
	}
	s.flows = make(map[flowKey]*flowAccum)
	return nil
}

func (s *PcapSource) WantProbe() string { return s.Probe }

func (s *PcapSource) Start() error {
	handle, err := pcap.OpenLive(s.Interface, 1600, true, time.Second)
	if err != nil {
		return fmt.Errorf("ingest: pcap %v: open %v: %w", s.Probe, s.Interface, err)
	}
	if s.BPFFilter != "" {
		if err := handle.SetBPFFilter(s.BPFFilter); err != nil {
			handle.Close()
			return fmt.Errorf("ingest: pcap %v: bpf filter: %w", s.Probe, err)
		}
	}
	s.handle = handle
	return nil
}

// GetRecord reads packets and accumulates per-5-tuple flow state,
// emitting a record once a flow has been idle for FlowTimeout. This
// mirrors ipmac.go's snooper() decode loop but folds packets into
// flows instead of just learning IP/MAC associations.
func (s *PcapSource) GetRecord() GetRecordResult {
	var (
		eth layers.Ethernet
		ip4 layers.IPv4
		ip6 layers.IPv6
		tcp layers.TCP
		udp layers.UDP
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &ip6, &tcp, &udp)
	decoded := []gopacket.LayerType{}

	for {
		if rec := s.expireOne(); rec != nil {
			return GetRecordResult{Kind: KindRecord, Record: rec}
		}

		if atomic.LoadInt32(&s.stopped) != 0 {
			return GetRecordResult{Kind: KindFileBreak}
		}

		data, _, err := s.handle.ReadPacketData()
		if err != nil {
			if err == io.EOF || err == pcap.NextErrorTimeoutExpired {
				continue
			}
			if atomic.LoadInt32(&s.stopped) != 0 {
				return GetRecordResult{Kind: KindFileBreak}
			}
			return GetRecordResult{Kind: KindGetError, Err: err}
		}

		if err := parser.DecodeLayers(data, &decoded); err != nil {
			if _, ok := err.(gopacket.UnsupportedLayerType); !ok {
				continue
			}
		}
		s.absorb(decoded, &ip4, &ip6, &tcp, &udp, len(data))
	}
}

func (s *PcapSource) absorb(decoded []gopacket.LayerType, ip4 *layers.IPv4, ip6 *layers.IPv6, tcp *layers.TCP, udp *layers.UDP, pktLen int) {
	var srcIP, dstIP net.IP
	var proto uint8
	haveIP := false
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			srcIP, dstIP, proto = ip4.SrcIP, ip4.DstIP, uint8(ip4.Protocol)
			haveIP = true
		case layers.LayerTypeIPv6:
			srcIP, dstIP, proto = ip6.SrcIP, ip6.DstIP, uint8(ip6.NextHeader)
			haveIP = true
		}
	}
	if !haveIP {
		return
	}

	var srcPort, dstPort uint16
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeTCP:
			srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		case layers.LayerTypeUDP:
			srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		}
	}

	key := flowKey{src: srcIP.String(), dst: dstIP.String(), srcPort: srcPort, dstPort: dstPort, proto: proto}
	now := time.Now()
	a, ok := s.flows[key]
	if !ok {
		a = &flowAccum{rec: flowrecord.Record{
			Src: srcIP, Dst: dstIP, SrcPort: srcPort, DstPort: dstPort,
			Protocol: proto, SensorID: s.SensorID, StartTimeMs: now.UnixMilli(),
		}}
		s.flows[key] = a
	}
	a.rec.Packets++
	a.rec.Bytes += uint64(pktLen)
	a.rec.ElapsedMs = uint32(now.UnixMilli() - a.rec.StartTimeMs)
	if proto == 6 { // TCP
		a.rec.TCPFlags |= tcpFlagsOf(tcp)
	}
	a.lastSeen = now
}

func tcpFlagsOf(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= 0x01
	}
	if tcp.SYN {
		f |= 0x02
	}
	if tcp.RST {
		f |= 0x04
	}
	if tcp.PSH {
		f |= 0x08
	}
	if tcp.ACK {
		f |= 0x10
	}
	if tcp.URG {
		f |= 0x20
	}
	return f
}

// expireOne emits the first flow that's been idle past FlowTimeout, if
// any, and removes it from the accumulator.
func (s *PcapSource) expireOne() *flowrecord.Record {
	cutoff := time.Now().Add(-s.FlowTimeout)
	for k, a := range s.flows {
		if a.lastSeen.Before(cutoff) {
			delete(s.flows, k)
			rec := a.rec
			return &rec
		}
	}
	return nil
}

func (s *PcapSource) PrintStats() string {
	return fmt.Sprintf("pcap %v: interface=%v active-flows=%d", s.Probe, s.Interface, len(s.flows))
}

func (s *PcapSource) Stop() {
	atomic.StoreInt32(&s.stopped, 1)
	if s.handle != nil {
		s.handle.Close()
	}
}

func (s *PcapSource) Free() {}

func (s *PcapSource) Cleanup() {
	log.Debug("ingest: pcap %v: cleanup, %d flows still pending at stop", s.Probe, len(s.flows))
}
