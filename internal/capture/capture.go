// Package capture wraps live packet capture and Ethernet/IP/TCP/UDP
// decoding.
//
// Architecture:
//
//	[pcap live handle]
//	      ↓  (gopacket.PacketSource)
//	[Source.Run reader goroutine]
//	      ↓  (buffered channel, cap=queueSize)
//	[caller-owned consumer loop]
//
// Packets that fail to decode into an IPv4/IPv6 + TCP/UDP shape, or whose
// next-layer protocol is neither TCP, UDP, nor ICMP, are dropped silently —
// matching the reference implementation's parse_packet, which returns None
// rather than erroring.
package capture

import (
	"context"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// TCP flag bits, matching the reference implementation's bitmask layout.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
	FlagECE uint8 = 0x40
	FlagCWR uint8 = 0x80
)

// Packet is a decoded packet's fields relevant to detection.
type Packet struct {
	SourceIP string
	DestPort uint16
	Protocol string // "TCP", "UDP", or "ICMP"
	Flags    uint8
}

// Source reads live packets from a pcap handle and decodes them.
type Source struct {
	handle *pcap.Handle
}

// OpenLive opens device for live capture with the given snapshot length,
// promiscuous mode, and BPF filter. If device is empty, the first device
// pcap enumerates is used, matching the reference implementation.
func OpenLive(device string, snapLen int32, promiscuous bool, filter string) (*Source, error) {
	if device == "" {
		devices, err := pcap.FindAllDevs()
		if err != nil {
			return nil, fmt.Errorf("capture: list devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("capture: no network devices found")
		}
		device = devices[0].Name
	}

	handle, err := pcap.OpenLive(device, snapLen, promiscuous, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("capture: open %q: %w", device, err)
	}

	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: set filter %q: %w", filter, err)
		}
	}

	return &Source{handle: handle}, nil
}

// Close releases the underlying pcap handle.
func (s *Source) Close() {
	s.handle.Close()
}

// Run starts a goroutine that decodes packets into the returned channel
// (capacity queueSize) and returns immediately. The goroutine closes the
// channel when ctx is cancelled or the packet source is exhausted.
// Packets that fail to decode are dropped silently; decode failures never
// stop the loop.
func (s *Source) Run(ctx context.Context, queueSize int) <-chan Packet {
	out := make(chan Packet, queueSize)
	packetSource := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	packets := packetSource.Packets()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-packets:
				if !ok {
					return
				}
				pkt, ok := Decode(raw)
				if !ok {
					continue
				}
				select {
				case out <- pkt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Decode extracts the fields detection needs from a raw gopacket.Packet.
// Returns ok=false for anything that isn't an IPv4/IPv6 packet carrying
// TCP, UDP, or ICMP — mirroring the reference implementation's
// parse_packet, which silently discards everything else.
func Decode(pkt gopacket.Packet) (Packet, bool) {
	var sourceIP string
	var nextProto string

	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		proto, ok := protoName(ip.Protocol)
		if !ok {
			return Packet{}, false
		}
		sourceIP = ip.SrcIP.String()
		nextProto = proto
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		proto, ok := protoName(layers.IPProtocol(ip.NextHeader))
		if !ok {
			return Packet{}, false
		}
		sourceIP = formatIPv6(ip.SrcIP)
		nextProto = proto
	} else {
		return Packet{}, false
	}

	switch nextProto {
	case "TCP":
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			return Packet{}, false
		}
		tcp := tcpLayer.(*layers.TCP)
		return Packet{
			SourceIP: sourceIP,
			DestPort: uint16(tcp.DstPort),
			Protocol: "TCP",
			Flags:    tcpFlags(tcp),
		}, true
	case "UDP":
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			return Packet{}, false
		}
		udp := udpLayer.(*layers.UDP)
		return Packet{
			SourceIP: sourceIP,
			DestPort: uint16(udp.DstPort),
			Protocol: "UDP",
			Flags:    0,
		}, true
	case "ICMP":
		return Packet{SourceIP: sourceIP, DestPort: 0, Protocol: "ICMP", Flags: 0}, true
	}
	return Packet{}, false
}

func protoName(p layers.IPProtocol) (string, bool) {
	switch p {
	case layers.IPProtocolTCP:
		return "TCP", true
	case layers.IPProtocolUDP:
		return "UDP", true
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		return "ICMP", true
	default:
		return "", false
	}
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	if tcp.URG {
		f |= FlagURG
	}
	if tcp.ECE {
		f |= FlagECE
	}
	if tcp.CWR {
		f |= FlagCWR
	}
	return f
}

// formatIPv6 renders addr as eight colon-separated 16-bit hex groups with
// no "::" compression, matching the reference implementation's
// format_ipv6.
func formatIPv6(addr []byte) string {
	if len(addr) != 16 {
		return ""
	}
	out := make([]byte, 0, 39)
	const hexDigits = "0123456789abcdef"
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		b0, b1 := addr[i], addr[i+1]
		out = append(out,
			hexDigits[b0>>4], hexDigits[b0&0xf],
			hexDigits[b1>>4], hexDigits[b1&0xf],
		)
	}
	return string(out)
}
