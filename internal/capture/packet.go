// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net/netip"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/netutil"
)

// TCP flag bits as unioned onto a flow over its lifetime.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

var flagNames = []struct {
	bit  uint8
	name string
}{
	{FlagSYN, "SYN"},
	{FlagACK, "ACK"},
	{FlagPSH, "PSH"},
	{FlagFIN, "FIN"},
	{FlagRST, "RST"},
	{FlagURG, "URG"},
}

// FlagString renders a flag mask as "SYN,ACK,...".
func FlagString(mask uint8) string {
	var parts []string
	for _, f := range flagNames {
		if mask&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ",")
}

// TCPInfo carries the decoded TCP header fields the aggregator needs.
type TCPInfo struct {
	Flags  uint8
	Seq    uint32
	Ack    uint32
	Window uint16
}

// Packet is a decoded packet handed to the aggregator. It lives only
// through decode and dispatch; nothing retains it past flow update.
type Packet struct {
	Timestamp time.Time
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  string // "TCP", "UDP", "ICMP", "OTHER"
	Length    int
	SrcMAC    string
	DstMAC    string
	TTL       uint8
	TCP       *TCPInfo
	Payload   []byte
}

// Decode extracts the fields the pipeline cares about from a captured
// packet. Packets without a network layer are rejected.
func Decode(pkt gopacket.Packet) (*Packet, error) {
	p := &Packet{
		Timestamp: pkt.Metadata().Timestamp,
		Length:    pkt.Metadata().Length,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	if p.Length == 0 {
		p.Length = len(pkt.Data())
	}

	if eth := pkt.Layer(layers.LayerTypeEthernet); eth != nil {
		e := eth.(*layers.Ethernet)
		p.SrcMAC = netutil.FormatMAC(e.SrcMAC)
		p.DstMAC = netutil.FormatMAC(e.DstMAC)
	}

	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		src, ok1 := netip.AddrFromSlice(ip.SrcIP)
		dst, ok2 := netip.AddrFromSlice(ip.DstIP)
		if !ok1 || !ok2 {
			return nil, errors.New(errors.KindInvalidArgument, "malformed IPv4 addresses")
		}
		p.SrcAddr, p.DstAddr = src.Unmap(), dst.Unmap()
		p.TTL = ip.TTL
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		src, ok1 := netip.AddrFromSlice(ip.SrcIP)
		dst, ok2 := netip.AddrFromSlice(ip.DstIP)
		if !ok1 || !ok2 {
			return nil, errors.New(errors.KindInvalidArgument, "malformed IPv6 addresses")
		}
		p.SrcAddr, p.DstAddr = src, dst
		p.TTL = ip.HopLimit
	default:
		return nil, errors.New(errors.KindInvalidArgument, "no network layer")
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		p.Protocol = "TCP"
		p.SrcPort = uint16(tcp.SrcPort)
		p.DstPort = uint16(tcp.DstPort)
		p.TCP = &TCPInfo{
			Flags:  tcpFlags(tcp),
			Seq:    tcp.Seq,
			Ack:    tcp.Ack,
			Window: tcp.Window,
		}
		p.Payload = tcp.Payload
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		p.Protocol = "UDP"
		p.SrcPort = uint16(udp.SrcPort)
		p.DstPort = uint16(udp.DstPort)
		p.Payload = udp.Payload
	case pkt.Layer(layers.LayerTypeICMPv4) != nil, pkt.Layer(layers.LayerTypeICMPv6) != nil:
		p.Protocol = "ICMP"
	default:
		p.Protocol = "OTHER"
	}

	return p, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var mask uint8
	if tcp.FIN {
		mask |= FlagFIN
	}
	if tcp.SYN {
		mask |= FlagSYN
	}
	if tcp.RST {
		mask |= FlagRST
	}
	if tcp.PSH {
		mask |= FlagPSH
	}
	if tcp.ACK {
		mask |= FlagACK
	}
	if tcp.URG {
		mask |= FlagURG
	}
	return mask
}
