// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow turns decoded packets into bidirectional flow aggregates
// and finalises them on idle, close or shutdown. The aggregator owns
// all active-flow state; enrichment runs on detached copies only.
package flow

import (
	"fmt"

	"net/netip"

	"grimm.is/netinsight/internal/capture"
)

// Key identifies a flow by its 5-tuple. A packet matching the reversed
// tuple belongs to the same flow travelling the opposite direction.
type Key struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Proto   string
}

// KeyOf builds the key for a packet as observed, source first.
func KeyOf(p *capture.Packet) Key {
	return Key{
		SrcAddr: p.SrcAddr,
		SrcPort: p.SrcPort,
		DstAddr: p.DstAddr,
		DstPort: p.DstPort,
		Proto:   p.Protocol,
	}
}

// Reversed returns the same tuple seen from the responder's side.
func (k Key) Reversed() Key {
	return Key{
		SrcAddr: k.DstAddr,
		SrcPort: k.DstPort,
		DstAddr: k.SrcAddr,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", k.SrcAddr, k.SrcPort, k.DstAddr, k.DstPort, k.Proto)
}
