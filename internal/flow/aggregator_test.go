// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"grimm.is/netinsight/internal/capture"
	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/device"
	"grimm.is/netinsight/internal/geo"
	"grimm.is/netinsight/internal/identify"
	"grimm.is/netinsight/internal/model"
)

type fakeIdent struct {
	domains map[netip.Addr]string
	rdns    map[netip.Addr]string
}

func (f *fakeIdent) ObserveDNS(p *capture.Packet) *identify.DNSInfo { return nil }
func (f *fakeIdent) DomainFor(a netip.Addr) string                  { return f.domains[a] }
func (f *fakeIdent) Resolve(_ context.Context, a netip.Addr) string { return f.rdns[a] }
func (f *fakeIdent) ExtractTLS(payload []byte) *identify.TLSInfo    { return nil }
func (f *fakeIdent) ExtractHTTP(payload []byte) *identify.HTTPInfo  { return nil }
func (f *fakeIdent) ClassifyApplication(alpn string, payload []byte, srcPort, dstPort uint16) string {
	if dstPort == 443 || srcPort == 443 {
		return "HTTPS"
	}
	return ""
}
func (f *fakeIdent) FingerprintBanner(payload []byte, srcPort uint16) string { return "" }

type fakeGeo struct{}

func (fakeGeo) Lookup(netip.Addr) geo.Info { return geo.Info{} }

type countingDevices struct {
	mu    sync.Mutex
	flows int
}

func (c *countingDevices) Observe(f *model.Flow, srcMAC, banner string) model.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows++
	f.DeviceID = device.DeviceID(f.SourceIP, srcMAC)
	return model.Device{ID: f.DeviceID, IP: f.SourceIP}
}

func testAggregator(opts Options) (*Aggregator, *countingDevices) {
	devs := &countingDevices{}
	a := NewAggregator(opts, &fakeIdent{
		domains: map[netip.Addr]string{},
		rdns:    map[netip.Addr]string{},
	}, fakeGeo{}, devs, nil)
	a.stopCh = make(chan struct{})
	return a, devs
}

func tcpPacket(ts time.Time, src string, sport uint16, dst string, dport uint16, flags uint8, payload []byte) *capture.Packet {
	return &capture.Packet{
		Timestamp: ts,
		SrcAddr:   netip.MustParseAddr(src),
		DstAddr:   netip.MustParseAddr(dst),
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  "TCP",
		Length:    64 + len(payload),
		TTL:       64,
		TCP:       &capture.TCPInfo{Flags: flags, Seq: 1000},
		Payload:   payload,
	}
}

func collect(a *Aggregator, n int) []Finalised {
	out := make([]Finalised, 0, n)
	for i := 0; i < n; i++ {
		select {
		case fin := <-a.out:
			out = append(out, fin)
		default:
			return out
		}
	}
	return out
}

func TestReversedTupleSameFlow(t *testing.T) {
	a, _ := testAggregator(Options{})
	base := time.Now()

	a.handle(tcpPacket(base, "10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagSYN, nil))
	a.handle(tcpPacket(base.Add(10*time.Millisecond), "93.184.216.34", 443, "10.0.0.5", 50000, capture.FlagSYN|capture.FlagACK, nil))
	a.handle(tcpPacket(base.Add(20*time.Millisecond), "10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagACK, nil))

	if got := a.Stats().ActiveFlows; got != 1 {
		t.Fatalf("ActiveFlows = %d, want 1", got)
	}

	a.mu.Lock()
	var e *entry
	for _, v := range a.active {
		e = v
	}
	a.mu.Unlock()

	if e.packetsOut != 2 || e.packetsIn != 1 {
		t.Errorf("direction split wrong: out=%d in=%d", e.packetsOut, e.packetsIn)
	}
	if e.state != model.StateEstablished {
		t.Errorf("state = %q after handshake", e.state)
	}
}

func TestHTTPSFetchLifecycle(t *testing.T) {
	a, devs := testAggregator(Options{})
	base := time.Now()

	// Handshake, a data exchange, then orderly FIN close in both
	// directions.
	a.handle(tcpPacket(base, "10.0.0.5", 50001, "93.184.216.34", 443, capture.FlagSYN, nil))
	a.handle(tcpPacket(base.Add(15*time.Millisecond), "93.184.216.34", 443, "10.0.0.5", 50001, capture.FlagSYN|capture.FlagACK, nil))
	a.handle(tcpPacket(base.Add(20*time.Millisecond), "10.0.0.5", 50001, "93.184.216.34", 443, capture.FlagACK|capture.FlagPSH, []byte("hello")))
	a.handle(tcpPacket(base.Add(40*time.Millisecond), "93.184.216.34", 443, "10.0.0.5", 50001, capture.FlagACK|capture.FlagPSH, []byte("world")))
	a.handle(tcpPacket(base.Add(50*time.Millisecond), "10.0.0.5", 50001, "93.184.216.34", 443, capture.FlagFIN|capture.FlagACK, nil))
	a.handle(tcpPacket(base.Add(60*time.Millisecond), "93.184.216.34", 443, "10.0.0.5", 50001, capture.FlagFIN|capture.FlagACK, nil))

	fins := collect(a, 10)
	if len(fins) != 1 {
		t.Fatalf("finalised %d flows, want 1", len(fins))
	}
	f := fins[0].Flow

	if f.Status != model.FlowStatusClosed {
		t.Errorf("Status = %q", f.Status)
	}
	if f.ConnectionState != model.StateClosed {
		t.Errorf("ConnectionState = %q", f.ConnectionState)
	}
	if f.BytesOut == 0 || f.BytesIn == 0 {
		t.Errorf("volume missing: out=%d in=%d", f.BytesOut, f.BytesIn)
	}
	if f.FirstSeen > f.LastSeen {
		t.Error("first_seen after last_seen")
	}
	if f.Application != "HTTPS" {
		t.Errorf("Application = %q", f.Application)
	}
	if f.RTTMs <= 0 {
		t.Errorf("RTTMs = %f, want SYN/SYN-ACK sample", f.RTTMs)
	}
	if f.DeviceID == "" || devs.flows != 1 {
		t.Error("device registry not consulted")
	}
	if a.Stats().ActiveFlows != 0 {
		t.Error("closed flow still active")
	}
}

func TestRSTFinalisesImmediately(t *testing.T) {
	a, _ := testAggregator(Options{})
	base := time.Now()

	a.handle(tcpPacket(base, "10.0.0.9", 40000, "10.0.0.1", 22, capture.FlagSYN, nil))
	a.handle(tcpPacket(base.Add(time.Millisecond), "10.0.0.1", 22, "10.0.0.9", 40000, capture.FlagRST, nil))

	fins := collect(a, 10)
	if len(fins) != 1 {
		t.Fatalf("finalised %d flows, want 1", len(fins))
	}
	if fins[0].Flow.ConnectionState != model.StateReset {
		t.Errorf("ConnectionState = %q", fins[0].Flow.ConnectionState)
	}
}

func TestSYNScanIdleFinalisation(t *testing.T) {
	a, _ := testAggregator(Options{IdleTimeout: 60 * time.Second})
	base := time.Now()

	// 50 unanswered SYNs to distinct ports from one source.
	for port := uint16(1); port <= 50; port++ {
		a.handle(tcpPacket(base, "10.0.0.5", 45000, "10.0.0.20", port, capture.FlagSYN, nil))
	}
	if got := a.Stats().ActiveFlows; got != 50 {
		t.Fatalf("ActiveFlows = %d, want 50", got)
	}

	clock.Set(func() time.Time { return base.Add(2 * time.Minute) })
	defer clock.Set(nil)
	a.sweepIdle()

	fins := collect(a, 100)
	if len(fins) != 50 {
		t.Fatalf("finalised %d flows, want 50", len(fins))
	}
	for _, fin := range fins {
		if fin.Flow.ConnectionState != model.StateSynSent {
			t.Fatalf("ConnectionState = %q, want SYN_SENT", fin.Flow.ConnectionState)
		}
		if fin.Flow.Status != model.FlowStatusClosed {
			t.Fatalf("Status = %q", fin.Flow.Status)
		}
	}
	if a.Stats().ActiveFlows != 0 {
		t.Error("idle flows not evicted")
	}
}

func TestRetransmissionCounting(t *testing.T) {
	a, _ := testAggregator(Options{})
	base := time.Now()

	send := func(off time.Duration, seq uint32, payload string) {
		p := tcpPacket(base.Add(off), "10.0.0.5", 50002, "10.0.0.30", 8080, capture.FlagACK|capture.FlagPSH, []byte(payload))
		p.TCP.Seq = seq
		a.handle(p)
	}

	send(0, 1000, "segment-a")
	send(10*time.Millisecond, 2000, "segment-b")
	// Same sequence numbers again: two retransmissions.
	send(20*time.Millisecond, 1000, "segment-a")
	send(30*time.Millisecond, 2000, "segment-b")

	a.handle(tcpPacket(base.Add(40*time.Millisecond), "10.0.0.30", 8080, "10.0.0.5", 50002, capture.FlagRST, nil))

	fins := collect(a, 10)
	if len(fins) != 1 {
		t.Fatalf("finalised %d flows, want 1", len(fins))
	}
	if got := fins[0].Flow.Retransmissions; got != 2 {
		t.Errorf("Retransmissions = %d, want 2", got)
	}
}

func TestActiveCapForceFinalises(t *testing.T) {
	a, _ := testAggregator(Options{MaxActiveFlows: 10})
	base := time.Now()

	for i := 0; i < 15; i++ {
		a.handle(tcpPacket(base.Add(time.Duration(i)*time.Millisecond),
			"10.0.0.5", uint16(50100+i), "10.0.0.40", 80, capture.FlagSYN, nil))
	}

	if got := a.Stats().ActiveFlows; got != 10 {
		t.Errorf("ActiveFlows = %d, want cap 10", got)
	}
	fins := collect(a, 20)
	if len(fins) != 5 {
		t.Fatalf("force-finalised %d flows, want 5", len(fins))
	}
	// Oldest-idle first: the earliest ports go first.
	if fins[0].Flow.SourcePort != 50100 {
		t.Errorf("first victim port = %d, want 50100", fins[0].Flow.SourcePort)
	}
}

func TestNamePriority(t *testing.T) {
	dst := netip.MustParseAddr("93.184.216.34")
	ident := &fakeIdent{
		domains: map[netip.Addr]string{dst: "tracked.example"},
		rdns:    map[netip.Addr]string{dst: "34.216.184.93.in-addr.arpa.example"},
	}
	devs := &countingDevices{}
	a := NewAggregator(Options{}, ident, fakeGeo{}, devs, nil)
	a.stopCh = make(chan struct{})

	base := time.Now()
	a.handle(tcpPacket(base, "10.0.0.5", 50003, "93.184.216.34", 443, capture.FlagSYN, nil))
	a.handle(tcpPacket(base.Add(time.Millisecond), "93.184.216.34", 443, "10.0.0.5", 50003, capture.FlagRST, nil))

	fins := collect(a, 10)
	if len(fins) != 1 {
		t.Fatalf("finalised %d flows", len(fins))
	}
	if got := fins[0].Flow.Domain; got != "tracked.example" {
		t.Errorf("Domain = %q, want the tracked DNS answer to win", got)
	}

	// With no tracked answer the reverse lookup is the fallback.
	delete(ident.domains, dst)
	a.handle(tcpPacket(base.Add(2*time.Millisecond), "10.0.0.5", 50004, "93.184.216.34", 443, capture.FlagSYN, nil))
	a.handle(tcpPacket(base.Add(3*time.Millisecond), "93.184.216.34", 443, "10.0.0.5", 50004, capture.FlagRST, nil))
	fins = collect(a, 10)
	if len(fins) != 1 || fins[0].Flow.Domain != "34.216.184.93.in-addr.arpa.example" {
		t.Errorf("reverse-DNS fallback missing: %+v", fins)
	}
}

func TestSubmitDropsWhenSaturated(t *testing.T) {
	a, _ := testAggregator(Options{PacketQueueSize: 4})
	base := time.Now()

	for i := 0; i < 10; i++ {
		// Distinct timestamps defeat duplicate suppression.
		a.Submit(tcpPacket(base.Add(time.Duration(i)*10*time.Millisecond),
			"10.0.0.5", 50005, "10.0.0.50", 80, capture.FlagACK, nil))
	}

	s := a.Stats()
	if s.PacketsSeen != 10 {
		t.Errorf("PacketsSeen = %d", s.PacketsSeen)
	}
	if s.PacketsDropped != 6 {
		t.Errorf("PacketsDropped = %d, want 6 with queue of 4", s.PacketsDropped)
	}
	if s.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d", s.QueueDepth)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	a, _ := testAggregator(Options{})
	base := time.Now()

	p := tcpPacket(base, "10.0.0.5", 50006, "10.0.0.60", 80, capture.FlagACK, nil)
	a.Submit(p)
	a.Submit(p) // identical arrival time and length within 1ms

	if got := a.Stats().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestSamplingGate(t *testing.T) {
	g := newGate(0.25) // every 4th packet
	base := time.Now()

	admitted := 0
	for i := 0; i < 100; i++ {
		p := tcpPacket(base.Add(time.Duration(i)*10*time.Millisecond),
			"10.0.0.5", 50007, "10.0.0.70", 80, capture.FlagACK, nil)
		if ok, _ := g.admit(p); ok {
			admitted++
		}
	}
	if admitted != 25 {
		t.Errorf("admitted %d of 100 at rate 0.25", admitted)
	}
}

func TestStopDrainsEverything(t *testing.T) {
	a, _ := testAggregator(Options{})
	a.started.Store(true)
	a.wg.Add(1)
	go a.run()

	base := time.Now()
	for i := 0; i < 20; i++ {
		a.Submit(tcpPacket(base.Add(time.Duration(i)*10*time.Millisecond),
			"10.0.0.5", uint16(50200+i), "10.0.0.80", 80, capture.FlagSYN, nil))
	}

	done := make(chan []Finalised)
	go func() {
		var fins []Finalised
		for fin := range a.out {
			fins = append(fins, fin)
		}
		done <- fins
	}()

	a.Stop()
	fins := <-done
	if len(fins) != 20 {
		t.Fatalf("drained %d flows, want 20", len(fins))
	}
	seen := make(map[string]bool)
	for _, fin := range fins {
		if seen[fin.Flow.ID] {
			t.Fatalf("flow %s emitted twice", fin.Flow.ID)
		}
		seen[fin.Flow.ID] = true
	}
}

func TestUDPFlowEstablished(t *testing.T) {
	a, _ := testAggregator(Options{})
	base := time.Now()

	p := &capture.Packet{
		Timestamp: base,
		SrcAddr:   netip.MustParseAddr("10.0.0.5"),
		DstAddr:   netip.MustParseAddr("8.8.8.8"),
		SrcPort:   44444,
		DstPort:   53,
		Protocol:  "UDP",
		Length:    80,
		Payload:   []byte{0, 1},
	}
	a.handle(p)

	a.mu.Lock()
	var e *entry
	for _, v := range a.active {
		e = v
	}
	a.mu.Unlock()

	if e == nil || e.state != model.StateEstablished {
		t.Fatalf("UDP flow state = %+v", e)
	}
}

func TestKeyString(t *testing.T) {
	k := Key{
		SrcAddr: netip.MustParseAddr("10.0.0.5"),
		SrcPort: 1234,
		DstAddr: netip.MustParseAddr("10.0.0.6"),
		DstPort: 80,
		Proto:   "TCP",
	}
	want := fmt.Sprintf("%s:%d->%s:%d/%s", "10.0.0.5", 1234, "10.0.0.6", 80, "TCP")
	if k.String() != want {
		t.Errorf("String = %q", k.String())
	}
	r := k.Reversed()
	if r.SrcAddr != k.DstAddr || r.SrcPort != k.DstPort || r.Reversed() != k {
		t.Error("Reversed not an involution")
	}
}
