// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/netinsight/internal/capture"
	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/geo"
	"grimm.is/netinsight/internal/identify"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/model"
	"grimm.is/netinsight/internal/netutil"
)

// Identifier is the naming surface the aggregator consults, satisfied
// by *identify.Service.
type Identifier interface {
	ObserveDNS(p *capture.Packet) *identify.DNSInfo
	DomainFor(addr netip.Addr) string
	Resolve(ctx context.Context, addr netip.Addr) string
	ExtractTLS(payload []byte) *identify.TLSInfo
	ExtractHTTP(payload []byte) *identify.HTTPInfo
	ClassifyApplication(alpn string, payload []byte, srcPort, dstPort uint16) string
	FingerprintBanner(payload []byte, srcPort uint16) string
}

// GeoLookup annotates public addresses, satisfied by *geo.Service.
type GeoLookup interface {
	Lookup(addr netip.Addr) geo.Info
}

// DeviceSink folds finalised flows into the device registry, satisfied
// by *device.Registry.
type DeviceSink interface {
	Observe(f *model.Flow, srcMAC, banner string) model.Device
}

// Finalised is what the aggregator emits downstream: the closed flow
// and a snapshot of its owning device after the update.
type Finalised struct {
	Flow   model.Flow
	Device model.Device
}

// Options bounds the aggregator. Zero fields take the documented
// defaults.
type Options struct {
	SamplingRate      float64
	MaxActiveFlows    int
	MaxRTTEntries     int
	MaxRetransEntries int
	PacketQueueSize   int
	IdleTimeout       time.Duration
}

func (o *Options) setDefaults() {
	if o.SamplingRate <= 0 || o.SamplingRate > 1 {
		o.SamplingRate = 1.0
	}
	if o.MaxActiveFlows <= 0 {
		o.MaxActiveFlows = 10000
	}
	if o.MaxRTTEntries <= 0 {
		o.MaxRTTEntries = 5000
	}
	if o.MaxRetransEntries <= 0 {
		o.MaxRetransEntries = 10000
	}
	if o.PacketQueueSize <= 0 {
		o.PacketQueueSize = 2048
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
}

// Stats is a snapshot of the aggregator counters.
type Stats struct {
	ActiveFlows    int     `json:"active_flows"`
	PacketsSeen    uint64  `json:"packets_seen"`
	PacketsDropped uint64  `json:"packets_dropped"`
	Duplicates     uint64  `json:"duplicates"`
	QueueDepth     int     `json:"queue_depth"`
	FlowsFinalised uint64  `json:"flows_finalised"`
	AvgProcessUS   float64 `json:"avg_process_us"`
}

// entry is one active flow. Owned by the aggregator loop; read-only
// snapshots leave under the lock.
type entry struct {
	id        string
	key       Key
	firstSeen time.Time
	lastSeen  time.Time

	bytesOut, bytesIn     int64
	packetsOut, packetsIn int64

	flags  uint8
	ttl    uint8
	state  string
	srcMAC string

	sawFwdData, sawRevData bool
	finFwd, finRev         bool
	jitter                 jitterState

	sni, alpn, ja3                  string
	httpMethod, url, userAgent      string
	httpHost                        string
	dnsQueryType, dnsRcode          string
	application, banner             string
	parsedFwdPayload, parsedRevData bool
}

// Aggregator turns packets into finalised flows.
type Aggregator struct {
	opts    Options
	ident   Identifier
	geo     GeoLookup
	devices DeviceSink
	logger  *logging.Logger

	gate  *gate
	queue chan *capture.Packet
	out   chan Finalised

	mu     sync.Mutex
	active map[Key]*entry

	rtt     *rttTracker
	retrans *retransTracker

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	packetsSeen    atomic.Uint64
	packetsDropped atomic.Uint64
	duplicates     atomic.Uint64
	flowsFinalised atomic.Uint64
	procTotalUS    atomic.Uint64
	procCount      atomic.Uint64
}

// NewAggregator wires the aggregator to its enrichment services.
func NewAggregator(opts Options, ident Identifier, geoSvc GeoLookup, devices DeviceSink, logger *logging.Logger) *Aggregator {
	opts.setDefaults()
	if logger == nil {
		logger = logging.WithComponent("flow")
	}
	return &Aggregator{
		opts:    opts,
		ident:   ident,
		geo:     geoSvc,
		devices: devices,
		logger:  logger,
		gate:    newGate(opts.SamplingRate),
		queue:   make(chan *capture.Packet, opts.PacketQueueSize),
		out:     make(chan Finalised, 256),
		active:  make(map[Key]*entry),
		rtt:     newRTTTracker(opts.MaxRTTEntries),
		retrans: newRetransTracker(opts.MaxRetransEntries),
	}
}

// Subscribe returns the finalised-flow channel consumed by the
// persistence and notification stage. Closed on Stop after drain.
func (a *Aggregator) Subscribe() <-chan Finalised {
	return a.out
}

// Submit enqueues a packet without blocking. Saturation drops the
// packet and bumps the drop counter; sampled-out packets are silent.
func (a *Aggregator) Submit(p *capture.Packet) {
	a.packetsSeen.Add(1)

	ok, dup := a.gate.admit(p)
	if dup {
		a.duplicates.Add(1)
		return
	}
	if !ok {
		return
	}

	select {
	case a.queue <- p:
	default:
		a.packetsDropped.Add(1)
	}
}

// Start launches the consumer loop and the idle sweeper.
func (a *Aggregator) Start() {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.run()
	a.logger.Info("Flow aggregator started",
		"max_active", a.opts.MaxActiveFlows,
		"idle_timeout", a.opts.IdleTimeout,
		"sampling_rate", a.opts.SamplingRate)
}

// Stop halts ingestion, processes what is already queued, forces
// finalisation of every active flow and closes the output channel. The
// downstream consumer must keep draining until the channel closes.
func (a *Aggregator) Stop() {
	if !a.started.CompareAndSwap(true, false) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()

	// Process the backlog so its flows are counted before the flush.
	for {
		select {
		case p := <-a.queue:
			a.handle(p)
		default:
			a.finaliseAll()
			close(a.out)
			a.logger.Info("Flow aggregator stopped", "flows_finalised", a.flowsFinalised.Load())
			return
		}
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	sweep := a.opts.IdleTimeout / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	if sweep > 10*time.Second {
		sweep = 10 * time.Second
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case p := <-a.queue:
			a.handle(p)
		case <-ticker.C:
			a.sweepIdle()
		}
	}
}

func (a *Aggregator) handle(p *capture.Packet) {
	start := time.Now()

	var dnsInfo *identify.DNSInfo
	if p.SrcPort == 53 || p.DstPort == 53 {
		dnsInfo = a.ident.ObserveDNS(p)
	}

	key := KeyOf(p)

	a.mu.Lock()
	e, dir, evicted := a.lookupOrCreateLocked(key, p)
	a.updateLocked(e, dir, p, dnsInfo)

	var done *entry
	if e.state == model.StateReset || e.state == model.StateClosed {
		delete(a.active, e.key)
		done = e
	}
	a.mu.Unlock()

	if p.Protocol == "TCP" {
		a.rtt.observe(e.id, dir, p.TCP, p.Timestamp)
		a.retrans.observe(e.id, dir, p.TCP, len(p.Payload), p.Timestamp)
	}

	for _, v := range evicted {
		a.finalise(v)
	}
	if done != nil {
		a.finalise(done)
	}

	a.procTotalUS.Add(uint64(time.Since(start).Microseconds()))
	a.procCount.Add(1)
}

// lookupOrCreateLocked resolves the packet to an active entry, matching
// the reversed tuple as the opposite direction. At capacity the
// oldest-idle entries are detached for finalisation by the caller.
func (a *Aggregator) lookupOrCreateLocked(key Key, p *capture.Packet) (*entry, direction, []*entry) {
	if e, ok := a.active[key]; ok {
		return e, dirFwd, nil
	}
	if e, ok := a.active[key.Reversed()]; ok {
		return e, dirRev, nil
	}

	var evicted []*entry
	for len(a.active) >= a.opts.MaxActiveFlows {
		victim := a.oldestLocked()
		if victim == nil {
			break
		}
		delete(a.active, victim.key)
		evicted = append(evicted, victim)
	}

	e := &entry{
		id:        uuid.Must(uuid.NewV7()).String(),
		key:       key,
		firstSeen: p.Timestamp,
		state:     model.StateInit,
		srcMAC:    p.SrcMAC,
		ttl:       p.TTL,
	}
	if p.Protocol != "TCP" {
		e.state = model.StateEstablished
	}
	a.active[key] = e
	return e, dirFwd, evicted
}

func (a *Aggregator) oldestLocked() *entry {
	var victim *entry
	for _, e := range a.active {
		if victim == nil || e.lastSeen.Before(victim.lastSeen) {
			victim = e
		}
	}
	return victim
}

func (a *Aggregator) updateLocked(e *entry, dir direction, p *capture.Packet, dnsInfo *identify.DNSInfo) {
	e.lastSeen = p.Timestamp
	if e.firstSeen.IsZero() || p.Timestamp.Before(e.firstSeen) {
		e.firstSeen = p.Timestamp
	}

	if dir == dirFwd {
		e.bytesOut += int64(p.Length)
		e.packetsOut++
		if len(p.Payload) > 0 {
			e.sawFwdData = true
		}
	} else {
		e.bytesIn += int64(p.Length)
		e.packetsIn++
		if len(p.Payload) > 0 {
			e.sawRevData = true
		}
	}

	e.jitter.observe(p.Timestamp)

	if dnsInfo != nil {
		if e.dnsQueryType == "" {
			e.dnsQueryType = dnsInfo.QueryType
		}
		if dnsInfo.IsResponse {
			e.dnsRcode = dnsInfo.ResponseCode
		}
	}

	if p.TCP != nil {
		e.flags |= p.TCP.Flags
		a.advanceState(e, dir, p.TCP.Flags)
	}

	if len(p.Payload) > 0 {
		a.inspectPayload(e, dir, p)
	}
}

// advanceState drives the TCP state machine. RESET and CLOSED are
// terminal; the caller finalises immediately on either.
func (a *Aggregator) advanceState(e *entry, dir direction, flags uint8) {
	if flags&capture.FlagRST != 0 {
		e.state = model.StateReset
		return
	}
	if e.state == model.StateReset || e.state == model.StateClosed {
		return
	}

	if flags&capture.FlagFIN != 0 {
		if dir == dirFwd {
			e.finFwd = true
		} else {
			e.finRev = true
		}
		if e.finFwd && e.finRev {
			e.state = model.StateClosed
		} else {
			e.state = model.StateFinWait
		}
		return
	}

	switch e.state {
	case model.StateInit:
		if dir == dirFwd && flags&capture.FlagSYN != 0 && flags&capture.FlagACK == 0 {
			e.state = model.StateSynSent
		}
	case model.StateSynSent:
		if dir == dirRev && flags&capture.FlagSYN != 0 && flags&capture.FlagACK != 0 {
			e.state = model.StateEstablished
		}
	}

	if e.state != model.StateEstablished && e.state != model.StateFinWait &&
		e.sawFwdData && e.sawRevData {
		e.state = model.StateEstablished
	}
}

// inspectPayload runs the cheap in-memory extractors on the first
// data-bearing packet of each direction. Payloads are never retained.
func (a *Aggregator) inspectPayload(e *entry, dir direction, p *capture.Packet) {
	if dir == dirFwd && !e.parsedFwdPayload {
		e.parsedFwdPayload = true
		if tls := a.ident.ExtractTLS(p.Payload); tls != nil {
			e.sni, e.alpn, e.ja3 = tls.SNI, tls.ALPN, tls.JA3
		} else if h := a.ident.ExtractHTTP(p.Payload); h != nil {
			e.httpMethod, e.url, e.userAgent, e.httpHost = h.Method, h.URL, h.UserAgent, h.Host
		}
		if e.application == "" {
			e.application = a.ident.ClassifyApplication(e.alpn, p.Payload, p.SrcPort, p.DstPort)
		}
	}

	if dir == dirRev && !e.parsedRevData {
		e.parsedRevData = true
		e.banner = a.ident.FingerprintBanner(p.Payload, p.SrcPort)
		if e.application == "" {
			e.application = a.ident.ClassifyApplication("", p.Payload, p.DstPort, p.SrcPort)
		}
	}
}

// sweepIdle finalises flows whose last packet is older than the idle
// timeout. Victims are detached under the lock, enriched after.
func (a *Aggregator) sweepIdle() {
	cutoff := clock.Now().Add(-a.opts.IdleTimeout)

	a.mu.Lock()
	var victims []*entry
	for k, e := range a.active {
		if e.lastSeen.Before(cutoff) {
			delete(a.active, k)
			victims = append(victims, e)
		}
	}
	a.mu.Unlock()

	for _, e := range victims {
		a.finalise(e)
	}
}

func (a *Aggregator) finaliseAll() {
	a.mu.Lock()
	victims := make([]*entry, 0, len(a.active))
	for k, e := range a.active {
		delete(a.active, k)
		victims = append(victims, e)
	}
	a.mu.Unlock()

	for _, e := range victims {
		a.finalise(e)
	}
}

// finalise enriches a detached entry and emits it downstream. All
// enrichment failures degrade to missing fields.
func (a *Aggregator) finalise(e *entry) {
	f := a.buildFlow(e)

	domain := identify.BestName(a.ident.DomainFor(e.key.DstAddr), e.httpHost, e.sni, "")
	if domain == "" && netutil.IsPublic(e.key.DstAddr) {
		domain = a.ident.Resolve(context.Background(), e.key.DstAddr)
	}
	f.Domain = domain

	if info := a.geo.Lookup(e.key.DstAddr); info.Country != "" || info.ASN != 0 {
		f.Country, f.City, f.ASN = info.Country, info.City, info.ASN
	}

	if f.Application == "" {
		f.Application = a.ident.ClassifyApplication("", nil, e.key.SrcPort, e.key.DstPort)
	}

	f.RTTMs = a.rtt.mean(e.id)
	a.rtt.drop(e.id)
	f.Retransmissions = a.retrans.count(e.id)
	a.retrans.drop(e.id)
	f.JitterMs = e.jitter.mean()

	dev := a.devices.Observe(&f, e.srcMAC, e.banner)

	a.flowsFinalised.Add(1)
	a.out <- Finalised{Flow: f, Device: dev}
}

func (a *Aggregator) buildFlow(e *entry) model.Flow {
	f := model.Flow{
		ID:         e.id,
		SourceIP:   e.key.SrcAddr.String(),
		SourcePort: e.key.SrcPort,
		DestIP:     e.key.DstAddr.String(),
		DestPort:   e.key.DstPort,
		Protocol:   e.key.Proto,

		BytesIn:    e.bytesIn,
		BytesOut:   e.bytesOut,
		PacketsIn:  e.packetsIn,
		PacketsOut: e.packetsOut,

		FirstSeen:  model.UnixMilli(e.firstSeen),
		LastSeen:   model.UnixMilli(e.lastSeen),
		DurationMs: e.lastSeen.Sub(e.firstSeen).Milliseconds(),

		Status: model.FlowStatusClosed,

		SNI:             e.sni,
		Application:     e.application,
		HTTPMethod:      e.httpMethod,
		URL:             e.url,
		UserAgent:       e.userAgent,
		DNSQueryType:    e.dnsQueryType,
		DNSResponseCode: e.dnsRcode,
		TCPFlags:        capture.FlagString(e.flags),
		TTL:             e.ttl,
		ConnectionState: e.state,
		JA3:             e.ja3,
	}
	return f
}

// ActiveFlows returns bounded snapshots of the currently active flows
// for the initial-state message. No enrichment is performed.
func (a *Aggregator) ActiveFlows(limit int) []model.Flow {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.Flow, 0, min(limit, len(a.active)))
	for _, e := range a.active {
		if len(out) >= limit {
			break
		}
		f := a.buildFlow(e)
		f.Status = model.FlowStatusActive
		out = append(out, f)
	}
	return out
}

// Stats returns a snapshot of the aggregator counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	activeN := len(a.active)
	a.mu.Unlock()

	s := Stats{
		ActiveFlows:    activeN,
		PacketsSeen:    a.packetsSeen.Load(),
		PacketsDropped: a.packetsDropped.Load(),
		Duplicates:     a.duplicates.Load(),
		QueueDepth:     len(a.queue),
		FlowsFinalised: a.flowsFinalised.Load(),
	}
	if n := a.procCount.Load(); n > 0 {
		s.AvgProcessUS = float64(a.procTotalUS.Load()) / float64(n)
	}
	return s
}
