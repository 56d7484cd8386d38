// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture owns the kernel boundary: it opens the monitored
// interface in promiscuous mode with a BPF filter, decodes delivered
// packets and hands them to a sink. The read loop is the one blocking
// thread in the sensor; everything downstream is channel-fed.
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"

	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/logging"
)

const snapLen = 1600

// Sink receives decoded packets. Implementations must not block; the
// flow aggregator's Submit drops on a saturated queue.
type Sink interface {
	Submit(p *Packet)
}

// Stats is a snapshot of the capture engine counters.
type Stats struct {
	Running         bool    `json:"running"`
	Interface       string  `json:"interface"`
	PacketsCaptured uint64  `json:"packets_captured"`
	DecodeErrors    uint64  `json:"decode_errors"`
	PacketsPerSec   float64 `json:"pps"`
}

// Engine drives live capture on a single interface.
type Engine struct {
	iface  string
	filter string
	sink   Sink
	logger *logging.Logger

	mu      sync.Mutex
	handle  *pcap.Handle
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	packetsCaptured atomic.Uint64
	decodeErrors    atomic.Uint64
	startedAt       time.Time
}

// NewEngine creates a capture engine for the named interface.
func NewEngine(iface, filter string, sink Sink, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.WithComponent("capture")
	}
	return &Engine{
		iface:  iface,
		filter: filter,
		sink:   sink,
		logger: logger,
	}
}

// Start opens the interface and begins the read loop. A missing
// interface or denied permission returns KindCaptureUnavailable; the
// orchestrator records it in health and stays up.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	handle, err := pcap.OpenLive(e.iface, snapLen, true, 500*time.Millisecond)
	if err != nil {
		return errors.Wrapf(err, errors.KindCaptureUnavailable, "failed to open %s", e.iface)
	}

	if e.filter != "" {
		if err := handle.SetBPFFilter(e.filter); err != nil {
			handle.Close()
			return errors.Wrapf(err, errors.KindCaptureUnavailable, "invalid BPF filter %q", e.filter)
		}
	}

	e.handle = handle
	e.stopCh = make(chan struct{})
	e.startedAt = clock.Now()
	e.running.Store(true)

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.Lazy = true
	src.NoCopy = true

	e.wg.Add(1)
	go e.loop(src, e.stopCh)

	e.logger.Info("Capture started", "interface", e.iface, "filter", e.filter)
	return nil
}

// Stop terminates the read loop and closes the handle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.handle.Close()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.handle = nil
	e.running.Store(false)
	e.mu.Unlock()

	e.logger.Info("Capture stopped", "interface", e.iface, "packets", e.packetsCaptured.Load())
}

// Replay feeds packets from an arbitrary source (an offline pcap, a
// test fixture) through the same decode path as live capture. It blocks
// until the source is exhausted.
func (e *Engine) Replay(src *gopacket.PacketSource) {
	for pkt := range src.Packets() {
		e.dispatch(pkt)
	}
}

func (e *Engine) loop(src *gopacket.PacketSource, stopCh chan struct{}) {
	defer e.wg.Done()

	packets := src.Packets()
	for {
		select {
		case <-stopCh:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			e.dispatch(pkt)
		}
	}
}

func (e *Engine) dispatch(pkt gopacket.Packet) {
	e.packetsCaptured.Add(1)

	decoded, err := Decode(pkt)
	if err != nil {
		e.decodeErrors.Add(1)
		return
	}
	e.sink.Submit(decoded)
}

// Running reports whether the read loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Interface returns the monitored interface name.
func (e *Engine) Interface() string {
	return e.iface
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Running:         e.running.Load(),
		Interface:       e.iface,
		PacketsCaptured: e.packetsCaptured.Load(),
		DecodeErrors:    e.decodeErrors.Load(),
	}
	if s.Running {
		if elapsed := clock.Since(e.startedAt).Seconds(); elapsed > 0 {
			s.PacketsPerSec = float64(s.PacketsCaptured) / elapsed
		}
	}
	return s
}
