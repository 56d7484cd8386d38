// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pipeline

import (
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"grimm.is/netinsight/internal/capture"
	"grimm.is/netinsight/internal/config"
	"grimm.is/netinsight/internal/model"
	"grimm.is/netinsight/internal/notify"
)

// testOrchestrator starts a pipeline on a throwaway database with
// capture pointed at an interface that does not exist, so ingest is
// driven by submitting packets to the aggregator directly.
func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Interface = "netinsight-test0"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "pipeline.db")
	cfg.GeoDatabasePath = filepath.Join(t.TempDir(), "missing.mmdb")
	cfg.RedisAddr = ""
	cfg.MonitorTarget = ""
	cfg.EnableReverseDNS = false
	cfg.BatchSize = 2
	cfg.BatchInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second

	o := New(cfg, nil)
	if err := o.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func tcpPacket(src string, sport uint16, dst string, dport uint16, flags uint8) *capture.Packet {
	return &capture.Packet{
		Timestamp: time.Now(),
		SrcAddr:   netip.MustParseAddr(src),
		DstAddr:   netip.MustParseAddr(dst),
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  "TCP",
		Length:    64,
		TTL:       64,
		SrcMAC:    "b8:27:eb:11:22:33",
		TCP:       &capture.TCPInfo{Flags: flags, Seq: 1000},
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWithoutCaptureInterface(t *testing.T) {
	o := testOrchestrator(t)

	h := o.Health()
	if h.CaptureError == "" {
		t.Error("expected a capture error for the missing interface")
	}
	if h.Capture.Running {
		t.Error("capture should not be running")
	}
	if h.Store.Path == "" {
		t.Error("store health missing")
	}
}

func TestHealthConcurrentWithCaptureToggle(t *testing.T) {
	o := testOrchestrator(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				o.Health()
			}
		}()
	}
	for j := 0; j < 20; j++ {
		o.StartCapture()
		o.StopCapture()
	}
	wg.Wait()

	// Start keeps failing on the missing interface, so the last toggle
	// must leave the error visible.
	if o.Health().CaptureError == "" {
		t.Error("capture error missing after failed restart")
	}
}

func TestFlowPersistedAndPublished(t *testing.T) {
	o := testOrchestrator(t)

	sub := o.Hub.Subscribe()
	defer sub.Close()

	first := <-sub.Ch()
	if first.Type != notify.TypeInitialState {
		t.Fatalf("first message = %q, want %q", first.Type, notify.TypeInitialState)
	}

	// Full handshake then a reset so the flow finalises immediately.
	o.Aggregator.Submit(tcpPacket("10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagSYN))
	o.Aggregator.Submit(tcpPacket("93.184.216.34", 443, "10.0.0.5", 50000, capture.FlagSYN|capture.FlagACK))
	o.Aggregator.Submit(tcpPacket("10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagACK))
	o.Aggregator.Submit(tcpPacket("10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagRST))

	waitFor(t, 3*time.Second, "flow in store", func() bool {
		flows, err := o.Store.QueryFlows(model.FlowFilter{})
		return err == nil && len(flows) == 1
	})

	flows, err := o.Store.QueryFlows(model.FlowFilter{})
	if err != nil {
		t.Fatal(err)
	}
	f := flows[0]
	if f.SourceIP != "10.0.0.5" || f.DestIP != "93.184.216.34" {
		t.Errorf("flow endpoints = %s -> %s", f.SourceIP, f.DestIP)
	}
	if f.ConnectionState != model.StateReset {
		t.Errorf("flow state = %q", f.ConnectionState)
	}
	if f.DeviceID == "" {
		t.Error("flow has no device")
	}

	devices, err := o.Store.ListDevices()
	if err != nil || len(devices) != 1 {
		t.Fatalf("ListDevices = %d devices (%v)", len(devices), err)
	}
	if devices[0].Vendor != "Raspberry Pi" {
		t.Errorf("device vendor = %q", devices[0].Vendor)
	}

	waitFor(t, 3*time.Second, "flow update on the stream", func() bool {
		for {
			select {
			case msg := <-sub.Ch():
				if msg.Type == notify.TypeFlowUpdate {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestThreatFlushedBeforePublish(t *testing.T) {
	o := testOrchestrator(t)

	sub := o.Hub.Subscribe()
	defer sub.Close()
	<-sub.Ch() // initial state

	// A bare RST with no preceding SYN scores as scan activity.
	o.Aggregator.Submit(tcpPacket("10.0.0.9", 40000, "93.184.216.34", 22, capture.FlagRST))

	var threatMsg notify.Message
	waitFor(t, 3*time.Second, "threat update on the stream", func() bool {
		select {
		case msg := <-sub.Ch():
			if msg.Type == notify.TypeThreatUpdate {
				threatMsg = msg
				return true
			}
			return false
		default:
			return false
		}
	})

	th, ok := threatMsg.Payload.(model.Threat)
	if !ok {
		t.Fatalf("threat payload is %T", threatMsg.Payload)
	}
	if th.Kind != model.ThreatScan {
		t.Errorf("threat kind = %q", th.Kind)
	}

	// By the time any subscriber saw the threat, the flow it concerns
	// must already be queryable.
	flows, err := o.Store.QueryFlows(model.FlowFilter{})
	if err != nil || len(flows) != 1 {
		t.Fatalf("QueryFlows = %d flows (%v)", len(flows), err)
	}
	if flows[0].ID != th.FlowID {
		t.Errorf("flow %s vs threat flow %s", flows[0].ID, th.FlowID)
	}
	if flows[0].ThreatLevel != th.Severity {
		t.Errorf("flow threat level = %q, threat severity = %q", flows[0].ThreatLevel, th.Severity)
	}

	threats, err := o.Store.ListThreats(true, 10)
	if err != nil || len(threats) != 1 {
		t.Fatalf("ListThreats = %d (%v)", len(threats), err)
	}

	if d, err := o.Devices.Get(th.DeviceID); err != nil || d.ThreatScore <= 0 {
		t.Errorf("device threat score = %v (%v)", d.ThreatScore, err)
	}
}

func TestRunCleanup(t *testing.T) {
	o := testOrchestrator(t)

	old := time.Now().UnixMilli() - 90*24*int64(time.Hour/time.Millisecond)
	o.Store.InsertFlows([]model.Flow{{
		ID: "stale", SourceIP: "10.0.0.5", DestIP: "1.1.1.1", Protocol: "TCP",
		FirstSeen: old, LastSeen: old, Status: model.FlowStatusClosed,
	}})

	stats := o.RunCleanup(30)
	if stats.FlowsDeleted != 1 {
		t.Errorf("FlowsDeleted = %d, want 1", stats.FlowsDeleted)
	}
	if stats.LastRun == 0 || stats.RetentionDays != 30 {
		t.Errorf("stats = %+v", stats)
	}
	if got := o.Maintenance(); got != stats {
		t.Errorf("Maintenance() = %+v, want %+v", got, stats)
	}
}

func TestSnapshotIncludesPersistedState(t *testing.T) {
	o := testOrchestrator(t)

	o.Aggregator.Submit(tcpPacket("10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagSYN))
	o.Aggregator.Submit(tcpPacket("10.0.0.5", 50000, "93.184.216.34", 443, capture.FlagRST))

	waitFor(t, 3*time.Second, "flow in store", func() bool {
		flows, err := o.Store.QueryFlows(model.FlowFilter{})
		return err == nil && len(flows) == 1
	})

	sub := o.Hub.Subscribe()
	defer sub.Close()

	msg := <-sub.Ch()
	state, ok := msg.Payload.(notify.InitialState)
	if !ok {
		t.Fatalf("payload is %T", msg.Payload)
	}
	if len(state.Devices) != 1 {
		t.Errorf("snapshot devices = %d", len(state.Devices))
	}
	if len(state.Flows) == 0 {
		t.Error("snapshot has no flows")
	}
}
