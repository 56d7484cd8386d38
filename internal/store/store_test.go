// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"grimm.is/netinsight/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleFlow(id string, lastSeen int64) model.Flow {
	return model.Flow{
		ID:         id,
		DeviceID:   "dev-1",
		SourceIP:   "192.168.1.50",
		SourcePort: 50000,
		DestIP:     "93.184.216.34",
		DestPort:   443,
		Protocol:   "TCP",
		BytesIn:    1000,
		BytesOut:   500,
		PacketsIn:  10,
		PacketsOut: 8,
		FirstSeen:  lastSeen - 1000,
		LastSeen:   lastSeen,
		DurationMs: 1000,
		Status:     model.FlowStatusClosed,
		Domain:     "example.com",
		TCPFlags:   "SYN,ACK,FIN",
	}
}

func TestMigrateFresh(t *testing.T) {
	s := testStore(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != currentSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", v, currentSchemaVersion)
	}

	// Reopening an already-migrated database is a no-op.
	if err := s.Migrate(); err != nil {
		t.Errorf("re-migration failed: %v", err)
	}
}

func TestInsertAndQueryFlows(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()

	batch := []model.Flow{
		sampleFlow("f1", now-2000),
		sampleFlow("f2", now-1000),
		sampleFlow("f3", now),
	}
	batch[2].Protocol = "UDP"
	batch[2].ThreatLevel = model.SeverityHigh

	if err := s.InsertFlows(batch); err != nil {
		t.Fatalf("InsertFlows failed: %v", err)
	}

	all, err := s.QueryFlows(model.FlowFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d flows", len(all))
	}
	if all[0].ID != "f3" {
		t.Errorf("not ordered newest first: %s", all[0].ID)
	}

	udp, err := s.QueryFlows(model.FlowFilter{Protocol: "UDP"})
	if err != nil || len(udp) != 1 || udp[0].ID != "f3" {
		t.Errorf("protocol filter: %v %v", udp, err)
	}

	ranged, err := s.QueryFlows(model.FlowFilter{StartTime: now - 1500, EndTime: now - 500})
	if err != nil || len(ranged) != 1 || ranged[0].ID != "f2" {
		t.Errorf("time range filter: %v %v", ranged, err)
	}

	threat, err := s.QueryFlows(model.FlowFilter{ThreatLevel: model.SeverityHigh})
	if err != nil || len(threat) != 1 {
		t.Errorf("threat level filter: %v %v", threat, err)
	}

	limited, err := s.QueryFlows(model.FlowFilter{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Errorf("limit: %v %v", limited, err)
	}
}

func TestInsertFlowsIdempotent(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()

	batch := []model.Flow{sampleFlow("f1", now)}
	if err := s.InsertFlows(batch); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertFlows(batch); err != nil {
		t.Fatalf("replayed batch failed: %v", err)
	}

	all, err := s.QueryFlows(model.FlowFilter{})
	if err != nil || len(all) != 1 {
		t.Errorf("replay duplicated rows: %d", len(all))
	}
}

func TestGetFlow(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()
	if err := s.InsertFlows([]model.Flow{sampleFlow("f1", now)}); err != nil {
		t.Fatal(err)
	}

	f, err := s.GetFlow("f1")
	if err != nil {
		t.Fatal(err)
	}
	if f.Domain != "example.com" || f.BytesIn != 1000 {
		t.Errorf("round trip lost fields: %+v", f)
	}

	if _, err := s.GetFlow("missing"); err == nil {
		t.Error("expected NotFound for missing flow")
	}
}

func TestUpsertDevice(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()

	d := model.Device{
		ID:           "dev-1",
		Name:         "pi",
		Type:         "iot",
		Vendor:       "Raspberry Pi",
		IP:           "192.168.1.50",
		MAC:          "b8:27:eb:aa:bb:cc",
		FirstSeen:    now,
		LastSeen:     now,
		TotalBytes:   1500,
		Applications: []string{"DNS", "HTTPS"},
		Quality:      model.QualityGood,
	}
	if err := s.UpsertDevice(d); err != nil {
		t.Fatal(err)
	}

	d.TotalBytes = 3000
	d.Notes = "lab sensor"
	if err := s.UpsertDevice(d); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalBytes != 3000 || got.Notes != "lab sensor" {
		t.Errorf("upsert did not update: %+v", got)
	}
	if len(got.Applications) != 2 {
		t.Errorf("applications lost: %v", got.Applications)
	}

	list, err := s.ListDevices()
	if err != nil || len(list) != 1 {
		t.Errorf("ListDevices: %v %v", list, err)
	}
}

func TestThreatLifecycle(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()

	th := model.Threat{
		ID:          "t1",
		Kind:        model.ThreatScan,
		Severity:    model.SeverityMedium,
		Score:       35,
		DeviceID:    "dev-1",
		FlowID:      "f1",
		Description: "port scan from 192.168.1.50",
		FirstSeen:   now,
		LastSeen:    now,
		Active:      true,
		Evidence:    map[string]string{"ports": "1-1024"},
	}
	if err := s.UpsertThreat(th); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListThreats(true, 10)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListThreats active: %v %v", active, err)
	}
	if active[0].Evidence["ports"] != "1-1024" {
		t.Errorf("evidence lost: %v", active[0].Evidence)
	}

	if err := s.DismissThreat("t1"); err != nil {
		t.Fatal(err)
	}
	// Dismissal is idempotent and preserves the record.
	if err := s.DismissThreat("t1"); err != nil {
		t.Errorf("second dismissal failed: %v", err)
	}

	active, _ = s.ListThreats(true, 10)
	if len(active) != 0 {
		t.Error("dismissed threat still active")
	}
	all, _ := s.ListThreats(false, 10)
	if len(all) != 1 {
		t.Error("dismissal deleted the record")
	}

	if err := s.DismissThreat("missing"); err == nil {
		t.Error("expected NotFound for unknown threat")
	}
}

func TestSearchThreats(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()

	s.UpsertDevice(model.Device{ID: "dev-1", Name: "kitchen-pi", IP: "192.168.1.50", FirstSeen: now, LastSeen: now})
	s.UpsertThreat(model.Threat{
		ID: "t1", Kind: model.ThreatPhishing, Severity: model.SeverityHigh, Score: 55,
		DeviceID: "dev-1", Description: "suspicious domain free-stuff.tk",
		FirstSeen: now, LastSeen: now, Active: true,
	})
	s.UpsertThreat(model.Threat{
		ID: "t2", Kind: model.ThreatScan, Severity: model.SeverityLow, Score: 20,
		DeviceID: "dev-2", Description: "unanswered SYN burst",
		FirstSeen: now, LastSeen: now, Active: true,
	})

	byDesc, err := s.SearchThreats("free-stuff", 10)
	if err != nil || len(byDesc) != 1 || byDesc[0].ID != "t1" {
		t.Errorf("search by description: %v %v", byDesc, err)
	}

	byKind, err := s.SearchThreats("scan", 10)
	if err != nil || len(byKind) != 1 || byKind[0].ID != "t2" {
		t.Errorf("search by kind: %v %v", byKind, err)
	}

	byDevice, err := s.SearchThreats("kitchen", 10)
	if err != nil || len(byDevice) != 1 || byDevice[0].ID != "t1" {
		t.Errorf("search by device name: %v %v", byDevice, err)
	}
}

func TestCleanup(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()
	cutoff := now - 30*24*3600*1000

	s.InsertFlows([]model.Flow{
		sampleFlow("old", cutoff-1000),
		sampleFlow("new", now),
	})
	s.UpsertThreat(model.Threat{
		ID: "t-old", Kind: model.ThreatScan, Severity: model.SeverityLow, Score: 20,
		FirstSeen: cutoff - 1000, LastSeen: cutoff - 1000, Active: true,
	})

	flows, threats, err := s.Cleanup(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if flows != 1 || threats != 1 {
		t.Errorf("Cleanup removed %d flows, %d threats", flows, threats)
	}

	remaining, _ := s.QueryFlows(model.FlowFilter{})
	if len(remaining) != 1 || remaining[0].ID != "new" {
		t.Errorf("wrong flows retained: %v", remaining)
	}
}

func TestConcurrentReadsDuringReopen(t *testing.T) {
	s := testStore(t)
	now := time.Now().UnixMilli()
	if err := s.InsertFlows([]model.Flow{sampleFlow("f1", now)}); err != nil {
		t.Fatal(err)
	}

	// Readers race the reopen path. A query that lands on a handle the
	// reopen just closed gets sql.ErrConnDone semantics, which is fine;
	// what must never happen is a torn handle.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				s.QueryFlows(model.FlowFilter{})
				s.Ping()
				s.ListThreats(true, 5)
			}
		}()
	}

	for i := 0; i < 20; i++ {
		s.mu.Lock()
		err := s.reopenLocked()
		s.mu.Unlock()
		if err != nil {
			t.Fatalf("reopen %d failed: %v", i, err)
		}
	}
	close(done)
	wg.Wait()

	flows, err := s.QueryFlows(model.FlowFilter{})
	if err != nil || len(flows) != 1 {
		t.Errorf("store unusable after reopen churn: %v %v", flows, err)
	}
}

func TestReadsAfterClose(t *testing.T) {
	s, err := Open(Options{Path: filepath.Join(t.TempDir(), "closed.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if s.DB() != nil {
		t.Error("DB() should be nil after Close")
	}
	if _, err := s.Ping(); err == nil {
		t.Error("Ping on a closed store should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	h, err := s.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if h.WriteErrors != 0 {
		t.Errorf("WriteErrors = %d", h.WriteErrors)
	}
	if h.Path == "" {
		t.Error("Path missing from health")
	}
}
