// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package device

import (
	"testing"

	"grimm.is/netinsight/internal/model"
)

func sampleFlow(srcIP string, bytesIn, bytesOut int64) *model.Flow {
	return &model.Flow{
		SourceIP: srcIP,
		DestIP:   "93.184.216.34",
		Protocol: "TCP",
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	}
}

func TestObserveCreatesDevice(t *testing.T) {
	r := NewRegistry(nil)

	f := sampleFlow("192.168.1.50", 1000, 500)
	d := r.Observe(f, "b8:27:eb:aa:bb:cc", "")

	if d.ID == "" || f.DeviceID != d.ID {
		t.Fatalf("device ID not assigned: %q vs flow %q", d.ID, f.DeviceID)
	}
	if d.Vendor != "Raspberry Pi" {
		t.Errorf("Vendor = %q", d.Vendor)
	}
	if d.Type != "iot" {
		t.Errorf("Type = %q, want iot from vendor inference", d.Type)
	}
	if d.TotalBytes != 1500 || d.ConnectionCount != 1 {
		t.Errorf("stats = %d bytes, %d connections", d.TotalBytes, d.ConnectionCount)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestDeviceIDStable(t *testing.T) {
	a := DeviceID("192.168.1.50", "AA:BB:CC:00:11:22")
	b := DeviceID("192.168.1.50", "aa:bb:cc:00:11:22")
	if a != b {
		t.Error("DeviceID should be case-insensitive on MAC")
	}
	if a == DeviceID("192.168.1.51", "aa:bb:cc:00:11:22") {
		t.Error("different IPs must map to different IDs")
	}
}

func TestObserveAccumulates(t *testing.T) {
	r := NewRegistry(nil)

	f1 := sampleFlow("192.168.1.50", 100, 200)
	f1.Application = "HTTPS"
	f1.RTTMs = 80
	r.Observe(f1, "", "")

	f2 := sampleFlow("192.168.1.50", 300, 400)
	f2.Application = "DNS"
	f2.RTTMs = 120
	d := r.Observe(f2, "", "")

	if d.TotalBytes != 1000 || d.ConnectionCount != 2 {
		t.Errorf("stats = %d bytes, %d connections", d.TotalBytes, d.ConnectionCount)
	}
	if len(d.Applications) != 2 {
		t.Errorf("Applications = %v", d.Applications)
	}
	if d.AvgRTT != 100 {
		t.Errorf("AvgRTT = %f, want running mean 100", d.AvgRTT)
	}
	if d.Quality != model.QualityFair {
		t.Errorf("Quality = %q, want fair at 100ms", d.Quality)
	}
}

func TestQualityDemotion(t *testing.T) {
	tests := []struct {
		avgRTT  float64
		retrans int64
		packets int64
		want    string
	}{
		{50, 0, 100, model.QualityGood},
		{50, 10, 100, model.QualityFair}, // 10% retrans demotes good
		{200, 0, 100, model.QualityFair},
		{200, 10, 100, model.QualityPoor},
		{400, 0, 100, model.QualityPoor},
		{400, 50, 100, model.QualityPoor}, // poor stays poor
		{0, 0, 0, ""},
	}
	for _, tt := range tests {
		if got := quality(tt.avgRTT, tt.retrans, tt.packets); got != tt.want {
			t.Errorf("quality(%v, %d, %d) = %q, want %q", tt.avgRTT, tt.retrans, tt.packets, got, tt.want)
		}
	}
}

func TestUpdatePinsFields(t *testing.T) {
	r := NewRegistry(nil)
	d := r.Observe(sampleFlow("192.168.1.60", 10, 10), "b8:27:eb:00:00:01", "")

	name := "kitchen-pi"
	typ := "camera"
	if _, err := r.Update(d.ID, model.DevicePatch{Name: &name, Type: &typ}); err != nil {
		t.Fatal(err)
	}

	// Further observation must not overwrite the operator's type.
	got := r.Observe(sampleFlow("192.168.1.60", 10, 10), "b8:27:eb:00:00:01", "")
	if got.Type != "camera" || got.Name != "kitchen-pi" {
		t.Errorf("patched fields overwritten: type=%q name=%q", got.Type, got.Name)
	}
}

func TestUpdateUnknownDevice(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Update("dev-nope", model.DevicePatch{}); err == nil {
		t.Error("expected NotFound error")
	}
}

func TestLoadPreservesOperatorFields(t *testing.T) {
	r := NewRegistry(nil)
	r.Load([]model.Device{{
		ID:   DeviceID("192.168.1.70", ""),
		Name: "nas",
		Type: "server",
		IP:   "192.168.1.70",
	}})

	got := r.Observe(sampleFlow("192.168.1.70", 10, 10), "", "")
	if got.Type != "server" || got.Name != "nas" {
		t.Errorf("loaded fields overwritten: type=%q name=%q", got.Type, got.Name)
	}
}

func TestListOrdering(t *testing.T) {
	r := NewRegistry(nil)
	r.Observe(sampleFlow("192.168.1.1", 1, 1), "", "")
	r.Observe(sampleFlow("192.168.1.2", 1, 1), "", "")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d devices", len(list))
	}
	if list[0].LastSeen < list[1].LastSeen {
		t.Error("List not ordered by last_seen descending")
	}
}
