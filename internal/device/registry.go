// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package device maintains the set of known endpoints on the monitored
// segment. The registry is the sole owner of the in-memory device map
// and the only writer of Device records.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/model"
	"grimm.is/netinsight/internal/oui"
)

// patchMask records which fields an operator has set explicitly.
// Inference never writes over a set bit.
type patchMask struct {
	name  bool
	typ   bool
	notes bool
}

// Registry tracks devices keyed on their stable ID.
type Registry struct {
	logger *logging.Logger

	mu      sync.RWMutex
	devices map[string]*model.Device
	apps    map[string]map[string]struct{}
	patched map[string]patchMask

	// rtt running-mean state per device
	rttSum   map[string]float64
	rttCount map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.WithComponent("device")
	}
	return &Registry{
		logger:   logger,
		devices:  make(map[string]*model.Device),
		apps:     make(map[string]map[string]struct{}),
		patched:  make(map[string]patchMask),
		rttSum:   make(map[string]float64),
		rttCount: make(map[string]int64),
	}
}

// DeviceID derives the stable identifier for an endpoint from its IP
// and, when known, MAC address.
func DeviceID(ip, mac string) string {
	sum := sha256.Sum256([]byte(ip + "|" + strings.ToLower(mac)))
	return "dev-" + hex.EncodeToString(sum[:6])
}

// Load seeds the registry from persisted devices at startup. Persisted
// name, type and notes are treated as operator-set so inference does
// not clobber them after a restart.
func (r *Registry) Load(devices []model.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range devices {
		d := devices[i]
		r.devices[d.ID] = &d
		set := make(map[string]struct{}, len(d.Applications))
		for _, a := range d.Applications {
			set[a] = struct{}{}
		}
		r.apps[d.ID] = set
		r.patched[d.ID] = patchMask{
			name:  d.Name != "",
			typ:   d.Type != "" && d.Type != "unknown",
			notes: d.Notes != "",
		}
		if d.AvgRTT > 0 {
			r.rttSum[d.ID] = d.AvgRTT
			r.rttCount[d.ID] = 1
		}
	}
	r.logger.Info("Device registry loaded", "devices", len(devices))
}

// Observe folds a finalised flow into the source device, creating it on
// first sight. A server banner seen on the flow contributes an OS hint.
// It returns a snapshot of the updated device.
func (r *Registry) Observe(f *model.Flow, srcMAC, banner string) model.Device {
	id := DeviceID(f.SourceIP, srcMAC)
	f.DeviceID = id
	now := model.UnixMilli(clock.Now())

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		vendor := oui.LookupVendor(srcMAC)
		d = &model.Device{
			ID:        id,
			Name:      f.SourceIP,
			Type:      "unknown",
			Vendor:    vendor,
			IP:        f.SourceIP,
			MAC:       srcMAC,
			FirstSeen: now,
		}
		r.devices[id] = d
		r.apps[id] = make(map[string]struct{})
		r.logger.Debug("New device", "id", id, "ip", f.SourceIP, "vendor", vendor)
	}

	d.LastSeen = now
	d.TotalBytes += f.BytesIn + f.BytesOut
	d.ConnectionCount++
	if addr, err := netip.ParseAddr(f.SourceIP); err == nil && addr.Is6() {
		d.IPv6Support = true
	}

	if f.Application != "" {
		if _, seen := r.apps[id][f.Application]; !seen {
			r.apps[id][f.Application] = struct{}{}
			d.Applications = appList(r.apps[id])
		}
	}

	if f.RTTMs > 0 {
		r.rttSum[id] += f.RTTMs
		r.rttCount[id]++
		d.AvgRTT = r.rttSum[id] / float64(r.rttCount[id])
	}
	d.Quality = quality(d.AvgRTT, f.Retransmissions, f.PacketsIn+f.PacketsOut)

	mask := r.patched[id]
	if !mask.typ {
		if t := classify(d.Vendor, d.Applications); t != "" {
			d.Type = t
		}
	}
	if d.OS == "" && banner != "" {
		d.OS = osFromBanner(banner)
	}

	return *d
}

// osFromBanner guesses the operating system from a service banner.
func osFromBanner(banner string) string {
	b := strings.ToLower(banner)
	switch {
	case strings.Contains(b, "ubuntu"), strings.Contains(b, "debian"), strings.Contains(b, "raspbian"):
		return "Linux"
	case strings.Contains(b, "openssh") && !strings.Contains(b, "windows"):
		return "Linux"
	case strings.Contains(b, "windows"), strings.Contains(b, "microsoft"), strings.Contains(b, "iis"):
		return "Windows"
	case strings.Contains(b, "darwin"):
		return "macOS"
	}
	return ""
}

// quality grades a connection from the running mean RTT, demoted one
// level when the retransmission rate of the latest flow exceeds 5%.
func quality(avgRTT float64, retrans, packets int64) string {
	if avgRTT <= 0 {
		return ""
	}

	var q string
	switch {
	case avgRTT < 100:
		q = model.QualityGood
	case avgRTT < 300:
		q = model.QualityFair
	default:
		q = model.QualityPoor
	}

	if packets > 0 && float64(retrans)/float64(packets) > 0.05 {
		switch q {
		case model.QualityGood:
			q = model.QualityFair
		case model.QualityFair:
			q = model.QualityPoor
		}
	}
	return q
}

// classify infers a coarse device type from vendor and observed
// applications. Inference only; operator overrides always win.
func classify(vendor string, apps []string) string {
	v := strings.ToLower(vendor)
	switch {
	case strings.Contains(v, "apple"):
		return "computer"
	case strings.Contains(v, "raspberry"):
		return "iot"
	case strings.Contains(v, "espressif") || strings.Contains(v, "tuya") || strings.Contains(v, "sonoff"):
		return "iot"
	case strings.Contains(v, "ubiquiti") || strings.Contains(v, "mikrotik") || strings.Contains(v, "cisco") || strings.Contains(v, "tp-link"):
		return "network"
	case strings.Contains(v, "vmware") || strings.Contains(v, "qemu") || strings.Contains(v, "xen"):
		return "server"
	case strings.Contains(v, "samsung") || strings.Contains(v, "xiaomi") || strings.Contains(v, "huawei"):
		return "phone"
	}

	for _, a := range apps {
		switch a {
		case "MQTT":
			return "iot"
		case "RDP", "SSH":
			return "server"
		}
	}
	return ""
}

// RecordThreat raises the device's threat score to at least the given
// rule score. Scores decay only through operator dismissal workflows,
// not here.
func (r *Registry) RecordThreat(id string, score int) (model.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, false
	}
	if float64(score) > d.ThreatScore {
		d.ThreatScore = float64(score)
	}
	return *d, true
}

// Get returns the device with the given ID.
func (r *Registry) Get(id string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, errors.Errorf(errors.KindNotFound, "device %s not found", id)
	}
	return *d, nil
}

// List returns all devices ordered by last_seen descending.
func (r *Registry) List() []model.Device {
	r.mu.RLock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}

// Update applies an operator patch. Patched fields are pinned against
// later inference.
func (r *Registry) Update(id string, patch model.DevicePatch) (model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, errors.Errorf(errors.KindNotFound, "device %s not found", id)
	}

	mask := r.patched[id]
	if patch.Name != nil {
		d.Name = *patch.Name
		mask.name = true
	}
	if patch.Type != nil {
		d.Type = *patch.Type
		mask.typ = true
	}
	if patch.Notes != nil {
		d.Notes = *patch.Notes
		mask.notes = true
	}
	r.patched[id] = mask

	return *d, nil
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func appList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
