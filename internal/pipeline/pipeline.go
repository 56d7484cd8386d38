// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline composes the sensor: capture feeds the aggregator,
// finalised flows run through threat scoring and batched persistence,
// and every update fans out through the notification hub. The
// orchestrator owns all component lifetimes; there are no ambient
// globals.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/netinsight/internal/analytics"
	"grimm.is/netinsight/internal/cache"
	"grimm.is/netinsight/internal/capture"
	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/config"
	"grimm.is/netinsight/internal/device"
	"grimm.is/netinsight/internal/errors"
	"grimm.is/netinsight/internal/flow"
	"grimm.is/netinsight/internal/geo"
	"grimm.is/netinsight/internal/identify"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/metrics"
	"grimm.is/netinsight/internal/model"
	"grimm.is/netinsight/internal/monitor"
	"grimm.is/netinsight/internal/notify"
	"grimm.is/netinsight/internal/store"
	"grimm.is/netinsight/internal/threat"
)

// Health is the read-only snapshot served by the health endpoint.
type Health struct {
	Capture      capture.Stats  `json:"capture"`
	Flows        flow.Stats     `json:"flows"`
	Store        store.Health   `json:"store"`
	Subscribers  int            `json:"subscribers"`
	QueueDepth   int            `json:"queue_depth"`
	Reachability monitor.Result `json:"reachability,omitempty"`
	CaptureError string         `json:"capture_error,omitempty"`
}

// MaintenanceStats reports the outcome of the last retention cleanup.
type MaintenanceStats struct {
	LastRun        int64 `json:"last_run"` // Unix ms, 0 before first run
	FlowsDeleted   int64 `json:"flows_deleted"`
	ThreatsDeleted int64 `json:"threats_deleted"`
	RetentionDays  int   `json:"retention_days"`
}

// Orchestrator wires and drives the sensor components.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	Store      *store.Store
	Geo        *geo.Service
	Identify   *identify.Service
	Devices    *device.Registry
	Threats    *threat.Engine
	Aggregator *flow.Aggregator
	Capture    *capture.Engine
	Hub        *notify.Hub
	Metrics    *metrics.Collector
	Monitor    *monitor.Service
	Cache      *cache.Cache
	Analytics  *analytics.Service

	group  *errgroup.Group
	cancel context.CancelFunc

	capMu      sync.Mutex
	captureErr string

	maintMu     sync.Mutex
	maintenance MaintenanceStats
}

func (o *Orchestrator) setCaptureErr(msg string) {
	o.capMu.Lock()
	o.captureErr = msg
	o.capMu.Unlock()
}

func (o *Orchestrator) captureError() string {
	o.capMu.Lock()
	defer o.capMu.Unlock()
	return o.captureErr
}

// New composes the sensor from configuration. Nothing starts yet.
func New(cfg *config.Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger.WithComponent("pipeline")}
}

// Start opens the store, runs migrations, builds the component graph
// and begins capture. Only a permanent storage failure aborts startup;
// an unavailable capture interface is recorded in health and the rest
// of the sensor stays up.
func (o *Orchestrator) Start() error {
	cfg := o.cfg

	st, err := store.Open(store.Options{
		Path:         cfg.DatabasePath,
		CacheSizeKB:  cfg.CacheSizeKB,
		WriteRetries: cfg.WriteRetries,
	}, logging.WithComponent("store"))
	if err != nil {
		return errors.Wrap(err, errors.KindPermanentStorage, "store startup failed")
	}
	o.Store = st

	o.Cache = cache.New(cfg.RedisAddr, cfg.RedisDB, nil)
	o.Analytics = analytics.New(st, o.Cache, nil)
	o.Geo = geo.New(cfg.GeoDatabasePath, nil)

	o.Identify = identify.New(identify.Options{
		DNSTracking:    cfg.EnableDNSTracking,
		ReverseDNS:     cfg.EnableReverseDNS,
		DPI:            cfg.EnableDPI,
		Fingerprint:    cfg.EnableFingerprint,
		SNI:            cfg.EnableSNI,
		ALPN:           cfg.EnableALPN,
		ReverseTimeout: cfg.ReverseDNSTimeout,
		ReverseRetries: cfg.ReverseDNSRetries,
		MaxDNSEntries:  cfg.MaxDNSEntries,
	}, nil)

	o.Devices = device.NewRegistry(nil)
	if persisted, err := st.ListDevices(); err == nil {
		o.Devices.Load(persisted)
	} else {
		o.logger.WithError(err).Warn("Failed to load persisted devices")
	}

	o.Threats = threat.NewEngine(threat.Config{
		SuspiciousPatterns: cfg.SuspiciousPatterns,
		HighRiskCountries:  cfg.HighRiskCountries,
	}, nil)

	o.Aggregator = flow.NewAggregator(flow.Options{
		SamplingRate:      cfg.SamplingRate,
		MaxActiveFlows:    cfg.MaxActiveFlows,
		MaxRTTEntries:     cfg.MaxRTTEntries,
		MaxRetransEntries: cfg.MaxRetransEntries,
		PacketQueueSize:   cfg.PacketQueueSize,
		IdleTimeout:       cfg.FlowIdleTimeout,
	}, o.Identify, o.Geo, o.Devices, nil)

	o.Hub = notify.NewHub(cfg.SubscriberQueueSize, o.snapshot, nil)
	o.Metrics = metrics.NewCollector()
	o.Monitor = monitor.New(cfg.MonitorTarget, nil)
	o.Capture = capture.NewEngine(cfg.Interface, cfg.BPFFilter, o.Aggregator, nil)

	o.maintenance.RetentionDays = cfg.DataRetentionDays

	o.Aggregator.Start()
	if err := o.Capture.Start(); err != nil {
		if errors.GetKind(err) == errors.KindCaptureUnavailable {
			o.setCaptureErr(err.Error())
			o.logger.WithError(err).Warn("Capture unavailable, sensor runs without ingest")
		} else {
			o.Aggregator.Stop()
			st.Close()
			return err
		}
	}
	o.Monitor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.group, ctx = errgroup.WithContext(ctx)

	o.group.Go(func() error { return o.consume() })
	o.group.Go(func() error { return o.cleanupLoop(ctx) })
	o.group.Go(func() error { return o.metricsLoop(ctx) })

	o.logger.Info("Pipeline started", "interface", cfg.Interface, "db", cfg.DatabasePath)
	return nil
}

// Stop shuts the sensor down in dependency order: capture first, then
// the aggregator drain, then the flush of the final batch, then the
// fabric and the store. Bounded by the configured shutdown timeout.
func (o *Orchestrator) Stop() {
	o.logger.Info("Pipeline stopping")

	o.Capture.Stop()
	o.Monitor.Stop()
	o.Aggregator.Stop() // drains and closes the finalised channel
	o.cancel()

	waited := make(chan struct{})
	go func() {
		o.group.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(o.cfg.ShutdownTimeout):
		o.logger.Warn("Shutdown deadline exceeded, abandoning drain")
	}

	o.Hub.Close()
	o.Geo.Close()
	o.Cache.Close()
	if err := o.Store.Close(); err != nil {
		o.logger.WithError(err).Warn("Store close failed")
	}
	o.logger.Info("Pipeline stopped")
}

// consume is the single reader of finalised flows. Persistence is
// batched; a threat forces a synchronous flush so the store observes
// the flow before the threat update reaches any subscriber.
func (o *Orchestrator) consume() error {
	batch := make([]model.Flow, 0, o.cfg.BatchSize)
	ticker := time.NewTicker(o.cfg.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := o.Store.InsertFlows(batch); err != nil {
			o.logger.WithError(err).Error("Flow batch write failed", "flows", len(batch))
		} else {
			o.Metrics.FlowsPersisted.Add(float64(len(batch)))
			o.Metrics.StoreLatency.Observe(time.Since(start).Seconds())
		}
		batch = batch[:0]
	}

	in := o.Aggregator.Subscribe()
	for {
		select {
		case fin, ok := <-in:
			if !ok {
				flush()
				return nil
			}
			o.processFinalised(&fin, &batch, flush)
		case <-ticker.C:
			flush()
		}
	}
}

func (o *Orchestrator) processFinalised(fin *flow.Finalised, batch *[]model.Flow, flush func()) {
	f := fin.Flow
	dev := fin.Device

	th := o.Threats.Evaluate(&f)
	if th != nil {
		f.ThreatLevel = th.Severity
	}

	*batch = append(*batch, f)
	if len(*batch) >= o.cfg.BatchSize || th != nil {
		flush()
	}

	if err := o.Store.UpsertDevice(dev); err != nil {
		o.logger.WithError(err).Warn("Device upsert failed", "device", dev.ID)
	}

	o.Hub.PublishFlow(f)
	o.Hub.PublishDevice(dev)

	if th != nil {
		if updated, ok := o.Devices.RecordThreat(dev.ID, th.Score); ok {
			o.Store.UpsertDevice(updated)
			o.Hub.PublishDevice(updated)
		}
		if err := o.Store.UpsertThreat(*th); err != nil {
			o.logger.WithError(err).Error("Threat upsert failed", "threat", th.ID)
		}
		o.Hub.PublishThreat(*th)
		o.Metrics.ThreatsRaised.WithLabelValues(th.Kind, th.Severity).Inc()
		o.logger.Info("Threat raised",
			"kind", th.Kind, "severity", th.Severity, "score", th.Score,
			"device", th.DeviceID, "flow", th.FlowID)
	}
}

func (o *Orchestrator) cleanupLoop(ctx context.Context) error {
	interval := time.Duration(o.cfg.CleanupIntervalHours) * time.Hour
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.RunCleanup(o.cfg.DataRetentionDays)
		}
	}
}

// RunCleanup deletes flows and threats beyond the retention window and
// invalidates cached analytics.
func (o *Orchestrator) RunCleanup(days int) MaintenanceStats {
	if days <= 0 {
		days = o.cfg.DataRetentionDays
	}
	cutoff := clock.Now().UnixMilli() - int64(days)*24*int64(time.Hour/time.Millisecond)

	flows, threats, err := o.Store.Cleanup(cutoff)
	if err != nil {
		o.logger.WithError(err).Error("Cleanup failed")
		return o.Maintenance()
	}

	o.Cache.Invalidate(context.Background(), "analytics:*")

	stats := MaintenanceStats{
		LastRun:        clock.Now().UnixMilli(),
		FlowsDeleted:   flows,
		ThreatsDeleted: threats,
		RetentionDays:  days,
	}
	o.maintMu.Lock()
	o.maintenance = stats
	o.maintMu.Unlock()

	o.logger.Info("Cleanup completed", "flows_deleted", flows, "threats_deleted", threats, "days", days)
	return stats
}

// Maintenance returns the last cleanup outcome.
func (o *Orchestrator) Maintenance() MaintenanceStats {
	o.maintMu.Lock()
	defer o.maintMu.Unlock()
	return o.maintenance
}

func (o *Orchestrator) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastCaptured, lastFinalised uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cs := o.Capture.Stats()
			fs := o.Aggregator.Stats()
			if cs.PacketsCaptured > lastCaptured {
				o.Metrics.PacketsCaptured.Add(float64(cs.PacketsCaptured - lastCaptured))
				lastCaptured = cs.PacketsCaptured
			}
			if fs.FlowsFinalised > lastFinalised {
				o.Metrics.FlowsFinalised.Add(float64(fs.FlowsFinalised - lastFinalised))
				lastFinalised = fs.FlowsFinalised
			}
			o.Metrics.PacketsDropped.Set(float64(fs.PacketsDropped))
			o.Metrics.ActiveFlows.Set(float64(fs.ActiveFlows))
			o.Metrics.Subscribers.Set(float64(o.Hub.SubscriberCount()))
			o.Metrics.NotifyDropped.Set(float64(o.Hub.Dropped()))
			if h, err := o.Store.Ping(); err == nil {
				o.Metrics.StoreErrors.Set(float64(h.WriteErrors))
			}
		}
	}
}

// snapshot builds the initial-state payload for new subscribers.
func (o *Orchestrator) snapshot() notify.InitialState {
	state := notify.InitialState{
		Devices: o.Devices.List(),
		Flows:   o.Aggregator.ActiveFlows(100),
	}
	if recent, err := o.Store.QueryFlows(model.FlowFilter{Limit: 100, Status: model.FlowStatusClosed}); err == nil {
		state.Flows = append(state.Flows, recent...)
	}
	if threats, err := o.Store.ListThreats(true, 100); err == nil {
		state.Threats = threats
	}
	return state
}

// Health returns the composite health snapshot.
func (o *Orchestrator) Health() Health {
	h := Health{
		Capture:      o.Capture.Stats(),
		Flows:        o.Aggregator.Stats(),
		Subscribers:  o.Hub.SubscriberCount(),
		QueueDepth:   o.Hub.QueueDepth(),
		Reachability: o.Monitor.Status(),
		CaptureError: o.captureError(),
	}
	h.Store, _ = o.Store.Ping()
	return h
}

// StartCapture starts (or restarts) live capture.
func (o *Orchestrator) StartCapture() error {
	err := o.Capture.Start()
	if err != nil {
		o.setCaptureErr(err.Error())
	} else {
		o.setCaptureErr("")
	}
	return err
}

// StopCapture halts live capture; the rest of the pipeline stays up.
func (o *Orchestrator) StopCapture() {
	o.Capture.Stop()
}
