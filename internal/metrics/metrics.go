// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the sensor's Prometheus instrumentation. One
// registry per process, populated by the pipeline on each cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the sensor metrics.
type Collector struct {
	Registry *prometheus.Registry

	PacketsCaptured prometheus.Counter
	PacketsDropped  prometheus.Gauge
	ActiveFlows     prometheus.Gauge
	FlowsFinalised  prometheus.Counter
	FlowsPersisted  prometheus.Counter
	ThreatsRaised   *prometheus.CounterVec
	Subscribers     prometheus.Gauge
	NotifyDropped   prometheus.Gauge
	StoreLatency    prometheus.Histogram
	StoreErrors     prometheus.Gauge
}

// NewCollector builds and registers the metric set on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		Registry: reg,
		PacketsCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "netinsight_packets_captured_total",
			Help: "Packets delivered by the capture engine.",
		}),
		PacketsDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netinsight_packets_dropped",
			Help: "Packets dropped at the ingest queue.",
		}),
		ActiveFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netinsight_active_flows",
			Help: "Flows currently tracked by the aggregator.",
		}),
		FlowsFinalised: factory.NewCounter(prometheus.CounterOpts{
			Name: "netinsight_flows_finalised_total",
			Help: "Flows finalised and emitted downstream.",
		}),
		FlowsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "netinsight_flows_persisted_total",
			Help: "Flows written to the store.",
		}),
		ThreatsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "netinsight_threats_raised_total",
			Help: "Threats raised, by kind and severity.",
		}, []string{"kind", "severity"}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netinsight_subscribers",
			Help: "Live notification subscribers.",
		}),
		NotifyDropped: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netinsight_notify_dropped",
			Help: "Messages dropped across subscriber queues.",
		}),
		StoreLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "netinsight_store_write_seconds",
			Help:    "Flow batch write latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		StoreErrors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "netinsight_store_errors",
			Help: "Accumulated store write errors.",
		}),
	}
}
