// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor probes a reference target (default gateway or a
// public resolver) so the health endpoint can distinguish "no traffic"
// from "no connectivity".
package monitor

import (
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/netinsight/internal/clock"
	"grimm.is/netinsight/internal/logging"
)

// Result is the latest probe outcome.
type Result struct {
	Target     string  `json:"target"`
	Reachable  bool    `json:"reachable"`
	RTTMs      float64 `json:"rtt_ms"`
	PacketLoss float64 `json:"packet_loss"`
	CheckedAt  int64   `json:"checked_at"` // Unix ms
}

// Service runs the periodic probe.
type Service struct {
	target   string
	interval time.Duration
	logger   *logging.Logger

	mu   sync.RWMutex
	last Result

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor for target. An empty target disables probing;
// Status then reports an empty Result.
func New(target string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithComponent("monitor")
	}
	return &Service{
		target:   target,
		interval: time.Minute,
		logger:   logger,
	}
}

// Start begins probing. No-op without a target.
func (s *Service) Start() {
	if s.target == "" || s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Reachability monitor started", "target", s.target)
}

// Stop halts the probe loop.
func (s *Service) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.stopCh = nil
}

func (s *Service) loop() {
	defer s.wg.Done()

	s.probe()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probe()
		}
	}
}

func (s *Service) probe() {
	result := Result{Target: s.target, CheckedAt: clock.Now().UnixMilli()}

	pinger, err := probing.NewPinger(s.target)
	if err != nil {
		s.logger.WithError(err).Warn("Probe setup failed", "target", s.target)
		s.store(result)
		return
	}
	pinger.Count = 3
	pinger.Timeout = 5 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		s.logger.WithError(err).Debug("Probe failed", "target", s.target)
		s.store(result)
		return
	}

	stats := pinger.Statistics()
	result.Reachable = stats.PacketsRecv > 0
	result.RTTMs = float64(stats.AvgRtt.Microseconds()) / 1000.0
	result.PacketLoss = stats.PacketLoss
	s.store(result)
}

func (s *Service) store(r Result) {
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
}

// Status returns the latest probe result.
func (s *Service) Status() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
