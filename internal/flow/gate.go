// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math"
	"sync"
	"time"

	"grimm.is/netinsight/internal/capture"
)

// gate applies counter-based sampling and short-horizon duplicate
// suppression before a packet reaches the ingest queue.
type gate struct {
	every uint64 // admit every Nth packet; 1 means no sampling

	mu        sync.Mutex
	counter   uint64
	recent    map[uint64]time.Time
	lastPrune time.Time
}

const dupHorizon = time.Millisecond

func newGate(samplingRate float64) *gate {
	every := uint64(1)
	if samplingRate > 0 && samplingRate < 1.0 {
		every = uint64(math.Ceil(1.0 / samplingRate))
	}
	return &gate{
		every:  every,
		recent: make(map[uint64]time.Time),
	}
}

// admit decides whether a packet enters the pipeline. Duplicates are
// reported separately so the aggregator can count them.
func (g *gate) admit(p *capture.Packet) (ok, duplicate bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := dupHash(p)
	if seen, exists := g.recent[h]; exists && p.Timestamp.Sub(seen) <= dupHorizon {
		return false, true
	}
	g.recent[h] = p.Timestamp

	if p.Timestamp.Sub(g.lastPrune) > dupHorizon {
		for k, ts := range g.recent {
			if p.Timestamp.Sub(ts) > dupHorizon {
				delete(g.recent, k)
			}
		}
		g.lastPrune = p.Timestamp
	}

	g.counter++
	if g.every > 1 && g.counter%g.every != 0 {
		return false, false
	}
	return true, false
}

// dupHash folds arrival time and length; two packets agreeing on both
// within the horizon are treated as one delivery.
func dupHash(p *capture.Packet) uint64 {
	const prime = 1099511628211
	h := uint64(14695981039346656037)
	h = (h ^ uint64(p.Timestamp.UnixNano())) * prime
	h = (h ^ uint64(p.Length)) * prime
	return h
}
