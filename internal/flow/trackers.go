// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"sync"
	"time"

	"grimm.is/netinsight/internal/capture"
)

type direction int

const (
	dirFwd direction = iota
	dirRev
)

const (
	rttWindow    = 10
	jitterWindow = 20
	seqResetCap  = 8192
)

// rttTracker pairs SYN-bearing packets with the first ACK-bearing
// response and keeps a sliding window of samples per flow. Bounded;
// the least recently touched flow is evicted at capacity.
type rttTracker struct {
	mu    sync.Mutex
	cap   int
	flows map[string]*rttState
}

type rttState struct {
	pendingSYN time.Time
	samples    []float64
	touched    time.Time
}

func newRTTTracker(capacity int) *rttTracker {
	if capacity <= 0 {
		capacity = 5000
	}
	return &rttTracker{cap: capacity, flows: make(map[string]*rttState)}
}

func (t *rttTracker) observe(flowID string, dir direction, tcp *capture.TCPInfo, ts time.Time) {
	if tcp == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.flows[flowID]
	if !ok {
		if len(t.flows) >= t.cap {
			t.evictOldestLocked()
		}
		st = &rttState{}
		t.flows[flowID] = st
	}
	st.touched = ts

	switch {
	case dir == dirFwd && tcp.Flags&capture.FlagSYN != 0:
		st.pendingSYN = ts
	case dir == dirRev && tcp.Flags&capture.FlagACK != 0 && !st.pendingSYN.IsZero():
		sample := float64(ts.Sub(st.pendingSYN).Microseconds()) / 1000.0
		if sample >= 0 {
			st.samples = append(st.samples, sample)
			if len(st.samples) > rttWindow {
				st.samples = st.samples[1:]
			}
		}
		st.pendingSYN = time.Time{}
	}
}

// mean returns the windowed mean RTT in milliseconds, 0 when no sample
// was collected.
func (t *rttTracker) mean(flowID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.flows[flowID]
	if !ok || len(st.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range st.samples {
		sum += s
	}
	return sum / float64(len(st.samples))
}

func (t *rttTracker) drop(flowID string) {
	t.mu.Lock()
	delete(t.flows, flowID)
	t.mu.Unlock()
}

func (t *rttTracker) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, st := range t.flows {
		if oldestID == "" || st.touched.Before(oldest) {
			oldestID, oldest = id, st.touched
		}
	}
	delete(t.flows, oldestID)
}

// retransTracker counts TCP segments repeating an already-seen sequence
// number in the same direction. Only data-bearing and SYN/FIN segments
// are considered; pure ACKs reuse sequence numbers legitimately.
type retransTracker struct {
	mu    sync.Mutex
	cap   int
	flows map[string]*seqState
}

type seqState struct {
	fwd     map[uint32]struct{}
	rev     map[uint32]struct{}
	count   int64
	touched time.Time
}

func newRetransTracker(capacity int) *retransTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &retransTracker{cap: capacity, flows: make(map[string]*seqState)}
}

func (t *retransTracker) observe(flowID string, dir direction, tcp *capture.TCPInfo, payloadLen int, ts time.Time) {
	if tcp == nil {
		return
	}
	segment := payloadLen > 0 || tcp.Flags&(capture.FlagSYN|capture.FlagFIN) != 0
	if !segment {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.flows[flowID]
	if !ok {
		if len(t.flows) >= t.cap {
			t.evictOldestLocked()
		}
		st = &seqState{fwd: make(map[uint32]struct{}), rev: make(map[uint32]struct{})}
		t.flows[flowID] = st
	}
	st.touched = ts

	seen := st.fwd
	if dir == dirRev {
		seen = st.rev
	}
	if _, dup := seen[tcp.Seq]; dup {
		st.count++
		return
	}
	if len(seen) >= seqResetCap {
		// Long-lived flow; restart the window rather than grow without bound.
		for k := range seen {
			delete(seen, k)
		}
	}
	seen[tcp.Seq] = struct{}{}
}

func (t *retransTracker) count(flowID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.flows[flowID]; ok {
		return st.count
	}
	return 0
}

func (t *retransTracker) drop(flowID string) {
	t.mu.Lock()
	delete(t.flows, flowID)
	t.mu.Unlock()
}

func (t *retransTracker) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, st := range t.flows {
		if oldestID == "" || st.touched.Before(oldest) {
			oldestID, oldest = id, st.touched
		}
	}
	delete(t.flows, oldestID)
}

// jitterState lives on the flow entry; inter-arrival variation needs no
// separate bound because entries are already capped.
type jitterState struct {
	lastArrival time.Time
	lastIAT     time.Duration
	haveIAT     bool
	diffs       []float64
}

func (j *jitterState) observe(ts time.Time) {
	if !j.lastArrival.IsZero() {
		iat := ts.Sub(j.lastArrival)
		if j.haveIAT {
			diff := float64((iat - j.lastIAT).Microseconds()) / 1000.0
			if diff < 0 {
				diff = -diff
			}
			j.diffs = append(j.diffs, diff)
			if len(j.diffs) > jitterWindow {
				j.diffs = j.diffs[1:]
			}
		}
		j.lastIAT = iat
		j.haveIAT = true
	}
	j.lastArrival = ts
}

func (j *jitterState) mean() float64 {
	if len(j.diffs) == 0 {
		return 0
	}
	var sum float64
	for _, d := range j.diffs {
		sum += d
	}
	return sum / float64(len(j.diffs))
}
