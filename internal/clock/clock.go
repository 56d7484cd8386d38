// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a swappable time source so components that
// timestamp flows and expire caches can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

var (
	mu  sync.RWMutex
	now = time.Now
)

// Now returns the current time from the active source.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return now()
}

// Since returns the elapsed time relative to the active source.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// Set replaces the time source. Pass nil to restore time.Now.
func Set(fn func() time.Time) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	now = fn
}
