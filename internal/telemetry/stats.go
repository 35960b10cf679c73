// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"
)

// =============================================================================
// STATS
// =============================================================================

// Stats tracks request counters since process start.
type Stats struct {
	mu        sync.RWMutex
	started   time.Time
	byMode    map[string]int64
	byOutcome map[string]int64
	stories   int64
	lastAt    time.Time
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Started       time.Time        `json:"started"`
	Uptime        time.Duration    `json:"uptime"`
	Requests      int64            `json:"requests"`
	ByMode        map[string]int64 `json:"by_mode"`
	ByOutcome     map[string]int64 `json:"by_outcome"`
	Stories       int64            `json:"stories"`
	LastRequestAt time.Time        `json:"last_request_at,omitempty"`
}

var defaultStats = NewStats()

// NewStats creates an empty Stats starting now.
func NewStats() *Stats {
	return &Stats{
		started:   time.Now(),
		byMode:    make(map[string]int64),
		byOutcome: make(map[string]int64),
	}
}

// Default returns the process-wide Stats fed by ObserveStream and
// ObserveExtraction.
func Default() *Stats {
	return defaultStats
}

func (s *Stats) recordStream(mode, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMode[mode]++
	s.byOutcome[outcome]++
	s.lastAt = time.Now()
}

func (s *Stats) recordExtraction(stories int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stories += int64(stories)
}

// Snapshot returns a copy safe to retain and serialize.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Started:       s.started,
		Uptime:        time.Since(s.started).Truncate(time.Second),
		ByMode:        make(map[string]int64, len(s.byMode)),
		ByOutcome:     make(map[string]int64, len(s.byOutcome)),
		Stories:       s.stories,
		LastRequestAt: s.lastAt,
	}
	for k, v := range s.byMode {
		snap.ByMode[k] = v
		snap.Requests += v
	}
	for k, v := range s.byOutcome {
		snap.ByOutcome[k] = v
	}
	return snap
}
