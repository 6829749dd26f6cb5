// Package liveness derives a per-source liveness indicator from the
// heartbeat frames the transport filters out of general dispatch.
package liveness

import (
	"sync"
	"time"

	"github.com/sentinelops/console/internal/logging"
	"github.com/sentinelops/console/internal/protocol"
)

var log = logging.L("liveness")

// Status classifies how recently a source was heard from.
type Status string

const (
	Live  Status = "live"
	Stale Status = "stale"
	Lost  Status = "lost"
)

const (
	DefaultStaleAfter = 30 * time.Second
	DefaultLostAfter  = 2 * time.Minute
)

// Beat is the latest observation for one source.
type Beat struct {
	Source   string    `json:"source"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Tracker records heartbeat arrivals and ages them into a status.
// Register Observe with the transport's OnHeartbeat.
type Tracker struct {
	staleAfter time.Duration
	lostAfter  time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	beats map[string]time.Time
}

func NewTracker(staleAfter, lostAfter time.Duration) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if lostAfter <= staleAfter {
		lostAfter = DefaultLostAfter
	}
	return &Tracker{
		staleAfter: staleAfter,
		lostAfter:  lostAfter,
		now:        time.Now,
		beats:      make(map[string]time.Time),
	}
}

// Observe records a heartbeat envelope. Sources are created on first
// observation.
func (t *Tracker) Observe(env protocol.Envelope) {
	source := env.Source
	if source == "" {
		source = "control-plane"
	}

	t.mu.Lock()
	prev, known := t.beats[source]
	t.beats[source] = env.Timestamp
	t.mu.Unlock()

	if known && t.classify(prev) == Lost {
		log.Info("source recovered", "source", source)
	}
}

// StatusOf returns the liveness of one source; ok is false if the
// source was never heard from.
func (t *Tracker) StatusOf(source string) (Beat, bool) {
	t.mu.RLock()
	lastSeen, ok := t.beats[source]
	t.mu.RUnlock()
	if !ok {
		return Beat{}, false
	}
	return Beat{Source: source, Status: t.classify(lastSeen), LastSeen: lastSeen}, true
}

// All returns a snapshot of every tracked source.
func (t *Tracker) All() []Beat {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Beat, 0, len(t.beats))
	for source, lastSeen := range t.beats {
		result = append(result, Beat{Source: source, Status: t.classify(lastSeen), LastSeen: lastSeen})
	}
	return result
}

// Overall returns the worst status across all tracked sources, or
// Lost when nothing was ever heard.
func (t *Tracker) Overall() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.beats) == 0 {
		return Lost
	}
	worst := Live
	for _, lastSeen := range t.beats {
		if s := t.classify(lastSeen); rank(s) > rank(worst) {
			worst = s
		}
	}
	return worst
}

func (t *Tracker) classify(lastSeen time.Time) Status {
	age := t.now().Sub(lastSeen)
	switch {
	case age > t.lostAfter:
		return Lost
	case age > t.staleAfter:
		return Stale
	}
	return Live
}

func rank(s Status) int {
	switch s {
	case Stale:
		return 1
	case Lost:
		return 2
	}
	return 0
}
