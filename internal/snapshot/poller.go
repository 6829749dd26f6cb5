// Package snapshot polls the control plane roster on a fixed interval
// as a safety net against missed stream events.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelops/console/internal/logging"
	"github.com/sentinelops/console/internal/protocol"
	"github.com/sentinelops/console/pkg/api"
)

var log = logging.L("snapshot")

const DefaultInterval = 30 * time.Second

// Fetcher fetches the roster; pkg/api.Client satisfies it.
type Fetcher interface {
	Snapshot(ctx context.Context) (*api.SnapshotResponse, error)
}

// Applier consumes a polled roster; control.Facade satisfies it.
type Applier interface {
	ApplySnapshot(agents []protocol.AgentSnapshot)
}

// Poller drives the periodic snapshot fetch. Construct with New,
// start with Start, tear down with Stop.
type Poller struct {
	fetcher  Fetcher
	applier  Applier
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func New(fetcher Fetcher, applier Applier, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:  fetcher,
		applier:  applier,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start polls once immediately, then on every interval tick until Stop.
func (p *Poller) Start() {
	p.startOnce.Do(func() {
		p.started = true
		go p.loop()
	})
}

func (p *Poller) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	snap, err := p.fetcher.Snapshot(ctx)
	if err != nil {
		// The stream remains authoritative; a failed poll just
		// means no correction this tick.
		log.Warn("snapshot poll failed", logging.KeyError, err)
		return
	}
	p.applier.ApplySnapshot(snap.Agents)
	log.Debug("snapshot applied", "agents", len(snap.Agents))
}

// Stop halts polling and waits for the loop to exit. Safe to call
// more than once, or without a prior Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started {
		<-p.done
	}
}
