// Package console wires the telemetry and control services together:
// one duplex channel feeding one dispatcher, a log record buffer, the
// control facade, and the snapshot fallback poller. Panels consume
// these through subscribe/snapshot/command calls only.
package console

import (
	"time"

	"github.com/sentinelops/console/internal/config"
	"github.com/sentinelops/console/internal/control"
	"github.com/sentinelops/console/internal/dispatch"
	"github.com/sentinelops/console/internal/liveness"
	"github.com/sentinelops/console/internal/logbuf"
	"github.com/sentinelops/console/internal/protocol"
	"github.com/sentinelops/console/internal/snapshot"
	"github.com/sentinelops/console/internal/transport"
	"github.com/sentinelops/console/pkg/api"
)

// TopicLogStream is the topic prefix carrying telemetry log lines.
const TopicLogStream = "log"

// Console owns the process-wide core services. Construct with New,
// start the stream with Start, tear down with Close.
type Console struct {
	Dispatcher *dispatch.Dispatcher
	Channel    *transport.Channel
	Logs       *logbuf.Buffer
	Control    *control.Facade
	Liveness   *liveness.Tracker
	API        *api.Client

	poller   *snapshot.Poller
	unsubLog func()
}

// New builds the service graph from config. Nothing connects or polls
// until Start.
func New(cfg *config.Config) (*Console, error) {
	d := dispatch.New()

	ch, err := transport.New(transport.Options{
		ServerURL:   cfg.ServerURL,
		AuthToken:   cfg.AuthToken,
		BaseDelay:   time.Duration(cfg.ReconnectBaseMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.ReconnectMaxMillis) * time.Millisecond,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}, d)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(cfg.ServerURL, cfg.AuthToken)
	facade := control.New(client, d,
		control.WithCommandTimeout(time.Duration(cfg.CommandTimeoutSeconds)*time.Second))
	logs := logbuf.New(cfg.LogBufferCapacity)

	tracker := liveness.NewTracker(liveness.DefaultStaleAfter, liveness.DefaultLostAfter)
	ch.OnHeartbeat(tracker.Observe)

	c := &Console{
		Dispatcher: d,
		Channel:    ch,
		Logs:       logs,
		Control:    facade,
		Liveness:   tracker,
		API:        client,
		poller: snapshot.New(client, facade,
			time.Duration(cfg.SnapshotIntervalSeconds)*time.Second),
	}

	c.unsubLog = d.Subscribe(TopicLogStream+".*", func(env protocol.Envelope) {
		logs.Add(protocol.RecordFromEnvelope(env))
	})

	return c, nil
}

// Start opens the stream and begins the snapshot fallback poll.
func (c *Console) Start() {
	c.Channel.Connect()
	c.poller.Start()
}

// Close tears everything down in consumer-first order.
func (c *Console) Close() {
	c.poller.Stop()
	c.Channel.Disconnect()
	c.Control.Close()
	c.unsubLog()
	c.Logs.Close()
}
