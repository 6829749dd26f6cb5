// Package control issues agent lifecycle commands and reconciles
// per-agent state exclusively from observed stream events. Command
// responses carry no authority: a 2xx means "accepted for processing",
// never "applied".
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelops/console/internal/dispatch"
	"github.com/sentinelops/console/internal/logging"
	"github.com/sentinelops/console/internal/protocol"
)

var log = logging.L("control")

// ErrCommandInFlight is returned when a command for the agent is
// already pending; it gates UI re-entrancy only.
var ErrCommandInFlight = errors.New("control: command already in flight")

const DefaultCommandTimeout = 30 * time.Second

// Commander is the request-channel dependency; pkg/api.Client
// satisfies it.
type Commander interface {
	Control(ctx context.Context, agentID string, action protocol.AgentAction) error
}

// PendingCommand tracks an issued command until a correlated lifecycle
// event arrives or the timeout elapses.
type PendingCommand struct {
	AgentID   string
	Action    protocol.AgentAction
	IssuedAt  time.Time
	TimeoutAt time.Time
}

// AgentEntry is the reconciled view of one agent.
type AgentEntry struct {
	AgentID         string
	State           protocol.AgentState
	CommandInFlight bool
	LastEvent       time.Time
}

// Facade is the command/event reconciler. Entries are created lazily
// on first observation of an agent.
type Facade struct {
	commander Commander
	timeout   time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	mu       sync.Mutex
	agents   map[string]*agentEntry
	unsub    func()
	closed   bool
	timeouts map[string]*time.Timer
}

type agentEntry struct {
	state           protocol.AgentState
	commandInFlight bool
	pending         *PendingCommand
	lastEvent       time.Time
}

// Option customizes a Facade.
type Option func(*Facade)

// WithCommandTimeout overrides how long a pending command is tracked.
func WithCommandTimeout(d time.Duration) Option {
	return func(f *Facade) { f.timeout = d }
}

func withClock(now func() time.Time, afterFunc func(time.Duration, func()) *time.Timer) Option {
	return func(f *Facade) {
		f.now = now
		f.afterFunc = afterFunc
	}
}

// New creates a facade and subscribes it to agent lifecycle events on
// the dispatcher. Close releases the subscription.
func New(commander Commander, d *dispatch.Dispatcher, opts ...Option) *Facade {
	f := &Facade{
		commander: commander,
		timeout:   DefaultCommandTimeout,
		now:       time.Now,
		afterFunc: time.AfterFunc,
		agents:    make(map[string]*agentEntry),
		timeouts:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.unsub = d.Subscribe(protocol.TopicAgentLifecycle+".*", f.reconcile)
	return f
}

// IssueCommand sends a one-shot control request. The returned error
// reports transport-level rejection only; lifecycle state moves when
// (and only when) the correlated event is observed on the stream.
// There is no automatic retry.
func (f *Facade) IssueCommand(ctx context.Context, agentID string, action protocol.AgentAction) error {
	if !action.Valid() {
		return fmt.Errorf("invalid action %q for agent %s", action, agentID)
	}

	f.mu.Lock()
	entry := f.entryLocked(agentID)
	if entry.commandInFlight {
		f.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, ErrCommandInFlight)
	}
	now := f.now()
	entry.commandInFlight = true
	entry.pending = &PendingCommand{
		AgentID:   agentID,
		Action:    action,
		IssuedAt:  now,
		TimeoutAt: now.Add(f.timeout),
	}
	f.armTimeoutLocked(agentID)
	f.mu.Unlock()

	err := f.commander.Control(ctx, agentID, action)

	// Request completion, success or failure, clears the re-entrancy
	// gate. The pending record stays until an event or the timeout.
	f.mu.Lock()
	entry.commandInFlight = false
	if err != nil {
		// A rejected command will never produce an event.
		f.clearPendingLocked(agentID)
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	log.Info("command accepted", logging.KeyAgentID, agentID, "action", string(action))
	return nil
}

// reconcile consumes one agent.lifecycle.* envelope. Events for other
// agents never touch this entry.
func (f *Facade) reconcile(env protocol.Envelope) {
	suffix, ok := protocol.LifecycleSuffix(env.Type)
	if !ok {
		return
	}
	agentID := env.AgentID()
	if agentID == "" {
		log.Debug("lifecycle event without agent id", logging.KeyTopic, env.Type)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entry := f.entryLocked(agentID)
	entry.lastEvent = env.Timestamp

	if entry.state.Terminal() {
		// Terminated is absorbing.
		return
	}

	target, known := protocol.StateForSuffix(suffix)
	if !known {
		// Unknown suffixes keep the previous state rather than
		// regressing the displayed state to idle.
		log.Warn("unknown lifecycle suffix, state preserved",
			logging.KeyTopic, env.Type, logging.KeyAgentID, agentID)
		return
	}

	if entry.pending != nil && resolves(entry.pending.Action, target) {
		f.clearPendingLocked(agentID)
	}

	if entry.state != target {
		log.Info("agent state reconciled",
			logging.KeyAgentID, agentID,
			"from", string(entry.state), "to", string(target))
	}
	entry.state = target
}

// resolves reports whether an observed target state completes the
// pending action's second phase.
func resolves(action protocol.AgentAction, target protocol.AgentState) bool {
	switch action {
	case protocol.ActionPause:
		return target == protocol.StatePaused
	case protocol.ActionResume:
		return target == protocol.StateRunning
	case protocol.ActionTerminate:
		return target == protocol.StateTerminated
	}
	// Error aborts whatever was pending.
	return target == protocol.StateError
}

// ApplySnapshot folds the polled roster in as a safety net against
// missed stream events. Terminal entries stay terminal.
func (f *Facade) ApplySnapshot(agents []protocol.AgentSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, snap := range agents {
		if snap.AgentID == "" {
			continue
		}
		state, err := snap.State()
		if err != nil {
			log.Debug("skipping snapshot entry", logging.KeyError, err)
			continue
		}
		entry := f.entryLocked(snap.AgentID)
		if entry.state.Terminal() {
			continue
		}
		entry.state = state
	}
}

// AgentState returns the reconciled entry for one agent; ok is false
// if the agent has never been observed.
func (f *Facade) AgentState(agentID string) (AgentEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.agents[agentID]
	if !ok {
		return AgentEntry{}, false
	}
	return f.exportLocked(agentID, entry), true
}

// Agents returns every observed agent.
func (f *Facade) Agents() []AgentEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AgentEntry, 0, len(f.agents))
	for id, entry := range f.agents {
		out = append(out, f.exportLocked(id, entry))
	}
	return out
}

// Pending returns the tracked command for an agent, if any.
func (f *Facade) Pending(agentID string) (PendingCommand, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.agents[agentID]
	if !ok || entry.pending == nil {
		return PendingCommand{}, false
	}
	return *entry.pending, true
}

// Close unsubscribes from the dispatcher and stops timeout timers.
func (f *Facade) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id, timer := range f.timeouts {
		timer.Stop()
		delete(f.timeouts, id)
	}
	f.mu.Unlock()
	f.unsub()
}

func (f *Facade) entryLocked(agentID string) *agentEntry {
	entry, ok := f.agents[agentID]
	if !ok {
		entry = &agentEntry{state: protocol.StateIdle}
		f.agents[agentID] = entry
	}
	return entry
}

func (f *Facade) exportLocked(agentID string, entry *agentEntry) AgentEntry {
	return AgentEntry{
		AgentID:         agentID,
		State:           entry.state,
		CommandInFlight: entry.commandInFlight,
		LastEvent:       entry.lastEvent,
	}
}

func (f *Facade) armTimeoutLocked(agentID string) {
	if timer, ok := f.timeouts[agentID]; ok {
		timer.Stop()
	}
	f.timeouts[agentID] = f.afterFunc(f.timeout, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		entry, ok := f.agents[agentID]
		if !ok || entry.pending == nil {
			return
		}
		log.Warn("command timed out without a correlated event",
			logging.KeyAgentID, agentID, "action", string(entry.pending.Action))
		entry.pending = nil
		delete(f.timeouts, agentID)
	})
}

func (f *Facade) clearPendingLocked(agentID string) {
	entry, ok := f.agents[agentID]
	if ok {
		entry.pending = nil
	}
	if timer, ok := f.timeouts[agentID]; ok {
		timer.Stop()
		delete(f.timeouts, agentID)
	}
}
