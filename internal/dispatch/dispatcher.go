// Package dispatch routes decoded envelopes to pattern subscribers.
package dispatch

import (
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sentinelops/console/internal/logging"
	"github.com/sentinelops/console/internal/protocol"
)

var log = logging.L("dispatch")

// Handler consumes a dispatched envelope.
type Handler func(protocol.Envelope)

type matchKind int

const (
	matchExact matchKind = iota
	matchAll
	matchPrefix
)

// matcher is compiled once at subscribe time so dispatch never
// re-derives pattern semantics per envelope.
type matcher struct {
	kind   matchKind
	topic  string // exact topic, or the prefix before ".*"
	prefix string // topic + "." precomputed for segment-boundary checks
}

func compile(pattern string) matcher {
	if pattern == "*" {
		return matcher{kind: matchAll}
	}
	if topic, ok := strings.CutSuffix(pattern, ".*"); ok {
		return matcher{kind: matchPrefix, topic: topic, prefix: topic + "."}
	}
	return matcher{kind: matchExact, topic: pattern}
}

func (m matcher) matches(topic string) bool {
	switch m.kind {
	case matchAll:
		return true
	case matchPrefix:
		// "agent.*" matches "agent" itself and anything under it,
		// but never "agentx".
		return topic == m.topic || strings.HasPrefix(topic, m.prefix)
	default:
		return topic == m.topic
	}
}

type subscription struct {
	matcher matcher
	pattern string
	handler Handler
	active  atomic.Bool
}

// Dispatcher fans envelopes out to all subscribers whose pattern
// matches the envelope topic. A failing subscriber never suppresses
// delivery to the others.
type Dispatcher struct {
	mu   sync.Mutex
	subs []*subscription
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers handler under pattern and returns an unsubscribe
// function. Patterns are an exact topic, "*", or "prefix.*". Multiple
// handlers may share a pattern; unsubscribing removes only this one.
func (d *Dispatcher) Subscribe(pattern string, handler Handler) func() {
	sub := &subscription{
		matcher: compile(pattern),
		pattern: pattern,
		handler: handler,
	}
	sub.active.Store(true)

	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	return func() {
		// Deactivate first so an in-progress dispatch iteration
		// skips this handler immediately.
		sub.active.Store(false)

		d.mu.Lock()
		for i, s := range d.subs {
			if s == sub {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
	}
}

// Dispatch delivers the envelope to every matching active subscriber.
// Iteration runs over a stable snapshot of the subscriber set, so
// subscribing or unsubscribing from inside a handler is safe.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	d.mu.Lock()
	snapshot := make([]*subscription, len(d.subs))
	copy(snapshot, d.subs)
	d.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.active.Load() || !sub.matcher.matches(env.Type) {
			continue
		}
		d.invoke(sub, env)
	}
}

func (d *Dispatcher) invoke(sub *subscription, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked",
				logging.KeyTopic, env.Type,
				"pattern", sub.pattern,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(env)
}

// Len returns the number of registered subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
