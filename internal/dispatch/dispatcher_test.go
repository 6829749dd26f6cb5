package dispatch

import (
	"testing"

	"github.com/sentinelops/console/internal/protocol"
)

func env(topic string) protocol.Envelope {
	return protocol.Envelope{Type: topic, ID: topic}
}

func TestExactMatch(t *testing.T) {
	d := New()
	var got []string
	d.Subscribe("threat.detected", func(e protocol.Envelope) {
		got = append(got, e.Type)
	})

	d.Dispatch(env("threat.detected"))
	d.Dispatch(env("threat.detected.critical"))
	d.Dispatch(env("threat"))

	if len(got) != 1 || got[0] != "threat.detected" {
		t.Fatalf("delivered = %v, want exactly [threat.detected]", got)
	}
}

func TestGlobalWildcard(t *testing.T) {
	d := New()
	count := 0
	d.Subscribe("*", func(protocol.Envelope) { count++ })

	d.Dispatch(env("agent.lifecycle.running"))
	d.Dispatch(env("heartbeat"))
	d.Dispatch(env("x"))

	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestPrefixWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"agent.*", "agent.lifecycle.running", true},
		{"agent.*", "agent.lifecycle.paused", true},
		{"agent.*", "agent", true},
		{"agent.*", "agentx", false},
		{"agent.*", "threat.detected", false},
		{"agent.lifecycle.*", "agent.lifecycle.running", true},
		{"agent.lifecycle.*", "agent.lifecycle", true},
		{"agent.lifecycle.*", "agent.lifecycles", false},
	}

	for _, tt := range tests {
		d := New()
		delivered := false
		d.Subscribe(tt.pattern, func(protocol.Envelope) { delivered = true })
		d.Dispatch(env(tt.topic))
		if delivered != tt.want {
			t.Errorf("pattern %q topic %q: delivered = %v, want %v",
				tt.pattern, tt.topic, delivered, tt.want)
		}
	}
}

func TestMultipleHandlersSamePattern(t *testing.T) {
	d := New()
	a, b := 0, 0
	d.Subscribe("log.stream", func(protocol.Envelope) { a++ })
	unsubB := d.Subscribe("log.stream", func(protocol.Envelope) { b++ })

	d.Dispatch(env("log.stream"))
	unsubB()
	d.Dispatch(env("log.stream"))

	if a != 2 {
		t.Errorf("a = %d, want 2", a)
	}
	if b != 1 {
		t.Errorf("b = %d, want 1 (unsubscribed after first)", b)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	d := New()
	healthy := 0
	d.Subscribe("threat.*", func(protocol.Envelope) { panic("boom") })
	d.Subscribe("threat.*", func(protocol.Envelope) { healthy++ })

	d.Dispatch(env("threat.detected"))
	d.Dispatch(env("threat.cleared"))

	if healthy != 2 {
		t.Fatalf("healthy subscriber got %d envelopes, want 2", healthy)
	}
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d := New()
	var unsubSecond func()
	secondCalls := 0

	d.Subscribe("a.*", func(protocol.Envelope) { unsubSecond() })
	unsubSecond = d.Subscribe("a.*", func(protocol.Envelope) { secondCalls++ })

	// The first handler removes the second mid-iteration; the second
	// must not run for this or any later dispatch.
	d.Dispatch(env("a.b"))
	d.Dispatch(env("a.c"))

	if secondCalls != 0 {
		t.Fatalf("removed handler was invoked %d times", secondCalls)
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	d := New()
	unsub := d.Subscribe("x", func(protocol.Envelope) {})
	unsub()
	unsub()
	if d.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", d.Len())
	}
}
