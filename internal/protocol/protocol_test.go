package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeEnvelopeDataField(t *testing.T) {
	raw := []byte(`{"type":"threat.detected","data":{"severity":"high"},"source":"scanner-1","id":"ev-1","timestamp":"2026-08-30T12:00:00Z"}`)

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != "threat.detected" {
		t.Errorf("Type = %q, want threat.detected", env.Type)
	}
	if env.Source != "scanner-1" {
		t.Errorf("Source = %q, want scanner-1", env.Source)
	}
	if env.ID != "ev-1" {
		t.Errorf("ID = %q, want ev-1", env.ID)
	}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if !env.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", env.Timestamp, want)
	}

	var body struct {
		Severity string `json:"severity"`
	}
	if err := env.DecodePayload(&body); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if body.Severity != "high" {
		t.Errorf("severity = %q, want high", body.Severity)
	}
}

func TestDecodeEnvelopePayloadAlias(t *testing.T) {
	raw := []byte(`{"type":"log.stream","payload":{"message":"hi"},"source":"core"}`)

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if len(env.Payload) == 0 {
		t.Fatal("payload alias was not picked up")
	}
	if env.ID == "" {
		t.Error("missing id was not generated")
	}
}

func TestDecodeEnvelopeDataWinsOverPayload(t *testing.T) {
	raw := []byte(`{"type":"x","data":{"v":1},"payload":{"v":2}}`)

	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	var body struct {
		V int `json:"v"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if body.V != 1 {
		t.Errorf("payload v = %d, want 1 (data field)", body.V)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`{not json`,
		`{"data":{}}`,
		`{"type":"x","timestamp":"yesterday"}`,
	} {
		if _, err := DecodeEnvelope([]byte(raw)); err == nil {
			t.Errorf("DecodeEnvelope(%q) succeeded, want error", raw)
		}
	}
}

func TestAgentIDBothSpellings(t *testing.T) {
	snake := Envelope{Payload: json.RawMessage(`{"agent_id":"a-1"}`)}
	if got := snake.AgentID(); got != "a-1" {
		t.Errorf("snake AgentID = %q, want a-1", got)
	}
	camel := Envelope{Payload: json.RawMessage(`{"agentId":"a-2"}`)}
	if got := camel.AgentID(); got != "a-2" {
		t.Errorf("camel AgentID = %q, want a-2", got)
	}
	none := Envelope{Payload: json.RawMessage(`{}`)}
	if got := none.AgentID(); got != "" {
		t.Errorf("empty AgentID = %q, want empty", got)
	}
}

func TestLifecycleSuffix(t *testing.T) {
	tests := []struct {
		topic  string
		suffix string
		ok     bool
	}{
		{"agent.lifecycle.running", "running", true},
		{"agent.lifecycle.paused", "paused", true},
		{"agent.lifecycle.", "", false},
		{"agent.lifecycle", "", false},
		{"threat.detected", "", false},
	}
	for _, tt := range tests {
		suffix, ok := LifecycleSuffix(tt.topic)
		if suffix != tt.suffix || ok != tt.ok {
			t.Errorf("LifecycleSuffix(%q) = (%q, %v), want (%q, %v)",
				tt.topic, suffix, ok, tt.suffix, tt.ok)
		}
	}
}

func TestStateForSuffix(t *testing.T) {
	tests := []struct {
		suffix string
		state  AgentState
		ok     bool
	}{
		{"spawned", StateSpawned, true},
		{"running", StateRunning, true},
		{"paused", StatePaused, true},
		{"terminated", StateTerminated, true},
		{"error", StateError, true},
		{"rebooting", "", false},
	}
	for _, tt := range tests {
		state, ok := StateForSuffix(tt.suffix)
		if state != tt.state || ok != tt.ok {
			t.Errorf("StateForSuffix(%q) = (%q, %v), want (%q, %v)",
				tt.suffix, state, ok, tt.state, tt.ok)
		}
	}
}

func TestRecordFromEnvelope(t *testing.T) {
	env := Envelope{
		Type:      "log.stream",
		ID:        "r-1",
		Source:    "core",
		Timestamp: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
		Payload:   json.RawMessage(`{"level":"ERROR","message":"disk full","source":"agent-7"}`),
	}

	rec := RecordFromEnvelope(env)
	if rec.Level != LevelError {
		t.Errorf("Level = %q, want error", rec.Level)
	}
	if rec.Source != "agent-7" {
		t.Errorf("Source = %q, want agent-7 (payload wins)", rec.Source)
	}
	if rec.Message != "disk full" {
		t.Errorf("Message = %q", rec.Message)
	}
	if rec.ID != "r-1" {
		t.Errorf("ID = %q, want r-1", rec.ID)
	}
}

func TestRecordFromEnvelopeFallsBackToEnvelopeSource(t *testing.T) {
	env := Envelope{
		Type:    "log.stream",
		Source:  "core",
		Payload: json.RawMessage(`{"message":"up"}`),
	}
	rec := RecordFromEnvelope(env)
	if rec.Source != "core" {
		t.Errorf("Source = %q, want core", rec.Source)
	}
	if rec.Level != LevelInfo {
		t.Errorf("Level = %q, want info default", rec.Level)
	}
}

func TestAgentActionValid(t *testing.T) {
	for _, a := range []AgentAction{ActionPause, ActionResume, ActionTerminate} {
		if !a.Valid() {
			t.Errorf("%q should be valid", a)
		}
	}
	if AgentAction("REBOOT").Valid() {
		t.Error("REBOOT should be invalid")
	}
}
