// Package protocol defines the wire contracts shared by the telemetry
// stream, the dispatcher, and the control plane API.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reserved inbound frame types. Heartbeats are routed to dedicated
// listeners only; the handshake frame is logged and dropped.
const (
	TypeHeartbeat = "heartbeat"
	TypeConnected = "connected"
)

// Synthetic envelope types emitted locally by the transport. The remote
// side never sends these; the leading underscore keeps them out of the
// server's topic namespace.
const (
	TypeSyntheticConnected    = "_connected"
	TypeSyntheticDisconnected = "_disconnected"
	TypeSyntheticMaxReconnect = "_max_reconnect"
)

// Agent lifecycle topics. Suffixes under TopicAgentLifecycle carry the
// observed state transition.
const (
	TopicAgentLifecycle = "agent.lifecycle"

	SuffixSpawned    = "spawned"
	SuffixRunning    = "running"
	SuffixPaused     = "paused"
	SuffixTerminated = "terminated"
	SuffixError      = "error"
)

// Envelope is a decoded message with a dot-delimited hierarchical topic.
// Immutable once decoded.
type Envelope struct {
	Type          string
	Payload       json.RawMessage
	Source        string
	ID            string
	Timestamp     time.Time
	CorrelationID string
}

// frame is the raw JSON shape on the wire. The body arrives under
// either "data" or "payload" depending on the sender; "data" wins when
// both are present.
type frame struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source"`
	ID            string          `json:"id"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
}

// DecodeEnvelope parses a raw inbound frame into an Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.Type == "" {
		return Envelope{}, fmt.Errorf("frame has no type")
	}

	payload := f.Data
	if payload == nil {
		payload = f.Payload
	}

	ts := time.Now().UTC()
	if f.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, f.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to parse timestamp %q: %w", f.Timestamp, err)
		}
		ts = parsed
	}

	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}

	return Envelope{
		Type:          f.Type,
		Payload:       payload,
		Source:        f.Source,
		ID:            id,
		Timestamp:     ts,
		CorrelationID: f.CorrelationID,
	}, nil
}

// NewSynthetic builds a locally-originated envelope for the given type.
func NewSynthetic(envType string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Envelope{
		Type:      envType,
		Payload:   raw,
		Source:    "transport",
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// DecodePayload unmarshals the envelope body into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// AgentID extracts the agent identifier from the payload, accepting
// both "agent_id" and "agentId" spellings.
func (e Envelope) AgentID() string {
	var body struct {
		AgentID      string `json:"agent_id"`
		AgentIDCamel string `json:"agentId"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return ""
	}
	if body.AgentID != "" {
		return body.AgentID
	}
	return body.AgentIDCamel
}

// LifecycleSuffix returns the segment after "agent.lifecycle." and
// whether the topic is a lifecycle topic at all.
func LifecycleSuffix(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicAgentLifecycle+".")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
