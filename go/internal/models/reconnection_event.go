package models

import (
	"encoding/json"
	"time"
)

// ReconnectionEventType classifies an audit record.
type ReconnectionEventType string

const (
	EventDisconnect           ReconnectionEventType = "DISCONNECT"
	EventReconnect            ReconnectionEventType = "RECONNECT"
	EventPause                ReconnectionEventType = "PAUSE"
	EventResume               ReconnectionEventType = "RESUME"
	EventGracePeriodStart     ReconnectionEventType = "GRACE_PERIOD_START"
	EventGracePeriodExpire    ReconnectionEventType = "GRACE_PERIOD_EXPIRE"
	EventContinuationDecision ReconnectionEventType = "CONTINUATION_DECISION"
)

// ReconnectionEvent is an append-only audit record used for analytics
// and debugging. Records are never mutated; rotation is owned by the
// persistence layer.
type ReconnectionEvent struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	EventType ReconnectionEventType `json:"event_type"`
	PlayerID  string                `json:"player_id,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Reason    string                `json:"reason,omitempty"`
	Metadata  json.RawMessage       `json:"metadata,omitempty"`
}
