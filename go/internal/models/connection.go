package models

import "time"

// ConnectionStatus is the per-player connection state machine state.
type ConnectionStatus string

const (
	ConnectionConnected     ConnectionStatus = "CONNECTED"
	ConnectionDisconnecting ConnectionStatus = "DISCONNECTING"
	ConnectionReconnecting  ConnectionStatus = "RECONNECTING"
	ConnectionDisconnected  ConnectionStatus = "DISCONNECTED"
)

// ConnectionQuality is derived from latency and packet-loss samples.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// NetworkType is the client-reported network class.
type NetworkType string

const (
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkUnknown  NetworkType = "unknown"
)

// Stability summarizes recent disconnection churn for a player.
type Stability string

const (
	StabilityStable           Stability = "stable"
	StabilitySomewhatUnstable Stability = "somewhat_unstable"
	StabilityUnstable         Stability = "unstable"
)

// StatusHistoryLimit bounds the per-player transition log.
const StatusHistoryLimit = 10

// StatusTransition is one entry in a player's bounded status history.
type StatusTransition struct {
	From  ConnectionStatus `json:"from"`
	To    ConnectionStatus `json:"to"`
	Cause string           `json:"cause"`
	At    time.Time        `json:"at"`
}

// PlayerConnection tracks liveness for one player in one session. There
// is exactly one record per player per session; ConnectionID changes
// across reconnects without creating a new record. The record survives
// disconnects and is only removed when the player is purged from the
// session.
type PlayerConnection struct {
	PlayerID     string `json:"player_id"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`

	Status  ConnectionStatus  `json:"status"`
	Quality ConnectionQuality `json:"quality"`

	IsMobile    bool        `json:"is_mobile"`
	NetworkType NetworkType `json:"network_type"`

	LatencyMs  float64 `json:"latency_ms"`
	PacketLoss float64 `json:"packet_loss"`

	DisconnectionCount   int    `json:"disconnection_count"`
	ReconnectionAttempts int    `json:"reconnection_attempts"`
	LastDisconnectReason string `json:"last_disconnect_reason,omitempty"`

	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	StatusHistory []StatusTransition `json:"status_history,omitempty"`
}

// RecordTransition appends a transition to the bounded history.
func (pc *PlayerConnection) RecordTransition(to ConnectionStatus, cause string, at time.Time) {
	pc.StatusHistory = append(pc.StatusHistory, StatusTransition{
		From:  pc.Status,
		To:    to,
		Cause: cause,
		At:    at,
	})
	if len(pc.StatusHistory) > StatusHistoryLimit {
		pc.StatusHistory = pc.StatusHistory[len(pc.StatusHistory)-StatusHistoryLimit:]
	}
	pc.Status = to
}
