package domain

import (
	"context"
	"time"
)

// EventType names an observable state change of the execution core.
type EventType string

const (
	EventCompetitorDetected   EventType = "competitor_detected"
	EventCompetitorAnomaly    EventType = "competitor_anomaly"
	EventPatternsEvicted      EventType = "patterns_evicted"
	EventLiquiditySwing       EventType = "liquidity_swing"
	EventCommitmentSubmitted  EventType = "commitment_submitted"
	EventCommitmentCancelled  EventType = "commitment_cancelled"
	EventCommitmentRevealed   EventType = "commitment_revealed"
	EventBundleSubmitted      EventType = "bundle_submitted"
	EventBundleMissed         EventType = "bundle_missed"
	EventBundleIncluded       EventType = "bundle_included"
	EventProtectionFailed     EventType = "protection_failed"
	EventOpportunityRejected  EventType = "opportunity_rejected"
	EventSettlementExecuted   EventType = "settlement_executed"
	EventSettlementReverted   EventType = "settlement_reverted"
	EventSettlementAdmin      EventType = "settlement_admin"
	EventProtectionAdmin      EventType = "protection_admin"
	EventExecutionModeChanged EventType = "execution_mode_changed"
)

// Event is emitted by every component for the excluded consumers (UI,
// persistence, alerting) to react to.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	RequestID string         `json:"request_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(t EventType, requestID string, fields map[string]any) Event {
	return Event{Type: t, Time: time.Now().UTC(), RequestID: requestID, Fields: fields}
}

// EventPublisher delivers events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, evt Event) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, evt Event) error

// Publish calls f.
func (f EventPublisherFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// ExecutionMode controls whether protected bundles are sent, simulated, or
// refused.
type ExecutionMode string

const (
	ModeLive     ExecutionMode = "live"
	ModeSimulate ExecutionMode = "simulate"
	ModePaused   ExecutionMode = "paused"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeLive, ModeSimulate, ModePaused:
		return true
	}
	return false
}
