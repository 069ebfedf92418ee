package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

const (
	// EventsChannel is the pub/sub channel every event is published on.
	EventsChannel = "flashguard:events"
	// EventsStream is the durable stream every event is appended to.
	EventsStream = "flashguard:events:stream"
)

// EventSink fans events out to the signal bus and the audit log. Either may
// be nil.
type EventSink struct {
	bus   domain.SignalBus
	audit domain.AuditStore
	skip  map[domain.EventType]bool
}

// NewEventSink creates a sink. Events whose type is in noAudit are still
// published but not written to the audit log.
func NewEventSink(bus domain.SignalBus, audit domain.AuditStore, noAudit []domain.EventType) *EventSink {
	skip := make(map[domain.EventType]bool, len(noAudit))
	for _, t := range noAudit {
		skip[t] = true
	}
	return &EventSink{
		bus:   bus,
		audit: audit,
		skip:  skip,
	}
}

// Publish implements domain.EventPublisher. Every destination is attempted;
// failures are joined.
func (s *EventSink) Publish(ctx context.Context, evt domain.Event) error {
	var errs []error
	if s.bus != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("service: marshal event %s: %w", evt.Type, err)
		}
		if err := s.bus.Publish(ctx, EventsChannel, payload); err != nil {
			errs = append(errs, err)
		}
		if err := s.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if s.audit != nil && !s.skip[evt.Type] {
		detail := make(map[string]any, len(evt.Fields)+1)
		for k, v := range evt.Fields {
			detail[k] = v
		}
		if evt.RequestID != "" {
			detail["request_id"] = evt.RequestID
		}
		if err := s.audit.Log(ctx, string(evt.Type), detail); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("service: event %s: %w", evt.Type, errors.Join(errs...))
	}
	return nil
}
