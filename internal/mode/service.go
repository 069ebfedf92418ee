// Package mode holds the process-wide execution mode and notifies
// subscribers when it changes.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// Change describes one mode transition.
type Change struct {
	From   domain.ExecutionMode `json:"from"`
	To     domain.ExecutionMode `json:"to"`
	Reason string               `json:"reason,omitempty"`
}

// Service is safe for concurrent use. Subscribers receive changes on
// buffered channels; a subscriber that falls behind misses changes rather
// than blocking Set.
type Service struct {
	mu        sync.RWMutex
	current   domain.ExecutionMode
	subs      map[int]chan Change
	nextSub   int
	publisher domain.EventPublisher
	logger    *slog.Logger
}

// New creates a Service starting in initial. publisher may be nil.
func New(initial domain.ExecutionMode, publisher domain.EventPublisher, logger *slog.Logger) (*Service, error) {
	if !initial.Valid() {
		return nil, fmt.Errorf("mode: unknown execution mode %q", initial)
	}
	return &Service{
		current:   initial,
		subs:      make(map[int]chan Change),
		publisher: publisher,
		logger:    logger.With(slog.String("component", "mode")),
	}, nil
}

// Current returns the active mode.
func (s *Service) Current() domain.ExecutionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set switches to m. Setting the current mode again is a no-op.
func (s *Service) Set(ctx context.Context, m domain.ExecutionMode, reason string) error {
	if !m.Valid() {
		return fmt.Errorf("mode: unknown execution mode %q", m)
	}

	s.mu.Lock()
	if s.current == m {
		s.mu.Unlock()
		return nil
	}
	ch := Change{From: s.current, To: m, Reason: reason}
	s.current = m
	for id, sub := range s.subs {
		select {
		case sub <- ch:
		default:
			s.logger.Warn("mode subscriber lagging, change dropped", slog.Int("subscriber", id))
		}
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "execution mode changed",
		slog.String("from", string(ch.From)),
		slog.String("to", string(ch.To)),
		slog.String("reason", reason),
	)
	if s.publisher != nil {
		evt := domain.NewEvent(domain.EventExecutionModeChanged, "", map[string]any{
			"from":   string(ch.From),
			"to":     string(ch.To),
			"reason": reason,
		})
		if err := s.publisher.Publish(ctx, evt); err != nil {
			return fmt.Errorf("mode: publish change: %w", err)
		}
	}
	return nil
}

// Subscribe returns a channel of future changes. The channel is closed when
// ctx ends.
func (s *Service) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 8)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
