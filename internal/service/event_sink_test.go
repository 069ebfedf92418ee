package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
	err       error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return b.err
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail, CreatedAt: time.Now()})
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return a.entries, nil
}

func (a *fakeAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func TestEventSink_FansOut(t *testing.T) {
	bus := newFakeBus()
	audit := &fakeAudit{}
	sink := NewEventSink(bus, audit, []domain.EventType{domain.EventCompetitorDetected})

	evt := domain.NewEvent(domain.EventBundleIncluded, "req-1", map[string]any{"block": 12})
	if err := sink.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := sink.Publish(context.Background(), domain.NewEvent(domain.EventCompetitorDetected, "", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := len(bus.published[EventsChannel]); got != 2 {
		t.Errorf("published = %d, want 2", got)
	}
	if got := len(bus.streamed[EventsStream]); got != 2 {
		t.Errorf("streamed = %d, want 2", got)
	}
	var decoded domain.Event
	if err := json.Unmarshal(bus.published[EventsChannel][0], &decoded); err != nil || decoded.Type != domain.EventBundleIncluded {
		t.Errorf("decoded = %+v, %v", decoded, err)
	}

	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit.entries))
	}
	if audit.entries[0].Detail["request_id"] != "req-1" {
		t.Errorf("audit detail = %+v", audit.entries[0].Detail)
	}
}

func TestEventSink_JoinsErrors(t *testing.T) {
	bus := newFakeBus()
	bus.err = errors.New("redis down")
	audit := &fakeAudit{}
	sink := NewEventSink(bus, audit, nil)

	err := sink.Publish(context.Background(), domain.NewEvent(domain.EventProtectionFailed, "", nil))
	if err == nil || !errors.Is(err, bus.err) {
		t.Fatalf("err = %v", err)
	}
	if len(audit.entries) != 1 {
		t.Error("audit should still be written when the bus fails")
	}
}
