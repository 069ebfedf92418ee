package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeBus struct {
	ch     chan []byte
	stream []domain.StreamMessage
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func event(t domain.EventType) []byte {
	data, _ := json.Marshal(domain.NewEvent(t, "req-1", nil))
	return data
}

type harness struct {
	hub    *Hub
	bus    *fakeBus
	srv    *httptest.Server
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, bus *fakeBus) *harness {
	t.Helper()
	hub := NewHub(bus, Config{Channel: "events", Stream: "events:stream"}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{hub: hub, bus: bus, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- hub.Run(ctx) }()
	h.srv = httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.cancel()
	<-h.done
	h.srv.Close()
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for h.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) domain.EventType {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt domain.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return evt.Type
}

func TestHub_BroadcastsBusEvents(t *testing.T) {
	h := newHarness(t, &fakeBus{ch: make(chan []byte, 4)})
	conn := h.dial(t, "")

	h.bus.ch <- event(domain.EventBundleIncluded)
	if got := readType(t, conn); got != domain.EventBundleIncluded {
		t.Errorf("type = %s", got)
	}
}

func TestHub_QueryFilter(t *testing.T) {
	h := newHarness(t, &fakeBus{ch: make(chan []byte, 4)})
	conn := h.dial(t, "?type=bundle_missed")

	h.bus.ch <- event(domain.EventCompetitorDetected)
	h.bus.ch <- []byte("not json")
	h.bus.ch <- event(domain.EventBundleMissed)
	if got := readType(t, conn); got != domain.EventBundleMissed {
		t.Errorf("type = %s", got)
	}
}

func TestHub_SubscribeMessageNarrowsFilter(t *testing.T) {
	h := newHarness(t, &fakeBus{ch: make(chan []byte, 4)})
	conn := h.dial(t, "")

	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "types": []string{"liquidity_swing"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Give the read pump time to apply the filter.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.bus.ch <- event(domain.EventCommitmentSubmitted)
		h.bus.ch <- event(domain.EventLiquiditySwing)
		if readType(t, conn) == domain.EventLiquiditySwing {
			return
		}
		readType(t, conn)
	}
	t.Error("filter never applied")
}

func TestHub_ReplaysStreamSince(t *testing.T) {
	bus := &fakeBus{
		ch: make(chan []byte, 4),
		stream: []domain.StreamMessage{
			{ID: "1-0", Payload: event(domain.EventCommitmentSubmitted)},
			{ID: "2-0", Payload: event(domain.EventBundleSubmitted)},
		},
	}
	h := newHarness(t, bus)
	conn := h.dial(t, "?since=1-0")

	if got := readType(t, conn); got != domain.EventBundleSubmitted {
		t.Errorf("replayed = %s", got)
	}
	bus.ch <- event(domain.EventBundleIncluded)
	if got := readType(t, conn); got != domain.EventBundleIncluded {
		t.Errorf("live = %s", got)
	}
}

func TestHub_RunClosesClients(t *testing.T) {
	h := newHarness(t, &fakeBus{ch: make(chan []byte)})
	conn := h.dial(t, "")

	h.cancel()
	if err := <-h.done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.done <- nil

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected closed connection")
	}
	if n := h.hub.ClientCount(); n != 0 {
		t.Errorf("clients = %d", n)
	}
}
