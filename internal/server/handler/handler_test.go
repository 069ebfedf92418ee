package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/goleak"

	"github.com/alanyoungcy/flashguard/internal/coordinator"
	"github.com/alanyoungcy/flashguard/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// serve routes a single pattern so PathValue is populated.
func serve(pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

type fakeProtector struct {
	mu        sync.Mutex
	requests  []coordinator.Request
	release   chan struct{}
	cancelErr error
	status    map[string]coordinator.Status
}

func (f *fakeProtector) Protect(ctx context.Context, req coordinator.Request) (domain.Execution, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return domain.Execution{}, ctx.Err()
		}
	}
	return domain.Execution{ID: req.ID, Outcome: domain.OutcomeIncluded}, nil
}

func (f *fakeProtector) Cancel(_ context.Context, id string) error {
	return f.cancelErr
}

func (f *fakeProtector) Status(id string) (coordinator.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	return st, ok
}

type recordingStore struct {
	mu    sync.Mutex
	execs []domain.Execution
}

func (r *recordingStore) Create(_ context.Context, exec domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, exec)
	return nil
}

const target = "0x00000000000000000000000000000000000000aa"

func TestProtect_SubmitRunsInBackground(t *testing.T) {
	p := &fakeProtector{release: make(chan struct{})}
	store := &recordingStore{}
	h := NewProtectHandler(context.Background(), p, store, big.NewInt(1000), 3, discard())

	body := `{"target":"` + target + `","data":"0xdeadbeef","value":"5"}`
	rec := serve("POST /api/protect", h.Submit, httptest.NewRequest(http.MethodPost, "/api/protect", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	id, _ := decode(t, rec)["request_id"].(string)
	if id == "" {
		t.Fatal("missing request_id")
	}

	// Accepted but not yet registered with the coordinator.
	rec = serve("GET /api/protect/{id}", h.Get, httptest.NewRequest(http.MethodGet, "/api/protect/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if got := decode(t, rec)["state"]; got != string(coordinator.StateIdle) {
		t.Errorf("state = %v", got)
	}

	close(p.release)
	h.Wait()

	p.mu.Lock()
	req := p.requests[0]
	p.mu.Unlock()
	if req.Fee.Cmp(big.NewInt(1000)) != 0 || req.MaxBlocksToWait != 3 || req.Value.Int64() != 5 {
		t.Errorf("request = %+v", req)
	}
	if req.Target != common.HexToAddress(target) || len(req.Data) != 4 {
		t.Errorf("target/data = %s %x", req.Target.Hex(), req.Data)
	}
	if len(store.execs) != 1 || store.execs[0].ID != id {
		t.Errorf("recorded = %+v", store.execs)
	}

	rec = serve("GET /api/protect/{id}", h.Get, httptest.NewRequest(http.MethodGet, "/api/protect/"+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("after completion code = %d", rec.Code)
	}
}

func TestProtect_SubmitRejectsBadInput(t *testing.T) {
	h := NewProtectHandler(context.Background(), &fakeProtector{}, nil, big.NewInt(1), 3, discard())
	for name, body := range map[string]string{
		"bad target":    `{"target":"nope","data":"0x00"}`,
		"bad data":      `{"target":"` + target + `","data":"zz"}`,
		"negative fee":  `{"target":"` + target + `","data":"0x00","fee":"-1"}`,
		"unknown field": `{"target":"` + target + `","data":"0x00","gas":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve("POST /api/protect", h.Submit, httptest.NewRequest(http.MethodPost, "/api/protect", strings.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d", rec.Code)
			}
		})
	}
	h.Wait()
}

func TestProtect_CancelMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrAlreadyRevealed, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := NewProtectHandler(context.Background(), &fakeProtector{cancelErr: tt.err}, nil, nil, 1, discard())
		rec := serve("DELETE /api/protect/{id}", h.Cancel, httptest.NewRequest(http.MethodDelete, "/api/protect/abc", nil))
		if rec.Code != tt.want {
			t.Errorf("err %v: code = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestProtect_GetReportsCoordinatorStatus(t *testing.T) {
	p := &fakeProtector{status: map[string]coordinator.Status{
		"r1": {RequestID: "r1", State: coordinator.StateCommitted, Attempt: 2},
	}}
	h := NewProtectHandler(context.Background(), p, nil, nil, 1, discard())
	rec := serve("GET /api/protect/{id}", h.Get, httptest.NewRequest(http.MethodGet, "/api/protect/r1", nil))
	out := decode(t, rec)
	if out["state"] != string(coordinator.StateCommitted) || out["attempt"] != float64(2) {
		t.Errorf("body = %v", out)
	}
}

func TestHealthCheck_DegradedOnFailure(t *testing.T) {
	h := NewHealthHandler(map[string]CheckFunc{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, discard())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	out := decode(t, rec)
	checks := out["checks"].(map[string]any)
	if out["status"] != "degraded" || checks["postgres"] != "ok" || checks["redis"] != "connection refused" {
		t.Errorf("body = %v", out)
	}
}

type fakeMonitor struct {
	patterns []domain.CompetitorPattern
}

func (f fakeMonitor) Patterns() []domain.CompetitorPattern {
	return append([]domain.CompetitorPattern(nil), f.patterns...)
}

func (f fakeMonitor) Pattern(addr common.Address) (domain.CompetitorPattern, bool) {
	for _, p := range f.patterns {
		if p.Address == addr {
			return p, true
		}
	}
	return domain.CompetitorPattern{}, false
}

func (f fakeMonitor) ThreatLevel() domain.ThreatLevel { return domain.ThreatHigh }

func (f fakeMonitor) Len() int { return len(f.patterns) }

func TestCompetitors_SortAndLimit(t *testing.T) {
	now := time.Now()
	mon := fakeMonitor{patterns: []domain.CompetitorPattern{
		{Address: common.HexToAddress("0x01"), TxCount: 3, AvgGasPrice: 90, LastSeen: now.Add(-time.Minute)},
		{Address: common.HexToAddress("0x02"), TxCount: 9, AvgGasPrice: 10, LastSeen: now.Add(-time.Hour)},
		{Address: common.HexToAddress("0x03"), TxCount: 1, AvgGasPrice: 50, LastSeen: now},
	}}
	h := NewCompetitorsHandler(mon)

	rec := serve("GET /api/competitors", h.ListCompetitors, httptest.NewRequest(http.MethodGet, "/api/competitors?sort=gas_price&limit=2", nil))
	out := decode(t, rec)
	list := out["competitors"].([]any)
	if len(list) != 2 || out["total"] != float64(3) || out["threat_level"] != domain.ThreatHigh.String() {
		t.Fatalf("body = %v", out)
	}
	if first := list[0].(map[string]any); first["avg_gas_price"] != float64(90) {
		t.Errorf("first = %v", first)
	}

	rec = serve("GET /api/competitors", h.ListCompetitors, httptest.NewRequest(http.MethodGet, "/api/competitors?sort=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus sort code = %d", rec.Code)
	}
}

func TestCompetitors_Get(t *testing.T) {
	addr := common.HexToAddress("0x02")
	h := NewCompetitorsHandler(fakeMonitor{patterns: []domain.CompetitorPattern{{Address: addr, TxCount: 4}}})

	rec := serve("GET /api/competitors/{address}", h.GetCompetitor, httptest.NewRequest(http.MethodGet, "/api/competitors/"+addr.Hex(), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("tracked code = %d", rec.Code)
	}
	rec = serve("GET /api/competitors/{address}", h.GetCompetitor, httptest.NewRequest(http.MethodGet, "/api/competitors/"+common.HexToAddress("0x09").Hex(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("untracked code = %d", rec.Code)
	}
	rec = serve("GET /api/competitors/{address}", h.GetCompetitor, httptest.NewRequest(http.MethodGet, "/api/competitors/xyz", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid code = %d", rec.Code)
	}
}

type fakeMode struct {
	current domain.ExecutionMode
	err     error
}

func (f *fakeMode) Current() domain.ExecutionMode { return f.current }

func (f *fakeMode) Set(_ context.Context, m domain.ExecutionMode, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.current = m
	return nil
}

func TestMode_SetValidates(t *testing.T) {
	svc := &fakeMode{current: domain.ModeLive}
	h := NewModeHandler(svc, discard())

	rec := serve("PUT /api/mode", h.SetMode, httptest.NewRequest(http.MethodPut, "/api/mode", strings.NewReader(`{"mode":"paused","reason":"maintenance"}`)))
	if rec.Code != http.StatusOK || svc.current != domain.ModePaused {
		t.Fatalf("code = %d, mode = %s", rec.Code, svc.current)
	}
	if out := decode(t, rec); out["previous"] != string(domain.ModeLive) {
		t.Errorf("body = %v", out)
	}

	rec = serve("PUT /api/mode", h.SetMode, httptest.NewRequest(http.MethodPut, "/api/mode", strings.NewReader(`{"mode":"turbo"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode code = %d", rec.Code)
	}

	rec = serve("GET /api/mode", h.GetMode, httptest.NewRequest(http.MethodGet, "/api/mode", nil))
	if out := decode(t, rec); out["mode"] != string(domain.ModePaused) {
		t.Errorf("get body = %v", out)
	}
}

type fakeFinder struct {
	got struct {
		chainID uint64
		amount  *big.Int
		hops    int
	}
}

func (f *fakeFinder) FindArbitrageRoutes(_ context.Context, chainID uint64, _ common.Address, amount *big.Int, maxHops int) ([]domain.Route, error) {
	f.got.chainID, f.got.amount, f.got.hops = chainID, amount, maxHops
	return nil, nil
}

func TestRoutes_LiveSearchParsesQuery(t *testing.T) {
	finder := &fakeFinder{}
	h := NewRoutesHandler(finder, nil, 1, discard())

	rec := serve("GET /api/routes", h.ListRoutes, httptest.NewRequest(http.MethodGet, "/api/routes?token="+target+"&amount=1000&chain_id=10&max_hops=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	if finder.got.chainID != 10 || finder.got.amount.Int64() != 1000 || finder.got.hops != 2 {
		t.Errorf("finder got %+v", finder.got)
	}
	if out := decode(t, rec); out["source"] != "search" {
		t.Errorf("body = %v", out)
	}

	rec = serve("GET /api/routes", h.ListRoutes, httptest.NewRequest(http.MethodGet, "/api/routes?token="+target+"&amount=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero amount code = %d", rec.Code)
	}

	rec = serve("GET /api/routes", h.ListRoutes, httptest.NewRequest(http.MethodGet, "/api/routes", nil))
	if out := decode(t, rec); out["source"] != "scan" {
		t.Errorf("scan body = %v", out)
	}
}

type fakeExecutions struct {
	domain.ExecutionStore
	execs []domain.Execution
}

func (f fakeExecutions) ListRecent(_ context.Context, limit int) ([]domain.Execution, error) {
	return f.execs[:min(limit, len(f.execs))], nil
}

func (f fakeExecutions) GetByID(_ context.Context, id string) (domain.Execution, error) {
	for _, e := range f.execs {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.Execution{}, domain.ErrNotFound
}

func TestHistory_Executions(t *testing.T) {
	store := fakeExecutions{execs: []domain.Execution{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	h := NewHistoryHandler(store, nil, nil, discard())

	rec := serve("GET /api/executions/recent", h.RecentExecutions, httptest.NewRequest(http.MethodGet, "/api/executions/recent?limit=2", nil))
	if list := decode(t, rec)["executions"].([]any); len(list) != 2 {
		t.Errorf("len = %d", len(list))
	}

	rec = serve("GET /api/executions/{id}", h.GetExecution, httptest.NewRequest(http.MethodGet, "/api/executions/zz", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing code = %d", rec.Code)
	}

	rec = serve("GET /api/opportunities/recent", h.RecentOpportunities, httptest.NewRequest(http.MethodGet, "/api/opportunities/recent", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("unconfigured code = %d", rec.Code)
	}
}

func TestStatus_ReportsSources(t *testing.T) {
	mon := fakeMonitor{patterns: []domain.CompetitorPattern{{}, {}}}
	h := NewStatusHandler("full", time.Now().Add(-time.Minute), StatusSources{
		Mode:     &fakeMode{current: domain.ModeSimulate},
		Threat:   mon,
		Patterns: mon,
	})
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	out := decode(t, rec)
	if out["mode"] != "full" || out["execution_mode"] != string(domain.ModeSimulate) || out["tracked_competitors"] != float64(2) {
		t.Errorf("body = %v", out)
	}
}

func TestStatusFor(t *testing.T) {
	if got := statusFor(domain.ErrPaused); got != http.StatusServiceUnavailable {
		t.Errorf("paused = %d", got)
	}
	if got := statusFor(domain.ErrDuplicate); got != http.StatusConflict {
		t.Errorf("duplicate = %d", got)
	}
}
