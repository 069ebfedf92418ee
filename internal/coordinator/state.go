package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flashguard/internal/domain"
)

// State is a step of the protection state machine.
type State string

const (
	StateIdle          State = "idle"
	StateCommitted     State = "committed"
	StateWaitingMinAge State = "waiting_min_age"
	StateBundleBuilt   State = "bundle_built"
	StateSubmitted     State = "submitted"
	StateIncluded      State = "included"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateIncluded || s == StateFailed || s == StateCancelled
}

// Revealed reports whether the reveal may already be public.
func (s State) Revealed() bool {
	return s == StateSubmitted || s == StateIncluded
}

// Status is a point-in-time view of one protection request.
type Status struct {
	RequestID      string      `json:"request_id"`
	State          State       `json:"state"`
	CommitmentHash common.Hash `json:"commitment_hash"`
	Attempt        int         `json:"attempt"`
	TargetBlock    uint64      `json:"target_block,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// flight tracks one running Protect call.
type flight struct {
	mu        sync.Mutex
	status    Status
	submitted bool
	cancelled bool
	abort     context.CancelFunc
	done      chan struct{}
	err       error
}

func newFlight(id string, abort context.CancelFunc) *flight {
	return &flight{
		status: Status{RequestID: id, State: StateIdle, UpdatedAt: time.Now().UTC()},
		abort:  abort,
		done:   make(chan struct{}),
	}
}

// advance moves the flight to s. Moving into Submitted fails once a cancel
// was accepted, so nothing is revealed after Cancel returns successfully.
func (f *flight) advance(s State, attempt int, target uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled && !s.Terminal() {
		return domain.ErrCancelled
	}
	if s == StateSubmitted {
		f.submitted = true
	}
	f.status.State = s
	f.status.Attempt = attempt
	if target != 0 {
		f.status.TargetBlock = target
	}
	f.status.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *flight) setHash(h common.Hash) {
	f.mu.Lock()
	f.status.CommitmentHash = h
	f.mu.Unlock()
}

func (f *flight) requestCancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitted || f.status.State.Revealed() {
		return fmt.Errorf("%w: request %s", domain.ErrAlreadyRevealed, f.status.RequestID)
	}
	if f.status.State.Terminal() {
		return fmt.Errorf("coordinator: request %s already %s", f.status.RequestID, f.status.State)
	}
	f.cancelled = true
	f.abort()
	return nil
}

func (f *flight) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *flight) snapshot() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *flight) finish(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.done)
}

// flights indexes requests by ID. Finished flights stay visible to Status
// for the retention period.
type flights struct {
	mu      sync.Mutex
	byID    map[string]*flight
	retain  time.Duration
	expires map[string]time.Time
}

func newFlights(retain time.Duration) *flights {
	return &flights{
		byID:    make(map[string]*flight),
		retain:  retain,
		expires: make(map[string]time.Time),
	}
}

func (fs *flights) start(id string, f *flight) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	for k, exp := range fs.expires {
		if now.After(exp) {
			delete(fs.expires, k)
			delete(fs.byID, k)
		}
	}
	if _, ok := fs.byID[id]; ok {
		return fmt.Errorf("coordinator: request %s: %w", id, domain.ErrAlreadyExists)
	}
	fs.byID[id] = f
	return nil
}

func (fs *flights) get(id string) (*flight, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.byID[id]
	return f, ok
}

func (fs *flights) done(id string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.expires[id] = time.Now().Add(fs.retain)
}

func (fs *flights) active() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.byID) - len(fs.expires)
}
