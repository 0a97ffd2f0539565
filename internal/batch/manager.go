package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"skyplan/internal/backend"
	"skyplan/internal/domain"
	"skyplan/internal/events"
)

var (
	// Local validation errors; nothing is sent to the backend.
	ErrEmptyOrders  = errors.New("batch requires at least one order")
	ErrNoPolicy     = errors.New("no optimization policy resolved")
	ErrBadLockLevel = errors.New("lock level must be none, soft or hard")

	ErrNotFound = errors.New("batch not found")
	// ErrTransitionInFlight rejects a second plan/commit/cancel on the same
	// batch while one is outstanding.
	ErrTransitionInFlight = errors.New("batch transition already in flight")
)

// TransitionError is returned when an operation is illegal for the batch's
// last confirmed status. It is raised locally, before any request is made.
type TransitionError struct {
	BatchID string
	Status  string
	Op      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s batch %s in status %s", e.Op, e.BatchID, e.Status)
}

// ensureTransition encodes the only legal edges: draft->planned,
// planned->committed, {draft,planned}->cancelled. Committed and cancelled
// are terminal.
func ensureTransition(batchID, status, op string) error {
	switch op {
	case "plan":
		if status == "draft" {
			return nil
		}
	case "commit":
		if status == "planned" {
			return nil
		}
	case "cancel":
		if status == "draft" || status == "planned" {
			return nil
		}
	}
	return &TransitionError{BatchID: batchID, Status: status, Op: op}
}

// Manager drives batches through draft -> planned -> committed | cancelled.
// It holds a read-through cache of the last confirmed server state per batch
// and never applies a transition before the backend confirms it.
type Manager struct {
	Backend       *backend.Client
	Events        *events.Writer
	DefaultPolicy string

	mu       sync.Mutex
	batches  map[string]domain.Batch
	inFlight map[string]bool
}

func NewManager(bc *backend.Client) *Manager {
	return &Manager{
		Backend:  bc,
		batches:  map[string]domain.Batch{},
		inFlight: map[string]bool{},
	}
}

// Create validates locally, resolves the policy (explicit, configured
// default, then backend default) and creates a draft batch.
func (m *Manager) Create(ctx context.Context, orderIDs []string, policyID string) (domain.Batch, error) {
	if len(orderIDs) == 0 {
		return domain.Batch{}, ErrEmptyOrders
	}
	policy, err := m.resolvePolicy(ctx, policyID)
	if err != nil {
		return domain.Batch{}, err
	}
	b, err := m.Backend.CreateBatch(ctx, policy, orderIDs)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	m.put(b)
	m.log(ctx, "batch.created", b.ID, events.EventPayload{"policy_id": policy, "orders": len(orderIDs)})
	return b, nil
}

// Plan invokes the optimizer for a draft batch. On failure the batch stays
// draft and plan may be retried; once planned, plan is no longer legal.
func (m *Manager) Plan(ctx context.Context, batchID string) (domain.Batch, error) {
	b, release, err := m.begin(batchID, "plan")
	if err != nil {
		return b, err
	}
	defer release()

	resp, err := m.Backend.PlanBatch(ctx, batchID)
	if err != nil {
		return b, fmt.Errorf("plan batch %s: %w", batchID, err)
	}
	b.Status = "planned"
	b.Diagnostics = &domain.PlanDiagnostics{
		OrdersSatisfied:     resp.OrdersSatisfied,
		OrdersUnsatisfied:   resp.OrdersUnsatisfied,
		AcquisitionsPlanned: resp.AcquisitionsPlanned,
		ComputeTimeMS:       resp.ComputeTimeMS,
		Unsatisfied:         resp.UnsatisfiedOrders,
	}
	m.put(b)
	m.log(ctx, "batch.planned", b.ID, events.EventPayload{
		"orders_satisfied":   resp.OrdersSatisfied,
		"orders_unsatisfied": resp.OrdersUnsatisfied,
	})
	return b, nil
}

// Commit commits a planned batch. The batch's orders leave the inbox on the
// server. No local receipt is written; the schedule view re-reads server
// state.
func (m *Manager) Commit(ctx context.Context, batchID, lockLevel string) (domain.Batch, error) {
	if lockLevel != "" && lockLevel != "none" && lockLevel != "soft" && lockLevel != "hard" {
		return domain.Batch{}, ErrBadLockLevel
	}
	if lockLevel == "" {
		lockLevel = "none"
	}
	b, release, err := m.begin(batchID, "commit")
	if err != nil {
		return b, err
	}
	defer release()

	if err := m.Backend.CommitBatch(ctx, batchID, lockLevel); err != nil {
		return b, fmt.Errorf("commit batch %s: %w", batchID, err)
	}
	b.Status = "committed"
	m.put(b)
	m.log(ctx, "batch.committed", b.ID, events.EventPayload{"lock_level": lockLevel})
	return b, nil
}

// Cancel returns the batch's orders to the inbox. Not legal once committed:
// committed acquisitions are not rolled back by cancel.
func (m *Manager) Cancel(ctx context.Context, batchID string) (domain.Batch, error) {
	b, release, err := m.begin(batchID, "cancel")
	if err != nil {
		return b, err
	}
	defer release()

	if err := m.Backend.CancelBatch(ctx, batchID); err != nil {
		return b, fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	b.Status = "cancelled"
	m.put(b)
	m.log(ctx, "batch.cancelled", b.ID, nil)
	return b, nil
}

// Get returns the last confirmed state of one batch.
func (m *Manager) Get(batchID string) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return domain.Batch{}, ErrNotFound
	}
	return b, nil
}

// List returns the last confirmed state of all known batches.
func (m *Manager) List() []domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	return out
}

// Refresh replaces the cached batches with the server's current set.
func (m *Manager) Refresh(ctx context.Context) ([]domain.Batch, error) {
	batches, err := m.Backend.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.batches = map[string]domain.Batch{}
	for _, b := range batches {
		m.batches[b.ID] = b
	}
	m.mu.Unlock()
	return batches, nil
}

// begin checks transition legality against the last confirmed status and
// marks the batch in flight. The returned release must be deferred.
func (m *Manager) begin(batchID, op string) (domain.Batch, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return domain.Batch{}, nil, ErrNotFound
	}
	if err := ensureTransition(batchID, b.Status, op); err != nil {
		return b, nil, err
	}
	if m.inFlight[batchID] {
		return b, nil, ErrTransitionInFlight
	}
	m.inFlight[batchID] = true
	release := func() {
		m.mu.Lock()
		delete(m.inFlight, batchID)
		m.mu.Unlock()
	}
	return b, release, nil
}

func (m *Manager) put(b domain.Batch) {
	m.mu.Lock()
	m.batches[b.ID] = b
	m.mu.Unlock()
}

func (m *Manager) resolvePolicy(ctx context.Context, policyID string) (string, error) {
	if policyID != "" {
		return policyID, nil
	}
	if m.DefaultPolicy != "" {
		return m.DefaultPolicy, nil
	}
	_, def, err := m.Backend.Policies(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve default policy: %w", err)
	}
	if def == "" {
		return "", ErrNoPolicy
	}
	return def, nil
}

func (m *Manager) log(ctx context.Context, evtType, batchID string, payload events.EventPayload) {
	if m.Events == nil {
		return
	}
	_ = m.Events.Append(ctx, evtType, "batch", batchID, payload)
}
