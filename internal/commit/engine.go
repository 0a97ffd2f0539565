package commit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"skyplan/internal/backend"
	"skyplan/internal/domain"
	"skyplan/internal/events"
	"skyplan/internal/ordercache"
)

var (
	// ErrEmptySchedule is a local validation error; nothing is sent.
	ErrEmptySchedule = errors.New("schedule is empty")
	// ErrCommitInFlight rejects a second promote while one is outstanding.
	// Commits are not cancellable once issued.
	ErrCommitInFlight = errors.New("a commit is already in flight")
	// ErrRejected marks a business rejection: the backend answered but
	// refused the commit. Local state is untouched.
	ErrRejected = errors.New("commit rejected by backend")
)

// UIHooks are the side effects owed to the surrounding application after a
// confirmed commit. They must never fire on a failed or rejected commit.
type UIHooks interface {
	// InvalidateSchedule marks the current-schedule query stale so the next
	// read reflects server truth.
	InvalidateSchedule()
	// ClearTransientResults drops pending analysis/planning results and
	// preview overlays tied to the just-committed run.
	ClearTransientResults()
	// ShowScheduleView switches the active view to the schedule.
	ShowScheduleView()
}

type nopHooks struct{}

func (nopHooks) InvalidateSchedule()    {}
func (nopHooks) ClearTransientResults() {}
func (nopHooks) ShowScheduleView()      {}

// Engine drives one freshly computed schedule through the normal or repair
// commit protocol and, on confirmed success only, records the local receipt.
type Engine struct {
	Backend   *backend.Client
	Cache     *ordercache.Store
	Events    *events.Writer
	Hooks     UIHooks
	LockLevel string
	Now       func() time.Time
	NewID     func() string

	mu       sync.Mutex
	inFlight bool
}

func New(bc *backend.Client, cache *ordercache.Store) *Engine {
	return &Engine{
		Backend:   bc,
		Cache:     cache,
		Hooks:     nopHooks{},
		LockLevel: "none",
		Now:       time.Now,
		NewID:     func() string { return uuid.New().String() },
	}
}

type commitKind int

const (
	kindNormal commitKind = iota
	kindRepair
)

// commitRequest is the tagged union deciding the protocol once, where the
// planning result is consumed, instead of re-inferring it at each call site.
type commitRequest struct {
	kind   commitKind
	normal backend.CommitRequest
	repair backend.RepairCommitRequest
}

func (e *Engine) newCommitRequest(algorithm string, result domain.PlanningResult) (commitRequest, error) {
	mode := ModeFor(result.Schedule)
	if result.RepairPlanID != "" {
		return commitRequest{
			kind: kindRepair,
			repair: backend.RepairCommitRequest{
				PlanID:             result.RepairPlanID,
				DropAcquisitionIDs: result.RepairDroppedIDs,
				LockLevel:          e.lockLevel(),
				Mode:               mode,
			},
		}, nil
	}
	if len(result.Schedule) == 0 {
		return commitRequest{}, ErrEmptySchedule
	}
	return commitRequest{
		kind: kindNormal,
		normal: backend.CommitRequest{
			Items:     BuildItems(result.Schedule),
			Algorithm: algorithm,
			Mode:      mode,
			LockLevel: e.lockLevel(),
		},
	}, nil
}

// Promote persists one planning run as a commitment. Repair protocol is
// selected by the presence of a repair plan id. Any transport error or a
// success=false response aborts with zero side effects; the caller retries
// explicitly, which is safe because the cache append is idempotent by plan id.
func (e *Engine) Promote(ctx context.Context, algorithm string, result domain.PlanningResult) (domain.AcceptedOrder, error) {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return domain.AcceptedOrder{}, ErrCommitInFlight
	}
	e.inFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	req, err := e.newCommitRequest(algorithm, result)
	if err != nil {
		return domain.AcceptedOrder{}, err
	}

	var resp backend.CommitResponse
	switch req.kind {
	case kindRepair:
		resp, err = e.Backend.CommitRepair(ctx, req.repair)
	default:
		resp, err = e.Backend.Commit(ctx, req.normal)
	}
	if err != nil {
		return domain.AcceptedOrder{}, fmt.Errorf("commit: %w", err)
	}
	if !resp.Success {
		if resp.Message != "" {
			return domain.AcceptedOrder{}, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
		}
		return domain.AcceptedOrder{}, ErrRejected
	}

	receipt := e.buildReceipt(algorithm, result, resp)
	if err := e.Cache.Append(ctx, receipt); err != nil {
		return domain.AcceptedOrder{}, fmt.Errorf("record receipt: %w", err)
	}
	e.logAccepted(ctx, req, receipt, resp)
	e.hooks().InvalidateSchedule()
	e.hooks().ClearTransientResults()
	e.hooks().ShowScheduleView()
	return receipt, nil
}

// buildReceipt runs only after a confirmed success. For both protocols the
// response's acquisition ids are recorded as-is: a normal commit creates
// every item, and a repair response lists only the newly created ids, so
// kept acquisitions are never attributed to this receipt.
func (e *Engine) buildReceipt(algorithm string, result domain.PlanningResult, resp backend.CommitResponse) domain.AcceptedOrder {
	now := e.now().UTC().Format(time.RFC3339)
	orderID := resp.PlanID
	if orderID == "" {
		orderID = "local-" + e.newID()
	}
	items := BuildItems(result.Schedule)
	acquisitions := resp.AcquisitionIDs
	if acquisitions == nil {
		acquisitions = []string{}
	}
	return domain.AcceptedOrder{
		OrderID:               orderID,
		Name:                  fmt.Sprintf("%s %s", algorithm, now),
		CreatedAt:             now,
		Algorithm:             algorithm,
		Metrics:               result.Metrics,
		Schedule:              buildScheduleEntries(items),
		SatellitesInvolved:    distinct(items, func(i domain.CommitItem) string { return i.SatelliteID }),
		TargetsCovered:        distinct(items, func(i domain.CommitItem) string { return i.TargetID }),
		BackendAcquisitionIDs: acquisitions,
		TargetPositions:       result.TargetPositions,
	}
}

func (e *Engine) logAccepted(ctx context.Context, req commitRequest, receipt domain.AcceptedOrder, resp backend.CommitResponse) {
	if e.Events == nil {
		return
	}
	payload := events.EventPayload{
		"algorithm":    receipt.Algorithm,
		"plan_id":      resp.PlanID,
		"committed":    resp.Committed,
		"acquisitions": len(receipt.BackendAcquisitionIDs),
	}
	if req.kind == kindRepair {
		outcome := domain.RepairOutcome{
			Committed:      resp.Committed,
			Dropped:        resp.Dropped,
			AcquisitionIDs: resp.AcquisitionIDs,
		}
		payload["repair"] = outcome
	}
	_ = e.Events.Append(ctx, "commit.accepted", "accepted_order", receipt.OrderID, payload)
}

func (e *Engine) hooks() UIHooks {
	if e.Hooks != nil {
		return e.Hooks
	}
	return nopHooks{}
}

func (e *Engine) lockLevel() string {
	if e.LockLevel == "" {
		return "none"
	}
	return e.LockLevel
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.New().String()
}

func distinct(items []domain.CommitItem, key func(domain.CommitItem) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range items {
		k := key(item)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
