package batch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"skyplan/internal/backend"
	"skyplan/internal/domain"
)

// fakeBackend serves the batch endpoints with a single in-memory batch.
type fakeBackend struct {
	requests atomic.Int64
	status   string
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/batch":
			f.status = "draft"
			json.NewEncoder(w).Encode(map[string]any{"batch": f.batch()})
		case r.Method == http.MethodGet && r.URL.Path == "/batch":
			batches := []domain.Batch{}
			if f.status != "" {
				batches = append(batches, f.batch())
			}
			json.NewEncoder(w).Encode(map[string]any{"batches": batches})
		case strings.HasSuffix(r.URL.Path, "/plan"):
			f.status = "planned"
			json.NewEncoder(w).Encode(backend.PlanBatchResponse{
				OrdersSatisfied:     2,
				OrdersUnsatisfied:   1,
				AcquisitionsPlanned: 5,
				ComputeTimeMS:       120,
				UnsatisfiedOrders:   []domain.UnsatisfiedOrder{{OrderID: "o3", Reason: "no visibility window"}},
			})
		case strings.HasSuffix(r.URL.Path, "/commit"):
			f.status = "committed"
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			f.status = "cancelled"
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/policies":
			json.NewEncoder(w).Encode(map[string]any{
				"policies":       []domain.Policy{{ID: "max-value", Name: "Maximize value"}},
				"default_policy": "max-value",
			})
		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeBackend) batch() domain.Batch {
	return domain.Batch{
		ID:       "b1",
		PolicyID: "max-value",
		Status:   f.status,
		Orders: []domain.OrderSummary{
			{OrderID: "o1", TargetID: "T1", Priority: 3, Status: "queued"},
			{OrderID: "o2", TargetID: "T2", Priority: 2, Status: "queued"},
		},
		CreatedAt: "2026-03-01T09:00:00Z",
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)
	return NewManager(backend.New(srv.URL, "ws1")), fb
}

func TestCreateRequiresOrders(t *testing.T) {
	m, fb := newTestManager(t)
	if _, err := m.Create(context.Background(), nil, "max-value"); !errors.Is(err, ErrEmptyOrders) {
		t.Fatalf("expected ErrEmptyOrders, got %v", err)
	}
	if fb.requests.Load() != 0 {
		t.Fatal("invalid create must not reach the backend")
	}
}

func TestCreateResolvesBackendDefaultPolicy(t *testing.T) {
	m, _ := newTestManager(t)
	b, err := m.Create(context.Background(), []string{"o1", "o2"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.PolicyID != "max-value" || b.Status != "draft" {
		t.Fatalf("unexpected batch: %+v", b)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	m, _ := newTestManager(t)
	b, err := m.Create(context.Background(), []string{"o1", "o2"}, "max-value")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	b, err = m.Plan(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if b.Status != "planned" {
		t.Fatalf("expected planned, got %s", b.Status)
	}
	if b.Diagnostics == nil || b.Diagnostics.OrdersSatisfied != 2 || b.Diagnostics.AcquisitionsPlanned != 5 {
		t.Fatalf("missing diagnostics: %+v", b.Diagnostics)
	}
	if len(b.Diagnostics.Unsatisfied) != 1 || b.Diagnostics.Unsatisfied[0].OrderID != "o3" {
		t.Fatalf("unexpected unsatisfied orders: %v", b.Diagnostics.Unsatisfied)
	}

	b, err = m.Commit(context.Background(), b.ID, "soft")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if b.Status != "committed" {
		t.Fatalf("expected committed, got %s", b.Status)
	}
}

func TestIllegalTransitionsRejectedLocally(t *testing.T) {
	m, fb := newTestManager(t)
	b, err := m.Create(context.Background(), []string{"o1"}, "max-value")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := fb.requests.Load()

	// Commit from draft skips the plan step.
	var te *TransitionError
	if _, err := m.Commit(context.Background(), b.ID, "none"); !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.Op != "commit" || te.Status != "draft" {
		t.Fatalf("unexpected transition error: %+v", te)
	}
	if fb.requests.Load() != before {
		t.Fatal("illegal transition must not reach the backend")
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	m, fb := newTestManager(t)
	b, err := m.Create(context.Background(), []string{"o1"}, "max-value")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before := fb.requests.Load()

	for _, op := range []func() error{
		func() error { _, err := m.Plan(context.Background(), b.ID); return err },
		func() error { _, err := m.Commit(context.Background(), b.ID, "none"); return err },
		func() error { _, err := m.Cancel(context.Background(), b.ID); return err },
	} {
		var te *TransitionError
		if err := op(); !errors.As(err, &te) {
			t.Fatalf("expected TransitionError from cancelled batch, got %v", err)
		}
	}
	if fb.requests.Load() != before {
		t.Fatal("terminal batch operations must not reach the backend")
	}
}

func TestPlanFailureKeepsDraft(t *testing.T) {
	fb := &fakeBackend{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/plan") {
			http.Error(w, `{"error":"optimizer unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		fb.handler().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	m := NewManager(backend.New(srv.URL, "ws1"))

	b, err := m.Create(context.Background(), []string{"o1"}, "max-value")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Plan(context.Background(), b.ID); err == nil {
		t.Fatal("expected plan failure")
	}
	got, err := m.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "draft" {
		t.Fatalf("batch must stay draft after failed plan, got %s", got.Status)
	}
	// Retry is legal while draft.
	if err := ensureTransition(b.ID, got.Status, "plan"); err != nil {
		t.Fatalf("plan retry must be legal: %v", err)
	}
}

func TestCommitValidatesLockLevel(t *testing.T) {
	m, fb := newTestManager(t)
	if _, err := m.Commit(context.Background(), "b1", "extreme"); !errors.Is(err, ErrBadLockLevel) {
		t.Fatalf("expected ErrBadLockLevel, got %v", err)
	}
	if fb.requests.Load() != 0 {
		t.Fatal("invalid lock level must not reach the backend")
	}
}

func TestRefreshReplacesCache(t *testing.T) {
	m, fb := newTestManager(t)
	if _, err := m.Create(context.Background(), []string{"o1"}, "max-value"); err != nil {
		t.Fatalf("create: %v", err)
	}
	fb.status = "planned" // server moved on without us
	batches, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(batches) != 1 || batches[0].Status != "planned" {
		t.Fatalf("expected server state after refresh, got %v", batches)
	}
	got, err := m.Get("b1")
	if err != nil || got.Status != "planned" {
		t.Fatalf("cache not replaced: %+v err=%v", got, err)
	}
}
