package commit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"skyplan/internal/backend"
	"skyplan/internal/db"
	"skyplan/internal/domain"
	"skyplan/internal/migrate"
	"skyplan/internal/ordercache"
)

type hooksSpy struct {
	mu    sync.Mutex
	calls []string
}

func (h *hooksSpy) record(name string) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
}

func (h *hooksSpy) InvalidateSchedule()    { h.record("invalidate") }
func (h *hooksSpy) ClearTransientResults() { h.record("clear") }
func (h *hooksSpy) ShowScheduleView()      { h.record("show") }

func (h *hooksSpy) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *ordercache.Store, *hooksSpy) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cache, err := ordercache.Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}

	spy := &hooksSpy{}
	eng := New(backend.New(srv.URL, "ws1"), cache)
	eng.Hooks = spy
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	eng.NewID = func() string { return "fixed" }
	return eng, cache, spy
}

func threeItemSchedule() []domain.Opportunity {
	return []domain.Opportunity{
		{OpportunityID: "op1", SatelliteID: "S1", TargetID: "T1", StartTime: "2026-03-01T10:00:00Z", EndTime: "2026-03-01T10:01:00Z", Roll: f64(10), Value: 0.9},
		{OpportunityID: "op2", SatelliteID: "S1", TargetID: "T2", StartTime: "2026-03-01T10:05:00Z", EndTime: "2026-03-01T10:06:00Z", Roll: f64(11), Value: 0.8},
		{OpportunityID: "op3", SatelliteID: "S1", TargetID: "T3", StartTime: "2026-03-01T10:10:00Z", EndTime: "2026-03-01T10:11:00Z", Roll: f64(12), Value: 0.7},
	}
}

func TestPromoteNormalCommit(t *testing.T) {
	var gotReq backend.CommitRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/commit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(backend.CommitResponse{
			Success:        true,
			PlanID:         "plan_123",
			Committed:      3,
			AcquisitionIDs: []string{"a1", "a2", "a3"},
		})
	})
	eng, cache, spy := newTestEngine(t, handler)

	receipt, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(gotReq.Items) != 3 || gotReq.Algorithm != "genetic" || gotReq.Mode != "OPTICAL" {
		t.Fatalf("unexpected commit request: %+v", gotReq)
	}
	if gotReq.WorkspaceID != "ws1" {
		t.Fatalf("expected workspace id on request, got %q", gotReq.WorkspaceID)
	}
	if receipt.OrderID != "plan_123" {
		t.Fatalf("expected order id plan_123, got %s", receipt.OrderID)
	}
	if !reflect.DeepEqual(receipt.BackendAcquisitionIDs, []string{"a1", "a2", "a3"}) {
		t.Fatalf("unexpected acquisition ids: %v", receipt.BackendAcquisitionIDs)
	}
	if !reflect.DeepEqual(receipt.SatellitesInvolved, []string{"S1"}) {
		t.Fatalf("unexpected satellites: %v", receipt.SatellitesInvolved)
	}
	if !reflect.DeepEqual(receipt.TargetsCovered, []string{"T1", "T2", "T3"}) {
		t.Fatalf("unexpected targets: %v", receipt.TargetsCovered)
	}
	if got := cache.List(); len(got) != 1 {
		t.Fatalf("expected 1 cached receipt, got %d", len(got))
	}
	if want := []string{"invalidate", "clear", "show"}; !reflect.DeepEqual(spy.Calls(), want) {
		t.Fatalf("expected hooks %v, got %v", want, spy.Calls())
	}
}

func TestPromoteRepeatedPlanIDIsIdempotent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backend.CommitResponse{
			Success: true, PlanID: "plan_123", Committed: 3,
			AcquisitionIDs: []string{"a1", "a2", "a3"},
		})
	})
	eng, cache, _ := newTestEngine(t, handler)

	for i := 0; i < 2; i++ {
		if _, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()}); err != nil {
			t.Fatalf("promote %d: %v", i, err)
		}
	}
	if got := cache.List(); len(got) != 1 {
		t.Fatalf("expected 1 cached receipt after repeat, got %d", len(got))
	}
}

func TestPromoteRepairRecordsOnlyNewAcquisitions(t *testing.T) {
	var gotReq backend.RepairCommitRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/commit-repair" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Two acquisitions kept server-side, one created.
		json.NewEncoder(w).Encode(backend.CommitResponse{
			Success: true, PlanID: "plan_9", Committed: 3, Dropped: 1,
			AcquisitionIDs: []string{"acqY"},
		})
	})
	eng, cache, _ := newTestEngine(t, handler)

	result := domain.PlanningResult{
		Schedule:         threeItemSchedule(),
		RepairPlanID:     "plan_9",
		RepairDroppedIDs: []string{"acqX"},
	}
	receipt, err := eng.Promote(context.Background(), "repair", result)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if gotReq.PlanID != "plan_9" || !reflect.DeepEqual(gotReq.DropAcquisitionIDs, []string{"acqX"}) {
		t.Fatalf("unexpected repair request: %+v", gotReq)
	}
	if !reflect.DeepEqual(receipt.BackendAcquisitionIDs, []string{"acqY"}) {
		t.Fatalf("expected only the new acquisition, got %v", receipt.BackendAcquisitionIDs)
	}
	if got, err := cache.Get("plan_9"); err != nil || !reflect.DeepEqual(got.BackendAcquisitionIDs, []string{"acqY"}) {
		t.Fatalf("cached receipt mismatch: %+v err=%v", got, err)
	}
}

func TestPromoteBackendRejectionHasNoSideEffects(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backend.CommitResponse{Success: false, Message: "window conflict"})
	})
	eng, cache, spy := newTestEngine(t, handler)

	_, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(cache.List()) != 0 {
		t.Fatalf("cache must stay empty on rejection")
	}
	if len(spy.Calls()) != 0 {
		t.Fatalf("hooks must not fire on rejection, got %v", spy.Calls())
	}
}

func TestPromoteTransportErrorHasNoSideEffects(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})
	eng, cache, spy := newTestEngine(t, handler)

	_, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()})
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected wrapped APIError 503, got %v", err)
	}
	if len(cache.List()) != 0 || len(spy.Calls()) != 0 {
		t.Fatalf("no local effects allowed on transport error")
	}
}

func TestPromoteEmptyScheduleRejectedLocally(t *testing.T) {
	requests := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	})
	eng, _, _ := newTestEngine(t, handler)

	_, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{})
	if !errors.Is(err, ErrEmptySchedule) {
		t.Fatalf("expected ErrEmptySchedule, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("empty schedule must not reach the backend")
	}
}

func TestPromoteFallbackOrderIDWhenPlanIDMissing(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backend.CommitResponse{Success: true, Committed: 3})
	})
	eng, _, _ := newTestEngine(t, handler)

	receipt, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if receipt.OrderID != "local-fixed" {
		t.Fatalf("expected local fallback id, got %s", receipt.OrderID)
	}
	if receipt.BackendAcquisitionIDs == nil || len(receipt.BackendAcquisitionIDs) != 0 {
		t.Fatalf("expected empty non-nil acquisition list, got %v", receipt.BackendAcquisitionIDs)
	}
}

func TestPromoteSecondCallWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		json.NewEncoder(w).Encode(backend.CommitResponse{Success: true, PlanID: "plan_1"})
	})
	eng, _, _ := newTestEngine(t, handler)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()})
		done <- err
	}()
	<-entered

	_, err := eng.Promote(context.Background(), "genetic", domain.PlanningResult{Schedule: threeItemSchedule()})
	if !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected ErrCommitInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first promote: %v", err)
	}
}
