package ordercache

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"skyplan/internal/db"
	"skyplan/internal/domain"
	"skyplan/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func receipt(orderID string) domain.AcceptedOrder {
	return domain.AcceptedOrder{
		OrderID:               orderID,
		Name:                  "genetic 2026-03-01T12:00:00Z",
		CreatedAt:             "2026-03-01T12:00:00Z",
		Algorithm:             "genetic",
		Schedule:              []domain.ScheduleEntry{{OpportunityID: "op1", SatelliteID: "S1", TargetID: "T1"}},
		SatellitesInvolved:    []string{"S1"},
		TargetsCovered:        []string{"T1"},
		BackendAcquisitionIDs: []string{"a1"},
	}
}

func TestAppendDeduplicatesByOrderID(t *testing.T) {
	conn := newTestDB(t)
	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	first := receipt("plan_1")
	if err := s.Append(context.Background(), first); err != nil {
		t.Fatalf("append: %v", err)
	}
	dup := receipt("plan_1")
	dup.Name = "different name"
	if err := s.Append(context.Background(), dup); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	orders := s.List()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	// The first entry wins; a duplicate append never edits it.
	if orders[0].Name != first.Name {
		t.Fatalf("existing receipt was modified: %s", orders[0].Name)
	}
}

func TestAppendRejectsMissingOrderID(t *testing.T) {
	conn := newTestDB(t)
	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Append(context.Background(), domain.AcceptedOrder{}); err == nil {
		t.Fatal("expected error for missing order_id")
	}
}

func TestPersistAndReload(t *testing.T) {
	conn := newTestDB(t)
	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, id := range []string{"plan_1", "plan_2"} {
		if err := s.Append(context.Background(), receipt(id)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	reloaded, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	orders := reloaded.List()
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders after reload, got %d", len(orders))
	}
	if orders[0].OrderID != "plan_1" || orders[1].OrderID != "plan_2" {
		t.Fatalf("order lost on reload: %v", orders)
	}
}

func TestOpenRepairsDuplicatedStorage(t *testing.T) {
	conn := newTestDB(t)
	// Simulate a collection written with duplicates by an earlier version.
	raw, _ := json.Marshal([]domain.AcceptedOrder{receipt("plan_1"), receipt("plan_1"), receipt("plan_2")})
	if _, err := conn.Exec(`INSERT INTO local_state(key,payload_json,updated_at) VALUES (?,?,?)`,
		StorageKey, string(raw), "2026-03-01T00:00:00Z"); err != nil {
		t.Fatalf("seed local_state: %v", err)
	}

	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if got := s.List(); len(got) != 2 {
		t.Fatalf("expected deduped collection, got %d entries", len(got))
	}

	// The repaired collection must have been written back.
	var payload string
	if err := conn.QueryRow(`SELECT payload_json FROM local_state WHERE key=?`, StorageKey).Scan(&payload); err != nil {
		t.Fatalf("read back: %v", err)
	}
	var persisted []domain.AcceptedOrder
	if err := json.Unmarshal([]byte(payload), &persisted); err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected repaired storage with 2 entries, got %d", len(persisted))
	}
}

func TestRemoveAndClear(t *testing.T) {
	conn := newTestDB(t)
	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for _, id := range []string{"plan_1", "plan_2", "plan_3"} {
		if err := s.Append(context.Background(), receipt(id)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	if err := s.Remove(context.Background(), "plan_2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(context.Background(), "plan_2"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	if got := s.List(); len(got) != 2 {
		t.Fatalf("expected 2 after remove, got %d", len(got))
	}

	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected empty after clear, got %d", len(got))
	}
}

func TestSubscribeNotifiedOnMutation(t *testing.T) {
	conn := newTestDB(t)
	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	var seen [][]domain.AcceptedOrder
	s.Subscribe(func(orders []domain.AcceptedOrder) {
		seen = append(seen, orders)
	})

	if err := s.Append(context.Background(), receipt("plan_1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Duplicate append is a no-op and must not notify.
	if err := s.Append(context.Background(), receipt("plan_1")); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(seen))
	}
	if len(seen[0]) != 1 || len(seen[1]) != 0 {
		t.Fatalf("unexpected notification payloads: %v", seen)
	}
}

func TestReplaceDeduplicates(t *testing.T) {
	conn := newTestDB(t)
	s, err := Open(context.Background(), conn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Replace(context.Background(), []domain.AcceptedOrder{
		receipt("plan_1"), receipt("plan_2"), receipt("plan_1"), {},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := s.List(); len(got) != 2 {
		t.Fatalf("expected 2 after replace, got %d", len(got))
	}
}
