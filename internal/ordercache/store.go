package ordercache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"skyplan/internal/domain"
)

// StorageKey is the local_state row under which the receipt collection is
// serialized as a JSON array.
const StorageKey = "accepted_orders"

var ErrNotFound = errors.New("not found")

// Store holds the client's AcceptedOrder receipts, deduplicated by order id.
// It is constructed explicitly with a database handle; every mutation rewrites
// the full collection to storage so the on-disk state always matches memory.
type Store struct {
	db  *sql.DB
	Now func() time.Time

	mu     sync.Mutex
	orders []domain.AcceptedOrder
	subs   []func([]domain.AcceptedOrder)
}

// Open loads the persisted collection, applying the same dedup pass used for
// appends to repair any duplicates written by earlier versions.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db, Now: time.Now}
	var payload string
	err := db.QueryRowContext(ctx, `SELECT payload_json FROM local_state WHERE key=?`, StorageKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var orders []domain.AcceptedOrder
	if err := json.Unmarshal([]byte(payload), &orders); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StorageKey, err)
	}
	deduped := dedup(orders)
	s.orders = deduped
	if len(deduped) != len(orders) {
		if err := s.persist(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append adds a receipt unless one with the same order id already exists.
// The existing entry is kept untouched; a retried commit that lands on the
// same plan id is therefore a no-op.
func (s *Store) Append(ctx context.Context, order domain.AcceptedOrder) error {
	if order.OrderID == "" {
		return fmt.Errorf("accepted order missing order_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orders {
		if existing.OrderID == order.OrderID {
			return nil
		}
	}
	s.orders = append(s.orders, order)
	if err := s.persist(ctx); err != nil {
		s.orders = s.orders[:len(s.orders)-1]
		return err
	}
	s.notify()
	return nil
}

// List returns a copy of the current receipts.
func (s *Store) List() []domain.AcceptedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AcceptedOrder, len(s.orders))
	copy(out, s.orders)
	return out
}

// Get returns the receipt with the given order id.
func (s *Store) Get(orderID string) (domain.AcceptedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return domain.AcceptedOrder{}, ErrNotFound
}

// Remove deletes one receipt by order id.
func (s *Store) Remove(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.orders {
		if o.OrderID == orderID {
			old := s.orders
			s.orders = append(append([]domain.AcceptedOrder{}, old[:i]...), old[i+1:]...)
			if err := s.persist(ctx); err != nil {
				s.orders = old
				return err
			}
			s.notify()
			return nil
		}
	}
	return ErrNotFound
}

// Clear drops all receipts.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.orders
	s.orders = nil
	if err := s.persist(ctx); err != nil {
		s.orders = old
		return err
	}
	s.notify()
	return nil
}

// Replace swaps the whole collection, applying the dedup pass. Used by
// workspace restore; receipts are never partially edited.
func (s *Store) Replace(ctx context.Context, orders []domain.AcceptedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.orders
	s.orders = dedup(orders)
	if err := s.persist(ctx); err != nil {
		s.orders = old
		return err
	}
	s.notify()
	return nil
}

// Subscribe registers a callback invoked with the full collection after every
// mutation. Collaborating views (schedule list, map overlays) read from here.
func (s *Store) Subscribe(fn func([]domain.AcceptedOrder)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) persist(ctx context.Context) error {
	collection := s.orders
	if collection == nil {
		collection = []domain.AcceptedOrder{}
	}
	payload, err := json.Marshal(collection)
	if err != nil {
		return fmt.Errorf("encode %s: %w", StorageKey, err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `INSERT INTO local_state(key,payload_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		StorageKey, string(payload), now)
	return err
}

// notify runs under s.mu; callbacks get their own copy.
func (s *Store) notify() {
	out := make([]domain.AcceptedOrder, len(s.orders))
	copy(out, s.orders)
	for _, fn := range s.subs {
		fn(out)
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func dedup(orders []domain.AcceptedOrder) []domain.AcceptedOrder {
	seen := map[string]bool{}
	var out []domain.AcceptedOrder
	for _, o := range orders {
		if o.OrderID == "" || seen[o.OrderID] {
			continue
		}
		seen[o.OrderID] = true
		out = append(out, o)
	}
	return out
}
