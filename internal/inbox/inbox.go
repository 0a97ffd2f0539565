package inbox

import (
	"context"
	"errors"
	"strings"
	"sync"

	"skyplan/internal/backend"
	"skyplan/internal/domain"
	"skyplan/internal/events"
)

// ErrStale marks a fetch whose result was superseded by a newer fetch
// before it returned. The stale result is discarded, never displayed.
var ErrStale = errors.New("inbox fetch superseded")

// Filter narrows the cached inbox locally, without a refetch. Scoring
// stays on the backend; these only hide rows.
type Filter struct {
	TargetContains string
	ScoreMin       float64
	Status         string
}

func (f Filter) match(so domain.ScoredOrder) bool {
	if f.TargetContains != "" && !strings.Contains(so.Order.TargetID, f.TargetContains) {
		return false
	}
	if f.ScoreMin > 0 && so.Score < f.ScoreMin {
		return false
	}
	if f.Status != "" && so.Order.Status != f.Status {
		return false
	}
	return true
}

// View is the client side of the standing-order inbox. It caches the last
// confirmed fetch, applies local filters on top and tracks an ephemeral
// selection that is never persisted.
type View struct {
	Backend *backend.Client
	Events  *events.Writer

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	filters    backend.InboxFilters
	local      Filter
	orders     []domain.ScoredOrder
	selected   map[string]bool
}

func NewView(bc *backend.Client) *View {
	return &View{Backend: bc, selected: map[string]bool{}}
}

// Fetch queries the backend-scored inbox. Only the newest fetch may land:
// an older in-flight request is cancelled and its result, if it arrives
// anyway, is discarded with ErrStale.
func (v *View) Fetch(ctx context.Context, f backend.InboxFilters) ([]domain.ScoredOrder, error) {
	v.mu.Lock()
	v.generation++
	gen := v.generation
	if v.cancel != nil {
		v.cancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.filters = f
	v.mu.Unlock()

	orders, err := v.Backend.OrdersInbox(fctx, f)
	cancel()

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.generation {
		return nil, ErrStale
	}
	v.cancel = nil
	if err != nil {
		return nil, err
	}
	v.orders = orders
	v.pruneSelectionLocked()
	return orders, nil
}

// Orders returns the last confirmed fetch result.
func (v *View) Orders() []domain.ScoredOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.ScoredOrder, len(v.orders))
	copy(out, v.orders)
	return out
}

// SetLocalFilter replaces the local filter. No network traffic.
func (v *View) SetLocalFilter(f Filter) {
	v.mu.Lock()
	v.local = f
	v.mu.Unlock()
}

// Visible returns the cached orders that pass the local filter.
func (v *View) Visible() []domain.ScoredOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.ScoredOrder, 0, len(v.orders))
	for _, so := range v.orders {
		if v.local.match(so) {
			out = append(out, so)
		}
	}
	return out
}

// Reject marks an order rejected on the backend, then refetches with the
// last used filters. On failure the cached view is left untouched.
func (v *View) Reject(ctx context.Context, orderID, reason string) error {
	if err := v.Backend.RejectOrder(ctx, orderID, reason); err != nil {
		return err
	}
	v.log(ctx, "order.rejected", orderID, events.EventPayload{"reason": reason})
	return v.refetch(ctx)
}

// Defer pushes an order's due time out by the given number of hours, then
// refetches. On failure the cached view is left untouched.
func (v *View) Defer(ctx context.Context, orderID string, hours int) error {
	if err := v.Backend.DeferOrder(ctx, orderID, hours); err != nil {
		return err
	}
	v.log(ctx, "order.deferred", orderID, events.EventPayload{"hours": hours})
	return v.refetch(ctx)
}

// Select adds an order to the ephemeral selection. Unknown ids are ignored.
func (v *View) Select(orderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, so := range v.orders {
		if so.Order.ID == orderID {
			v.selected[orderID] = true
			return
		}
	}
}

func (v *View) Deselect(orderID string) {
	v.mu.Lock()
	delete(v.selected, orderID)
	v.mu.Unlock()
}

// Selected returns the selected order ids in inbox order.
func (v *View) Selected() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selectedLocked()
}

// TakeSelection returns the selection and clears it. Used when a batch is
// created from the selected orders.
func (v *View) TakeSelection() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := v.selectedLocked()
	v.selected = map[string]bool{}
	return ids
}

func (v *View) ClearSelection() {
	v.mu.Lock()
	v.selected = map[string]bool{}
	v.mu.Unlock()
}

func (v *View) selectedLocked() []string {
	ids := make([]string, 0, len(v.selected))
	for _, so := range v.orders {
		if v.selected[so.Order.ID] {
			ids = append(ids, so.Order.ID)
		}
	}
	return ids
}

// pruneSelectionLocked drops selected ids that left the inbox.
func (v *View) pruneSelectionLocked() {
	if len(v.selected) == 0 {
		return
	}
	present := make(map[string]bool, len(v.orders))
	for _, so := range v.orders {
		present[so.Order.ID] = true
	}
	for id := range v.selected {
		if !present[id] {
			delete(v.selected, id)
		}
	}
}

func (v *View) refetch(ctx context.Context) error {
	v.mu.Lock()
	f := v.filters
	v.mu.Unlock()
	if _, err := v.Fetch(ctx, f); err != nil && !errors.Is(err, ErrStale) {
		return err
	}
	return nil
}

func (v *View) log(ctx context.Context, evtType, orderID string, payload events.EventPayload) {
	if v.Events == nil {
		return
	}
	_ = v.Events.Append(ctx, evtType, "order", orderID, payload)
}
