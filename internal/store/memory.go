package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/intent"
	"github.com/nimbleshop/commerce-core/internal/order"
)

// MemoryCartStore keeps carts in a map guarded by a mutex. Update holds the
// lock for the whole load-bump-apply-persist cycle, so version numbers are
// handed out strictly in commit order even under concurrent callers.
type MemoryCartStore struct {
	mu    sync.Mutex
	carts map[string]cart.Cart
}

func NewMemoryCartStore() *MemoryCartStore {
	return &MemoryCartStore{carts: map[string]cart.Cart{}}
}

func (s *MemoryCartStore) Get(ctx context.Context, id string) (cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[id]
	if !ok {
		return cart.Cart{}, cart.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryCartStore) Create(ctx context.Context, c cart.Cart) (cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	s.carts[c.ID] = c.Clone()
	return c.Clone(), nil
}

func (s *MemoryCartStore) Update(ctx context.Context, id string, fn func(c *cart.Cart) error) (cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.carts[id]
	if !ok {
		return cart.Cart{}, cart.ErrNotFound
	}
	next := cur.Clone()
	next.Version++
	if err := fn(&next); err != nil {
		return cart.Cart{}, err
	}
	s.carts[id] = next.Clone()
	return next, nil
}

// ExpiredIntentCarts returns ids of carts whose stored intent is still
// awaiting confirmation but past its expiry.
func (s *MemoryCartStore) ExpiredIntentCarts(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, c := range s.carts {
		raw, ok := c.Metadata[intent.MetadataKey]
		if !ok {
			continue
		}
		var it intent.Intent
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		if it.Status == intent.StatusCreated && !now.Before(it.ExpiresAt) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemoryOrderStore backs the finalizer in tests. The purchaseIdx map plays
// the role of the unique index on payments.purchase_id.
type MemoryOrderStore struct {
	mu          sync.Mutex
	orders      map[string]order.Order
	items       map[string][]order.Item
	payments    map[string]order.Payment
	purchaseIdx map[string]string // purchase id -> payment id
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders:      map[string]order.Order{},
		items:       map[string][]order.Item{},
		payments:    map[string]order.Payment{},
		purchaseIdx: map[string]string{},
	}
}

func (s *MemoryOrderStore) OrderByID(ctx context.Context, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *MemoryOrderStore) OrderByPurchaseID(ctx context.Context, purchaseID string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.PurchaseID == purchaseID {
			return o, nil
		}
	}
	return order.Order{}, order.ErrNotFound
}

func (s *MemoryOrderStore) OrderItems(ctx context.Context, orderID string) ([]order.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]order.Item(nil), s.items[orderID]...)
	return out, nil
}

func (s *MemoryOrderStore) PaymentByPurchaseID(ctx context.Context, purchaseID string) (order.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.purchaseIdx[purchaseID]
	if !ok {
		return order.Payment{}, order.ErrNotFound
	}
	return s.payments[id], nil
}

// CreateOrderWithPayment inserts the order, its items and the payment in one
// step. A second call for the same purchase id fails with
// order.ErrDuplicatePurchase and leaves the stored rows untouched.
func (s *MemoryOrderStore) CreateOrderWithPayment(ctx context.Context, o order.Order, items []order.Item, p order.Payment) (order.Order, order.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.purchaseIdx[p.PurchaseID]; exists {
		return order.Order{}, order.Payment{}, order.ErrDuplicatePurchase
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.OrderID = o.ID
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	stored := make([]order.Item, len(items))
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		stored[i] = it
	}
	s.orders[o.ID] = o
	s.items[o.ID] = stored
	s.payments[p.ID] = p
	s.purchaseIdx[p.PurchaseID] = p.ID
	return o, p, nil
}

func (s *MemoryOrderStore) MarkPaymentFailed(ctx context.Context, purchaseID, reason string) (order.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.purchaseIdx[purchaseID]
	if !ok {
		return order.Payment{}, order.ErrNotFound
	}
	p := s.payments[id]
	if p.Status == order.PaymentPaid || p.Status == order.PaymentFailed {
		return p, nil
	}
	p.Status = order.PaymentFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
	s.payments[id] = p
	if o, ok := s.orders[p.OrderID]; ok {
		o.Status = order.StatusFailed
		o.FailureReason = reason
		o.UpdatedAt = p.UpdatedAt
		s.orders[p.OrderID] = o
	}
	return p, nil
}

// EventRecord is one durably logged gateway notification.
type EventRecord struct {
	ID         string    `json:"id"`
	PurchaseID string    `json:"purchaseId"`
	Status     string    `json:"status"`
	Note       string    `json:"note,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// MemoryEventLog retains records in arrival order.
type MemoryEventLog struct {
	mu      sync.Mutex
	records []EventRecord
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

func (l *MemoryEventLog) Append(ctx context.Context, rec EventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	l.records = append(l.records, rec)
	return nil
}

// MemoryDomainEventStore backs events.Bus in tests and the local sandbox.
type MemoryDomainEventStore struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func NewMemoryDomainEventStore() *MemoryDomainEventStore {
	return &MemoryDomainEventStore{}
}

func (s *MemoryDomainEventStore) InsertDomainEvent(ctx context.Context, topic, aggregateID string, payload []byte) (events.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := events.DomainEvent{
		ID:          uuid.NewString(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     append([]byte(nil), payload...),
		OccurredAt:  time.Now().UTC(),
	}
	s.events = append(s.events, ev)
	return ev, nil
}

// Emitted returns all persisted events, oldest first.
func (s *MemoryDomainEventStore) Emitted() []events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.DomainEvent(nil), s.events...)
}

// ByPurchase returns the logged records for a purchase id, oldest first.
func (l *MemoryEventLog) ByPurchase(purchaseID string) []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventRecord
	for _, r := range l.records {
		if r.PurchaseID == purchaseID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
