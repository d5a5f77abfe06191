package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/order"
)

// PgCartStore persists each cart as a JSONB document next to a version
// column. The version column, not the document, is authoritative: Update
// bumps it under a row lock before the mutation runs.
type PgCartStore struct {
	Pool *pgxpool.Pool
}

func (s *PgCartStore) Get(ctx context.Context, id string) (cart.Cart, error) {
	if s == nil || s.Pool == nil {
		return cart.Cart{}, errors.New("cart store not configured")
	}
	var (
		doc     []byte
		version int64
	)
	err := s.Pool.QueryRow(ctx, `SELECT document, version FROM carts WHERE id = $1`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return cart.Cart{}, cart.ErrNotFound
	}
	if err != nil {
		return cart.Cart{}, err
	}
	return decodeCart(doc, id, version)
}

func (s *PgCartStore) Create(ctx context.Context, c cart.Cart) (cart.Cart, error) {
	if s == nil || s.Pool == nil {
		return cart.Cart{}, errors.New("cart store not configured")
	}
	if c.Version == 0 {
		c.Version = 1
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return cart.Cart{}, err
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO carts (id, instance, document, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())`,
		c.ID, c.Instance, doc, c.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return cart.Cart{}, fmt.Errorf("cart %s already exists", c.ID)
		}
		return cart.Cart{}, err
	}
	return c, nil
}

func (s *PgCartStore) Update(ctx context.Context, id string, fn func(c *cart.Cart) error) (cart.Cart, error) {
	if s == nil || s.Pool == nil {
		return cart.Cart{}, errors.New("cart store not configured")
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return cart.Cart{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	var (
		doc     []byte
		version int64
	)
	err = tx.QueryRow(ctx, `SELECT document, version FROM carts WHERE id = $1 FOR UPDATE`, id).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return cart.Cart{}, cart.ErrNotFound
	}
	if err != nil {
		return cart.Cart{}, err
	}
	c, err := decodeCart(doc, id, version)
	if err != nil {
		return cart.Cart{}, err
	}
	c.Version++
	if err := fn(&c); err != nil {
		return cart.Cart{}, err
	}
	next, err := json.Marshal(c)
	if err != nil {
		return cart.Cart{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE carts SET document = $2, version = $3, updated_at = now() WHERE id = $1`,
		id, next, c.Version); err != nil {
		return cart.Cart{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return cart.Cart{}, err
	}
	return c, nil
}

// ExpiredIntentCarts lists carts whose stored intent is still awaiting
// confirmation but past its expiry. The jsonb path mirrors the intent
// metadata layout inside the cart document.
func (s *PgCartStore) ExpiredIntentCarts(ctx context.Context, now time.Time) ([]string, error) {
	if s == nil || s.Pool == nil {
		return nil, errors.New("cart store not configured")
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT id FROM carts
		 WHERE document->'metadata'->'payment_intent'->>'status' = 'created'
		   AND (document->'metadata'->'payment_intent'->>'expiresAt')::timestamptz <= $1
		 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func decodeCart(doc []byte, id string, version int64) (cart.Cart, error) {
	var c cart.Cart
	if err := json.Unmarshal(doc, &c); err != nil {
		return cart.Cart{}, fmt.Errorf("decode cart %s: %w", id, err)
	}
	c.ID = id
	c.Version = version
	return c, nil
}

// PgOrderStore writes orders, order items and payments. The unique index on
// payments.purchase_id is the idempotency guard for finalization; a 23505
// surfaces as order.ErrDuplicatePurchase.
type PgOrderStore struct {
	Pool *pgxpool.Pool
}

func (s *PgOrderStore) OrderByID(ctx context.Context, id string) (order.Order, error) {
	if s == nil || s.Pool == nil {
		return order.Order{}, errors.New("order store not configured")
	}
	return scanOrder(s.Pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
}

func (s *PgOrderStore) OrderByPurchaseID(ctx context.Context, purchaseID string) (order.Order, error) {
	if s == nil || s.Pool == nil {
		return order.Order{}, errors.New("order store not configured")
	}
	return scanOrder(s.Pool.QueryRow(ctx, selectOrder+` WHERE purchase_id = $1`, purchaseID))
}

const selectOrder = `SELECT id, cart_id, purchase_id, status, currency,
	subtotal, discount_total, tax_total, shipping_total, total,
	customer, failure_reason, created_at, updated_at FROM orders`

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o        order.Order
		customer []byte
		reason   *string
	)
	err := row.Scan(&o.ID, &o.CartID, &o.PurchaseID, &o.Status, &o.Currency,
		&o.Subtotal.Amount, &o.DiscountTotal.Amount, &o.TaxTotal.Amount,
		&o.ShippingTotal.Amount, &o.Total.Amount,
		&customer, &reason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, err
	}
	for _, m := range []*string{&o.Subtotal.Currency, &o.DiscountTotal.Currency, &o.TaxTotal.Currency, &o.ShippingTotal.Currency, &o.Total.Currency} {
		*m = o.Currency
	}
	if len(customer) > 0 {
		if err := json.Unmarshal(customer, &o.Customer); err != nil {
			return order.Order{}, fmt.Errorf("decode customer: %w", err)
		}
	}
	if reason != nil {
		o.FailureReason = *reason
	}
	return o, nil
}

func (s *PgOrderStore) OrderItems(ctx context.Context, orderID string) ([]order.Item, error) {
	if s == nil || s.Pool == nil {
		return nil, errors.New("order store not configured")
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT i.id, i.order_id, i.sku, i.name, i.unit_price, i.qty, i.line_total, o.currency
		 FROM order_items i JOIN orders o ON o.id = i.order_id
		 WHERE i.order_id = $1 ORDER BY i.position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []order.Item
	for rows.Next() {
		var it order.Item
		var currency string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.SKU, &it.Name, &it.UnitPrice.Amount, &it.Qty, &it.LineTotal.Amount, &currency); err != nil {
			return nil, err
		}
		it.UnitPrice.Currency = currency
		it.LineTotal.Currency = currency
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PgOrderStore) PaymentByPurchaseID(ctx context.Context, purchaseID string) (order.Payment, error) {
	if s == nil || s.Pool == nil {
		return order.Payment{}, errors.New("order store not configured")
	}
	var (
		p        order.Payment
		currency string
		reason   *string
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT id, order_id, purchase_id, status, amount, currency, failure_reason, created_at, updated_at
		 FROM payments WHERE purchase_id = $1`, purchaseID).
		Scan(&p.ID, &p.OrderID, &p.PurchaseID, &p.Status, &p.Amount.Amount, &currency, &reason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Payment{}, order.ErrNotFound
	}
	if err != nil {
		return order.Payment{}, err
	}
	p.Amount.Currency = currency
	if reason != nil {
		p.FailureReason = *reason
	}
	return p, nil
}

// CreateOrderWithPayment materializes the order, its items and the payment
// inside one transaction. When two callers race on the same purchase id the
// loser hits the unique index and gets order.ErrDuplicatePurchase with no
// partial rows committed.
func (s *PgOrderStore) CreateOrderWithPayment(ctx context.Context, o order.Order, items []order.Item, p order.Payment) (order.Order, order.Payment, error) {
	if s == nil || s.Pool == nil {
		return order.Order{}, order.Payment{}, errors.New("order store not configured")
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Order{}, order.Payment{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return order.Order{}, order.Payment{}, err
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (cart_id, purchase_id, status, currency,
			subtotal, discount_total, tax_total, shipping_total, total,
			customer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 RETURNING id`,
		o.CartID, o.PurchaseID, o.Status, o.Currency,
		o.Subtotal.Amount, o.DiscountTotal.Amount, o.TaxTotal.Amount,
		o.ShippingTotal.Amount, o.Total.Amount, customer, now).Scan(&o.ID)
	if err != nil {
		return order.Order{}, order.Payment{}, duplicateOr(err)
	}

	for i := range items {
		items[i].OrderID = o.ID
		err = tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, position, sku, name, unit_price, qty, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			o.ID, i, items[i].SKU, items[i].Name, items[i].UnitPrice.Amount, items[i].Qty, items[i].LineTotal.Amount).
			Scan(&items[i].ID)
		if err != nil {
			return order.Order{}, order.Payment{}, err
		}
	}

	p.OrderID = o.ID
	p.CreatedAt = now
	p.UpdatedAt = now
	err = tx.QueryRow(ctx,
		`INSERT INTO payments (order_id, purchase_id, status, amount, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		o.ID, p.PurchaseID, p.Status, p.Amount.Amount, p.Amount.Currency, now).Scan(&p.ID)
	if err != nil {
		return order.Order{}, order.Payment{}, duplicateOr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, order.Payment{}, duplicateOr(err)
	}
	return o, p, nil
}

func (s *PgOrderStore) MarkPaymentFailed(ctx context.Context, purchaseID, reason string) (order.Payment, error) {
	if s == nil || s.Pool == nil {
		return order.Payment{}, errors.New("order store not configured")
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Payment{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	var p order.Payment
	var currency string
	err = tx.QueryRow(ctx,
		`SELECT id, order_id, purchase_id, status, amount, currency, created_at
		 FROM payments WHERE purchase_id = $1 FOR UPDATE`, purchaseID).
		Scan(&p.ID, &p.OrderID, &p.PurchaseID, &p.Status, &p.Amount.Amount, &currency, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Payment{}, order.ErrNotFound
	}
	if err != nil {
		return order.Payment{}, err
	}
	p.Amount.Currency = currency
	// Terminal states never regress.
	if p.Status == order.PaymentPaid || p.Status == order.PaymentFailed {
		return p, tx.Commit(ctx)
	}
	p.Status = order.PaymentFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE payments SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1`,
		p.ID, p.Status, reason, p.UpdatedAt); err != nil {
		return order.Payment{}, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1`,
		p.OrderID, order.StatusFailed, reason, p.UpdatedAt); err != nil {
		return order.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Payment{}, err
	}
	return p, nil
}

func duplicateOr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return order.ErrDuplicatePurchase
	}
	return err
}

// PgDomainEventStore persists emitted domain events for events.Bus.
type PgDomainEventStore struct {
	Pool *pgxpool.Pool
}

func (s *PgDomainEventStore) InsertDomainEvent(ctx context.Context, topic, aggregateID string, payload []byte) (events.DomainEvent, error) {
	if s == nil || s.Pool == nil {
		return events.DomainEvent{}, errors.New("event store not configured")
	}
	ev := events.DomainEvent{Topic: topic, AggregateID: aggregateID, Payload: payload}
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO domain_events (topic, aggregate_id, payload)
		 VALUES ($1, $2, $3) RETURNING id, occurred_at`,
		topic, aggregateID, payload).Scan(&ev.ID, &ev.OccurredAt)
	if err != nil {
		return events.DomainEvent{}, err
	}
	return ev, nil
}

// PgEventLog appends gateway notifications to payment_events.
type PgEventLog struct {
	Pool *pgxpool.Pool
}

func (l *PgEventLog) Append(ctx context.Context, rec EventRecord) error {
	if l == nil || l.Pool == nil {
		return errors.New("event log not configured")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	_, err := l.Pool.Exec(ctx,
		`INSERT INTO payment_events (purchase_id, status, note, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.PurchaseID, rec.Status, rec.Note, rec.Payload, rec.ReceivedAt)
	return err
}
