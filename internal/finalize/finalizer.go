package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/gateway"
	"github.com/nimbleshop/commerce-core/internal/intent"
	"github.com/nimbleshop/commerce-core/internal/obs"
	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/store"
)

// Finalizer turns verified gateway events into orders exactly once per
// purchase id. The unique constraint on payments.purchase_id is the only
// idempotency guard; everything else is convergence around it.
type Finalizer struct {
	Orders Store
	Carts  *cart.Service
	Log    EventLog
	Bus    *events.Bus
	Alerts Alerter
	Logger zerolog.Logger
	Now    func() time.Time
}

func (f *Finalizer) now() time.Time {
	if f != nil && f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// OnGatewayEvent processes one verified notification. The event is logged
// before processing starts; processing faults are logged, alerted and
// returned so the transport layer replies non-2xx and the gateway retries.
func (f *Finalizer) OnGatewayEvent(ctx context.Context, ev Event) (Outcome, error) {
	if f == nil || f.Orders == nil || f.Carts == nil {
		return Outcome{}, errors.New("finalizer not configured")
	}
	ctx, span := otel.Tracer("finalize.Finalizer").Start(ctx, "Finalizer.OnGatewayEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("purchase.id", ev.PurchaseID),
		attribute.String("event.status", ev.Status),
	)

	f.append(ctx, ev, logReceived, "")

	var (
		out Outcome
		err error
	)
	switch ev.Status {
	case gateway.StatusPaid:
		out, err = f.finalizePaid(ctx, ev)
	case gateway.StatusFailed, gateway.StatusExpired:
		out, err = f.finalizeFailed(ctx, ev)
	default:
		out = Outcome{Ignored: true, Reason: "status " + ev.Status + " requires no action"}
	}

	switch {
	case err != nil:
		f.append(ctx, ev, logFailed, err.Error())
		if f.Alerts != nil {
			if alertErr := f.Alerts.ProcessingFailed(ctx, ev.PurchaseID, err.Error()); alertErr != nil {
				f.Logger.Error().Err(alertErr).Str("purchase_id", ev.PurchaseID).Msg("failed to enqueue processing alert")
			}
		}
		span.RecordError(err)
		f.count("error")
		return Outcome{}, err
	case out.Duplicate:
		f.append(ctx, ev, logDuplicate, out.Reason)
		f.count("duplicate")
	case out.Ignored:
		f.append(ctx, ev, logIgnored, out.Reason)
		f.count("ignored")
	default:
		f.append(ctx, ev, logProcessed, out.Reason)
		f.count("processed")
	}
	return out, nil
}

// finalizePaid creates the order from the frozen snapshot inside the intent.
// Whoever loses the race on the purchase id unique index re-fetches the
// winner's rows and reports a duplicate.
func (f *Finalizer) finalizePaid(ctx context.Context, ev Event) (Outcome, error) {
	if existing, err := f.Orders.PaymentByPurchaseID(ctx, ev.PurchaseID); err == nil {
		return f.duplicateOutcome(ctx, existing)
	} else if !errors.Is(err, order.ErrNotFound) {
		return Outcome{}, fmt.Errorf("lookup payment: %w", err)
	}

	it, found, err := f.awaitingIntent(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{Ignored: true, Reason: "no intent awaits purchase " + ev.PurchaseID}, nil
	}
	// The gateway charged what the intent froze; anything else is a fault,
	// never something to silently reconcile.
	if ev.Amount > 0 && ev.Amount != it.Snapshot.Totals.Total.Amount {
		return Outcome{}, fmt.Errorf("amount mismatch: gateway settled %d, intent froze %d", ev.Amount, it.Snapshot.Totals.Total.Amount)
	}

	now := f.now().UTC()
	o := order.Order{
		CartID:        ev.CartID,
		PurchaseID:    ev.PurchaseID,
		Status:        order.StatusPaid,
		Currency:      it.Snapshot.Currency,
		Subtotal:      it.Snapshot.Totals.Subtotal,
		DiscountTotal: it.Snapshot.Totals.DiscountTotal,
		TaxTotal:      it.Snapshot.Totals.TaxTotal,
		ShippingTotal: it.Snapshot.Totals.ShippingTotal,
		Total:         it.Snapshot.Totals.Total,
		Customer:      it.Customer,
		CreatedAt:     now,
	}
	items := make([]order.Item, len(it.Snapshot.Items))
	for i, line := range it.Snapshot.Items {
		items[i] = order.Item{
			SKU:       line.ID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Qty:       line.Qty,
			LineTotal: line.LineTotal,
		}
	}
	p := order.Payment{
		PurchaseID: ev.PurchaseID,
		Status:     order.PaymentPaid,
		Amount:     it.Snapshot.Totals.Total,
		CreatedAt:  now,
	}

	created, pay, err := f.Orders.CreateOrderWithPayment(ctx, o, items, p)
	if errors.Is(err, order.ErrDuplicatePurchase) {
		existing, lookupErr := f.Orders.PaymentByPurchaseID(ctx, ev.PurchaseID)
		if lookupErr != nil {
			return Outcome{}, fmt.Errorf("duplicate purchase but payment lookup failed: %w", lookupErr)
		}
		return f.duplicateOutcome(ctx, existing)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("create order: %w", err)
	}

	f.settleCart(ctx, ev.CartID, ev.PurchaseID, intent.StatusSucceeded, "")
	if obs.OrdersFinalizedTotal != nil {
		obs.OrdersFinalizedTotal.WithLabelValues(string(created.Status)).Inc()
	}
	f.emit(ctx, events.TopicOrderCreated, created)
	f.emit(ctx, events.TopicOrderPaid, created)
	return Outcome{Order: created, Payment: pay}, nil
}

// finalizeFailed records the terminal failure on the intent. The cart keeps
// its items so the shopper can retry checkout with a fresh intent.
func (f *Finalizer) finalizeFailed(ctx context.Context, ev Event) (Outcome, error) {
	reason := "payment " + ev.Status
	status := intent.StatusFailed
	topic := events.TopicPaymentFailed
	if ev.Status == gateway.StatusExpired {
		status = intent.StatusExpired
		topic = events.TopicPaymentExpired
	}

	if p, err := f.Orders.MarkPaymentFailed(ctx, ev.PurchaseID, reason); err == nil {
		// A payment row only exists once the purchase finalized; PAID is
		// terminal, so a late failure event changes nothing.
		if p.Status == order.PaymentPaid {
			return Outcome{Duplicate: true, Reason: "purchase already settled", Payment: p}, nil
		}
	} else if !errors.Is(err, order.ErrNotFound) {
		return Outcome{}, fmt.Errorf("mark payment failed: %w", err)
	}

	if _, found, err := f.awaitingIntent(ctx, ev); err != nil {
		return Outcome{}, err
	} else if !found {
		return Outcome{Ignored: true, Reason: "no intent awaits purchase " + ev.PurchaseID}, nil
	}
	f.settleCart(ctx, ev.CartID, ev.PurchaseID, status, reason)
	if f.Bus != nil {
		_, _ = f.Bus.Emit(ctx, topic, ev.CartID, map[string]any{
			"purchaseId": ev.PurchaseID,
			"cartId":     ev.CartID,
			"reason":     reason,
		})
	}
	return Outcome{Reason: reason}, nil
}

// awaitingIntent loads the cart named by the event reference and returns its
// stored intent when that intent is bound to the event's purchase id. A
// missing cart or a superseded intent is not an error; the event is orphaned.
func (f *Finalizer) awaitingIntent(ctx context.Context, ev Event) (intent.Intent, bool, error) {
	c, err := f.Carts.Get(ctx, ev.CartID)
	if errors.Is(err, cart.ErrNotFound) {
		return intent.Intent{}, false, nil
	}
	if err != nil {
		return intent.Intent{}, false, fmt.Errorf("load cart %s: %w", ev.CartID, err)
	}
	raw, ok := c.Metadata[intent.MetadataKey]
	if !ok {
		return intent.Intent{}, false, nil
	}
	var it intent.Intent
	if err := json.Unmarshal(raw, &it); err != nil {
		return intent.Intent{}, false, fmt.Errorf("decode intent on cart %s: %w", ev.CartID, err)
	}
	if it.PurchaseID != ev.PurchaseID {
		return intent.Intent{}, false, nil
	}
	return it, true, nil
}

// settleCart transitions the stored intent and, on success, clears the live
// cart. The order and payment rows are already committed at this point, so a
// failure here is logged and left for the duplicate path to converge on.
func (f *Finalizer) settleCart(ctx context.Context, cartID, purchaseID string, status intent.Status, reason string) {
	_, err := f.Carts.Store.Update(ctx, cartID, func(c *cart.Cart) error {
		raw, ok := c.Metadata[intent.MetadataKey]
		if !ok {
			return nil
		}
		var it intent.Intent
		if err := json.Unmarshal(raw, &it); err != nil {
			return fmt.Errorf("decode intent: %w", err)
		}
		if it.PurchaseID != purchaseID {
			return nil
		}
		it.Status = status
		it.Reason = reason
		encoded, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode intent: %w", err)
		}
		c.Metadata[intent.MetadataKey] = encoded
		if status == intent.StatusSucceeded {
			c.Items = nil
			c.Conditions = nil
		}
		return nil
	})
	if err != nil && !errors.Is(err, cart.ErrNotFound) {
		f.Logger.Error().Err(err).Str("cart_id", cartID).Str("purchase_id", purchaseID).Msg("failed to settle cart after finalization")
	}
}

// duplicateOutcome assembles the stored result for an already-finalized
// purchase and re-runs cart settlement in case the first attempt crashed
// between the order commit and the cart update.
func (f *Finalizer) duplicateOutcome(ctx context.Context, p order.Payment) (Outcome, error) {
	out := Outcome{Duplicate: true, Reason: "purchase already recorded", Payment: p}
	if o, err := f.Orders.OrderByID(ctx, p.OrderID); err == nil {
		out.Order = o
		if p.Status == order.PaymentPaid {
			f.settleCart(ctx, o.CartID, p.PurchaseID, intent.StatusSucceeded, "")
		}
	} else if !errors.Is(err, order.ErrNotFound) {
		return Outcome{}, fmt.Errorf("lookup order %s: %w", p.OrderID, err)
	}
	return out, nil
}

func (f *Finalizer) emit(ctx context.Context, topic string, o order.Order) {
	if f.Bus == nil {
		return
	}
	_, err := f.Bus.Emit(ctx, topic, o.ID, map[string]any{
		"orderId":    o.ID,
		"cartId":     o.CartID,
		"purchaseId": o.PurchaseID,
		"status":     string(o.Status),
		"total":      o.Total.Amount,
		"currency":   o.Currency,
		"email":      o.Customer.Email,
	})
	if err != nil {
		f.Logger.Warn().Err(err).Str("topic", topic).Str("order_id", o.ID).Msg("event emit incomplete")
	}
}

func (f *Finalizer) append(ctx context.Context, ev Event, status, note string) {
	if f.Log == nil {
		return
	}
	rec := store.EventRecord{
		PurchaseID: ev.PurchaseID,
		Status:     status,
		Note:       note,
		ReceivedAt: f.now().UTC(),
	}
	// The raw payload is stored once, on arrival; outcome records reference it
	// by purchase id.
	if status == logReceived {
		rec.Payload = ev.Payload
	}
	if err := f.Log.Append(ctx, rec); err != nil {
		f.Logger.Error().Err(err).Str("purchase_id", ev.PurchaseID).Msg("failed to log gateway event")
	}
}

func (f *Finalizer) count(result string) {
	if obs.WebhookEventsTotal != nil {
		obs.WebhookEventsTotal.WithLabelValues(result).Inc()
	}
}
