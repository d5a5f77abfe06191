package finalize_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nimbleshop/commerce-core/internal/cart"
	"github.com/nimbleshop/commerce-core/internal/condition"
	"github.com/nimbleshop/commerce-core/internal/events"
	"github.com/nimbleshop/commerce-core/internal/finalize"
	"github.com/nimbleshop/commerce-core/internal/gateway"
	"github.com/nimbleshop/commerce-core/internal/intent"
	"github.com/nimbleshop/commerce-core/internal/money"
	"github.com/nimbleshop/commerce-core/internal/order"
	"github.com/nimbleshop/commerce-core/internal/pricing"
	"github.com/nimbleshop/commerce-core/internal/store"
)

type captureAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *captureAlerts) ProcessingFailed(_ context.Context, purchaseID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, purchaseID+": "+reason)
	return nil
}

type fixture struct {
	carts   *store.MemoryCartStore
	svc     *cart.Service
	orders  *store.MemoryOrderStore
	log     *store.MemoryEventLog
	emitted *store.MemoryDomainEventStore
	alerts  *captureAlerts
	fin     *finalize.Finalizer
	cartID  string
	intent  intent.Intent
}

// newFixture builds a cart holding two lines and a 10% discount, computes a
// snapshot and stores a created intent for purchase pur_1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		carts:   store.NewMemoryCartStore(),
		orders:  store.NewMemoryOrderStore(),
		log:     store.NewMemoryEventLog(),
		emitted: store.NewMemoryDomainEventStore(),
		alerts:  &captureAlerts{},
	}
	f.svc = &cart.Service{Store: f.carts, Currency: "USD"}

	c, err := f.svc.EnsureCart(ctx, "cart-1", "default")
	require.NoError(t, err)
	f.cartID = c.ID
	_, err = f.svc.AddItem(ctx, c.ID, cart.Item{ID: "sku-1", Name: "Keyboard", UnitPrice: money.MustNew(5000, "USD"), Qty: 2})
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, c.ID, cart.Item{ID: "sku-2", Name: "Mouse", UnitPrice: money.MustNew(2500, "USD"), Qty: 1})
	require.NoError(t, err)
	_, err = f.svc.AddCondition(ctx, c.ID, condition.Condition{
		Name:   "promo",
		Kind:   condition.KindDiscount,
		Target: condition.TargetSubtotal,
		Value:  "-10%",
	})
	require.NoError(t, err)

	current, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	engine := pricing.NewEngine(pricing.Config{Currency: "USD"})
	snap, err := engine.Compute(current)
	require.NoError(t, err)

	f.intent = intent.Intent{
		PurchaseID:  "pur_1",
		CheckoutURL: "https://gw.test/pay/pur_1",
		CartVersion: current.Version + 1,
		Snapshot:    snap,
		Customer:    order.Customer{Name: "Dana", Email: "dana@example.com"},
		Status:      intent.StatusCreated,
	}
	_, err = f.svc.SetMetadata(ctx, c.ID, intent.MetadataKey, f.intent)
	require.NoError(t, err)

	f.fin = &finalize.Finalizer{
		Orders: f.orders,
		Carts:  f.svc,
		Log:    f.log,
		Bus:    &events.Bus{Store: f.emitted},
		Alerts: f.alerts,
		Logger: zerolog.Nop(),
	}
	return f
}

func (f *fixture) paidEvent() finalize.Event {
	return finalize.Event{
		PurchaseID: f.intent.PurchaseID,
		CartID:     f.cartID,
		Status:     gateway.StatusPaid,
		Amount:     f.intent.Snapshot.Totals.Total.Amount,
		Payload:    []byte(`{"id":"pur_1","status":"paid"}`),
	}
}

func TestPaidEventCreatesOrderFromSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.fin.OnGatewayEvent(ctx, f.paidEvent())
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.Equal(t, order.StatusPaid, out.Order.Status)
	require.Equal(t, f.intent.Snapshot.Totals.Total, out.Order.Total)
	require.Equal(t, f.intent.Snapshot.Totals.DiscountTotal, out.Order.DiscountTotal)
	require.Equal(t, "dana@example.com", out.Order.Customer.Email)
	require.Equal(t, order.PaymentPaid, out.Payment.Status)

	items, err := f.orders.OrderItems(ctx, out.Order.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Live cart is emptied; the settled intent stays behind for reference.
	c, err := f.svc.Get(ctx, f.cartID)
	require.NoError(t, err)
	require.True(t, c.Empty())
	var it intent.Intent
	found, err := f.svc.Metadata(ctx, f.cartID, intent.MetadataKey, &it)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, intent.StatusSucceeded, it.Status)

	topics := make([]string, 0, 2)
	for _, ev := range f.emitted.Emitted() {
		topics = append(topics, ev.Topic)
	}
	require.Contains(t, topics, events.TopicOrderCreated)
	require.Contains(t, topics, events.TopicOrderPaid)
}

func TestDuplicateEventReturnsStoredResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.fin.OnGatewayEvent(ctx, f.paidEvent())
	require.NoError(t, err)
	second, err := f.fin.OnGatewayEvent(ctx, f.paidEvent())
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Order.ID, second.Order.ID)
	require.Equal(t, first.Payment.ID, second.Payment.ID)

	records := f.log.ByPurchase("pur_1")
	var duplicates int
	for _, r := range records {
		if r.Status == "duplicate" {
			duplicates++
		}
	}
	require.Equal(t, 1, duplicates)
}

func TestConcurrentDuplicatesCreateOneOrder(t *testing.T) {
	for _, n := range []int{1, 2, 5, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			outcomes := make([]finalize.Outcome, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					outcomes[i], errs[i] = f.fin.OnGatewayEvent(ctx, f.paidEvent())
				}(i)
			}
			wg.Wait()

			var created int
			var orderID string
			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				if !outcomes[i].Duplicate {
					created++
				}
				if orderID == "" {
					orderID = outcomes[i].Order.ID
				}
				require.Equal(t, orderID, outcomes[i].Order.ID)
				require.Equal(t, order.PaymentPaid, outcomes[i].Payment.Status)
			}
			require.Equal(t, 1, created)
		})
	}
}

func TestFinalizationUsesFrozenSnapshotNotLiveCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Cart mutates after the intent froze; the charge must not follow it.
	_, err := f.svc.AddItem(ctx, f.cartID, cart.Item{ID: "sku-3", Name: "Monitor", UnitPrice: money.MustNew(90000, "USD"), Qty: 1})
	require.NoError(t, err)

	out, err := f.fin.OnGatewayEvent(ctx, f.paidEvent())
	require.NoError(t, err)
	require.Equal(t, f.intent.Snapshot.Totals.Total, out.Order.Total)
	items, err := f.orders.OrderItems(ctx, out.Order.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestFailedEventMarksIntentAndKeepsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.paidEvent()
	ev.Status = gateway.StatusFailed
	out, err := f.fin.OnGatewayEvent(ctx, ev)
	require.NoError(t, err)
	require.False(t, out.Duplicate)

	_, err = f.orders.PaymentByPurchaseID(ctx, "pur_1")
	require.ErrorIs(t, err, order.ErrNotFound)

	c, err := f.svc.Get(ctx, f.cartID)
	require.NoError(t, err)
	require.False(t, c.Empty())
	var it intent.Intent
	_, err = f.svc.Metadata(ctx, f.cartID, intent.MetadataKey, &it)
	require.NoError(t, err)
	require.Equal(t, intent.StatusFailed, it.Status)
	require.NotEmpty(t, it.Reason)
}

func TestExpiredEventMarksIntentExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.paidEvent()
	ev.Status = gateway.StatusExpired
	_, err := f.fin.OnGatewayEvent(ctx, ev)
	require.NoError(t, err)

	var it intent.Intent
	_, err = f.svc.Metadata(ctx, f.cartID, intent.MetadataKey, &it)
	require.NoError(t, err)
	require.Equal(t, intent.StatusExpired, it.Status)
}

func TestAmountMismatchIsAFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.paidEvent()
	ev.Amount += 100
	_, err := f.fin.OnGatewayEvent(ctx, ev)
	require.Error(t, err)

	_, err = f.orders.PaymentByPurchaseID(ctx, "pur_1")
	require.ErrorIs(t, err, order.ErrNotFound)
	require.NotEmpty(t, f.alerts.msgs)

	var failed bool
	for _, r := range f.log.ByPurchase("pur_1") {
		if r.Status == "failed" {
			failed = true
		}
	}
	require.True(t, failed)
}

func TestUnknownPurchaseIsIgnoredButLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := finalize.Event{
		PurchaseID: "pur_unknown",
		CartID:     "no-such-cart",
		Status:     gateway.StatusPaid,
		Amount:     100,
	}
	out, err := f.fin.OnGatewayEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Ignored)
	require.NotEmpty(t, f.log.ByPurchase("pur_unknown"))
}

func TestLateFailureAfterSettlementChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.fin.OnGatewayEvent(ctx, f.paidEvent())
	require.NoError(t, err)

	ev := f.paidEvent()
	ev.Status = gateway.StatusFailed
	out, err := f.fin.OnGatewayEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Duplicate)

	p, err := f.orders.PaymentByPurchaseID(ctx, "pur_1")
	require.NoError(t, err)
	require.Equal(t, order.PaymentPaid, p.Status)
}
