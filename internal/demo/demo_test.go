package demo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/backoff"
	"github.com/roach88/durable/internal/engine"
	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store/crash"
	"github.com/roach88/durable/internal/store/memory"
	"github.com/roach88/durable/internal/testutil"
)

type fixture struct {
	svc   *Services
	store *crash.Store
	inner *memory.Store
	eng   *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := NewServices()
	inner := memory.New()
	s := crash.New(inner)
	opts := append([]engine.Option{
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithNow(testutil.NewDeterministicClock().Now),
		engine.WithBackoff(backoff.NewConstant(0)),
	}, svc.Options()...)
	e := engine.New(s, opts...)
	svc.Register(e)
	return &fixture{svc: svc, store: s, inner: inner, eng: e}
}

func (f *fixture) names(t *testing.T, id ir.ExecutionID) []string {
	t.Helper()
	history, err := f.inner.Load(context.Background(), id)
	require.NoError(t, err)
	names := make([]string, len(history))
	for i, entry := range history {
		names[i] = entry.Name
	}
	return names
}

func sampleOrder() OrderEvent {
	return OrderEvent{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Items: []Item{
			{SKU: "WIDGET-1", Quantity: 2, Price: 19.99},
			{SKU: "GADGET-7", Quantity: 1, Price: 49.5},
		},
	}
}

func TestOrder_Completes(t *testing.T) {
	f := newFixture(t)

	raw, err := f.eng.RunNamed(context.Background(), "exec-order-1", OrderProcessing, sampleOrder())
	require.NoError(t, err)

	var res OrderResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 89.48, res.Total)
	assert.Equal(t, "pay-order-1", res.Payment.PaymentID)
	assert.Equal(t, Invoice{InvoiceID: "INV-order-1", Subtotal: 89.48, Tax: 7.16, Total: 96.64}, res.Invoice)
	assert.Equal(t, ShippingLabel{TrackingNumber: "TRK-order-1", Carrier: "StandardShip"}, res.Label)
	assert.Equal(t, 8, res.LoyaltyPoints)

	assert.Equal(t, []string{
		"validate-order", "check-inventory", "process-payment", "reserve-inventory",
		"fraud-check", "credit-check", "generate-invoice", "pick-items", "quality-check",
		"package-order", "generate-shipping-label", "ship-order", "send-notifications",
		"update-loyalty-points", "complete-order",
	}, f.names(t, "exec-order-1"))
	assert.Equal(t, "completed", f.svc.Ledger.Status("order-1"))
}

func TestOrder_ResumeRunsEachStepOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.CrashAfter(5)
	_, err := f.eng.RunNamed(ctx, "exec-order-1", OrderProcessing, sampleOrder())
	require.ErrorIs(t, err, crash.ErrCrashed)
	assert.Equal(t, "fraud-checked", f.svc.Ledger.Status("order-1"))

	f.store.Heal()
	_, err = f.eng.RunNamed(ctx, "exec-order-1", OrderProcessing, sampleOrder())
	require.NoError(t, err)

	for _, status := range []string{"validated", "payment-processed", "fraud-checked", "shipped", "completed"} {
		assert.Equal(t, 1, f.svc.Ledger.Count("order-1", status), status)
	}
}

func TestOrder_FailuresCompensate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OrderEvent)
		step   string
		reason string
	}{
		{"missing customer", func(ev *OrderEvent) { ev.CustomerID = "" }, "validate-order", "customer id is required"},
		{"out of stock", func(ev *OrderEvent) { ev.OutOfStock = []string{"GADGET-7"} }, "check-inventory", "insufficient inventory for GADGET-7"},
		{"payment declined", func(ev *OrderEvent) { ev.DeclinePayment = true }, "process-payment", "payment declined"},
		{"fraud", func(ev *OrderEvent) { ev.RiskScore = 99 }, "fraud-check", "flagged as fraudulent"},
		{"poor credit", func(ev *OrderEvent) {
			ev.Items = []Item{{SKU: "TV-1", Quantity: 1, Price: 1500}}
			ev.CreditScore = 550
		}, "credit-check", "insufficient credit score 550"},
		{"damaged", func(ev *OrderEvent) { ev.FailQualityCheck = true }, "quality-check", "items damaged"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ev := sampleOrder()
			tc.mutate(&ev)

			_, err := f.eng.RunNamed(context.Background(), "exec-order-1", OrderProcessing, ev)
			require.True(t, engine.IsExecutionFailed(err), "got %v", err)
			assert.Contains(t, err.Error(), tc.reason)

			names := f.names(t, "exec-order-1")
			require.GreaterOrEqual(t, len(names), 2)
			assert.Equal(t, tc.step, names[len(names)-2])
			assert.Equal(t, "compensate", names[len(names)-1])

			updates := f.svc.Ledger.Updates("order-1")
			require.NotEmpty(t, updates)
			last := updates[len(updates)-1]
			assert.Equal(t, "failed", last.Status)
			assert.Contains(t, last.Reason, tc.reason)
		})
	}
}

func TestOrder_LargeOrderWithDefaultCreditPasses(t *testing.T) {
	f := newFixture(t)
	ev := sampleOrder()
	ev.Items = []Item{{SKU: "TV-1", Quantity: 1, Price: 1500}}

	raw, err := f.eng.RunNamed(context.Background(), "exec-order-1", OrderProcessing, ev)
	require.NoError(t, err)

	var res OrderResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "ExpressShip", res.Label.Carrier)
	assert.Equal(t, 150, res.LoyaltyPoints)
}

func sagaFailure(t *testing.T, err error) SagaError {
	t.Helper()
	var failed *engine.ExecutionFailedError
	require.True(t, errors.As(err, &failed), "got %v", err)
	msg, ok := strings.CutPrefix(failed.Err.Message, "saga failed: ")
	require.True(t, ok, failed.Err.Message)
	var serr SagaError
	require.NoError(t, json.Unmarshal([]byte(msg), &serr))
	return serr
}

func TestTrip_Completes(t *testing.T) {
	f := newFixture(t)

	raw, err := f.eng.RunNamed(context.Background(), "trip-1", TripBooking, TripEvent{})
	require.NoError(t, err)

	var res TripResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "txn-trip-1", res.TransactionID)
	assert.Equal(t, "COMPLETED", res.Status)
	assert.Equal(t, 725.0, res.TotalPrice)
	assert.Equal(t, map[string]string{
		"txn-trip-1-flight": StatusConfirmed,
		"txn-trip-1-hotel":  StatusConfirmed,
		"txn-trip-1-car":    StatusConfirmed,
	}, f.svc.Travel.Bookings())
	assert.Equal(t, []string{"reserve-flight", "reserve-hotel", "reserve-car"}, f.names(t, "trip-1"))
}

func TestTrip_CarFailureCancelsInReverse(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.RunNamed(context.Background(), "trip-1", TripBooking, TripEvent{FailBookCar: true})
	serr := sagaFailure(t, err)

	assert.Equal(t, "reserve-car", serr.FailedStep)
	assert.Equal(t, []Compensation{
		{Step: "cancel-hotel", Status: StatusCancelled},
		{Step: "cancel-flight", Status: StatusCancelled},
	}, serr.Compensations)
	assert.Equal(t, []string{
		"reserve-flight", "reserve-hotel", "reserve-car", "cancel-hotel", "cancel-flight",
	}, f.names(t, "trip-1"))

	status, _ := f.svc.Travel.Booking("txn-trip-1-flight")
	assert.Equal(t, StatusCancelled, status)
	_, ok := f.svc.Travel.Booking("txn-trip-1-car")
	assert.False(t, ok)
}

func TestTrip_FlightFailureHasNothingToCompensate(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.RunNamed(context.Background(), "trip-1", TripBooking, TripEvent{FailBookFlight: true})
	serr := sagaFailure(t, err)
	assert.Equal(t, "reserve-flight", serr.FailedStep)
	assert.Empty(t, serr.Compensations)
	assert.Zero(t, f.svc.Travel.Calls(FnReserveHotel))
}

func TestTrip_TransientHotelFailuresAreRetried(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.RunNamed(context.Background(), "trip-1", TripBooking, TripEvent{HotelTransientFailures: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, f.svc.Travel.Calls(FnReserveHotel))
	assert.Equal(t, []string{"reserve-flight", "reserve-hotel", "reserve-car"}, f.names(t, "trip-1"))
}

func TestTrip_ExhaustedRetriesCompensate(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.RunNamed(context.Background(), "trip-1", TripBooking, TripEvent{HotelTransientFailures: 5})
	serr := sagaFailure(t, err)
	assert.Equal(t, "reserve-hotel", serr.FailedStep)
	assert.Contains(t, serr.Reason, "after 3 attempt(s)")
	assert.Equal(t, []Compensation{{Step: "cancel-flight", Status: StatusCancelled}}, serr.Compensations)
}

func TestTrip_CrashRedeliversOnlyTheUnrecordedInvoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.CrashAfter(1)
	_, err := f.eng.RunNamed(ctx, "trip-1", TripBooking, TripEvent{})
	require.ErrorIs(t, err, crash.ErrCrashed)

	f.store.Heal()
	_, err = f.eng.RunNamed(ctx, "trip-1", TripBooking, TripEvent{})
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.Travel.Calls(FnReserveFlight))
	assert.Equal(t, 2, f.svc.Travel.Calls(FnReserveHotel))
	assert.Equal(t, 1, f.svc.Travel.Calls(FnReserveCar))
}

func TestSampleEvent(t *testing.T) {
	for _, name := range []string{OrderProcessing, ParallelOrder, TripBooking} {
		f := newFixture(t)
		ev, ok := SampleEvent(name)
		require.True(t, ok, name)
		_, _, err := f.eng.StartNamed(context.Background(), name, ev)
		assert.NoError(t, err, name)
	}

	_, ok := SampleEvent("missing")
	assert.False(t, ok)
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.RunNamed(context.Background(), "trip-1", TripBooking, TripEvent{FailBookHotel: true})
	require.Error(t, err)
	_, err = f.eng.RunNamed(context.Background(), "exec-order-1", OrderProcessing, sampleOrder())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		FnReserveFlight: 1,
		FnReserveHotel:  1,
		FnCancelFlight:  1,
	}, f.svc.Travel.CallCounts())
	assert.Equal(t, map[string]string{"order-1": "completed"}, f.svc.Ledger.Orders())

	writes := f.svc.Ledger.Writes()
	assert.Equal(t, 1, writes["order-1/validated"])
	assert.Equal(t, 1, writes["order-1/completed"])
	assert.Len(t, writes, 11)
}
