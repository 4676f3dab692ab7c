package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/durable/internal/engine"
)

// Function names the trip-booking orchestration invokes.
const (
	FnReserveFlight = "saga-reserve-flight"
	FnReserveHotel  = "saga-reserve-hotel"
	FnReserveCar    = "saga-reserve-car"
	FnCancelFlight  = "saga-cancel-flight"
	FnCancelHotel   = "saga-cancel-hotel"
	FnCancelCar     = "saga-cancel-car"
)

// Booking statuses kept by Travel.
const (
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"
)

// Reservation is the request body every reserve and cancel target accepts.
type Reservation struct {
	BookingID     string  `json:"bookingId"`
	TransactionID string  `json:"transactionId"`
	PassengerName string  `json:"passengerName,omitempty"`
	Detail        string  `json:"detail,omitempty"`
	Price         float64 `json:"price,omitempty"`

	// Fail makes the reservation fail permanently.
	Fail bool `json:"fail,omitempty"`
	// TransientFailures is the number of attempts that fail with a
	// retryable error before the reservation succeeds.
	TransientFailures int `json:"transientFailures,omitempty"`
}

// Confirmation is what every reserve and cancel target returns.
type Confirmation struct {
	BookingID string  `json:"bookingId"`
	Status    string  `json:"status"`
	Price     float64 `json:"price,omitempty"`
}

// Travel is an in-process stand-in for the flight, hotel and car services.
// It keeps every booking it has seen and counts dispatches per function,
// so tests can tell a replayed invoke from a redelivered one.
type Travel struct {
	mu       sync.Mutex
	bookings map[string]string
	calls    map[string]int
	attempts map[string]int
}

// NewTravel returns an empty Travel.
func NewTravel() *Travel {
	return &Travel{
		bookings: make(map[string]string),
		calls:    make(map[string]int),
		attempts: make(map[string]int),
	}
}

// Targets returns every function Travel serves, keyed by function name.
func (t *Travel) Targets() map[string]engine.Target {
	return map[string]engine.Target{
		FnReserveFlight: t.reserve(FnReserveFlight, "flight"),
		FnReserveHotel:  t.reserve(FnReserveHotel, "hotel"),
		FnReserveCar:    t.reserve(FnReserveCar, "car"),
		FnCancelFlight:  t.cancel(FnCancelFlight),
		FnCancelHotel:   t.cancel(FnCancelHotel),
		FnCancelCar:     t.cancel(FnCancelCar),
	}
}

func (t *Travel) reserve(fn, kind string) engine.TargetFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req Reservation
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%s: decode request: %w", fn, err)
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		t.calls[fn]++
		t.attempts[req.BookingID]++

		if req.Fail {
			return nil, fmt.Errorf("%s reservation failed for %s", kind, req.BookingID)
		}
		if t.attempts[req.BookingID] <= req.TransientFailures {
			return nil, engine.Transient(fmt.Errorf("%s service unavailable (attempt %d)", kind, t.attempts[req.BookingID]))
		}
		t.bookings[req.BookingID] = StatusConfirmed
		return json.Marshal(Confirmation{BookingID: req.BookingID, Status: StatusConfirmed, Price: req.Price})
	}
}

func (t *Travel) cancel(fn string) engine.TargetFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req Reservation
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%s: decode request: %w", fn, err)
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		t.calls[fn]++
		if _, ok := t.bookings[req.BookingID]; !ok {
			return nil, fmt.Errorf("booking %s not found", req.BookingID)
		}
		t.bookings[req.BookingID] = StatusCancelled
		return json.Marshal(Confirmation{BookingID: req.BookingID, Status: StatusCancelled})
	}
}

// Calls returns how many times function fn was dispatched.
func (t *Travel) Calls(fn string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[fn]
}

// Booking returns the status of a booking and whether it exists.
func (t *Travel) Booking(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.bookings[id]
	return status, ok
}

// Bookings returns a copy of every booking and its status.
func (t *Travel) Bookings() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.bookings))
	for id, status := range t.bookings {
		out[id] = status
	}
	return out
}

// CallCounts returns a copy of the dispatch count of every function called
// at least once.
func (t *Travel) CallCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.calls))
	for fn, n := range t.calls {
		out[fn] = n
	}
	return out
}
