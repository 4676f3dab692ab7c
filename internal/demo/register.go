package demo

import (
	"encoding/json"
	"sort"

	"github.com/roach88/durable/internal/engine"
)

// Registered orchestration names.
const (
	OrderProcessing = "order-processing"
	ParallelOrder   = "parallel-order"
	TripBooking     = "trip-booking"
)

// Services holds the side-effect sinks the demo orchestrations write to.
type Services struct {
	Ledger *Ledger
	Travel *Travel
}

// NewServices returns Services with an empty Ledger and Travel.
func NewServices() *Services {
	return &Services{
		Ledger: NewLedger(),
		Travel: NewTravel(),
	}
}

// Options registers every Travel function as an engine target.
func (s *Services) Options() []engine.Option {
	targets := s.Travel.Targets()
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]engine.Option, 0, len(names))
	for _, name := range names {
		opts = append(opts, engine.WithTarget(name, targets[name]))
	}
	return opts
}

// Register adds the demo orchestrations to e. e must have been built with
// Options so trip-booking can resolve its targets.
func (s *Services) Register(e *engine.Engine) {
	e.Register(OrderProcessing, engine.Typed(s.ProcessOrder))
	e.Register(ParallelOrder, engine.Typed(s.ProcessParallelOrder))
	e.Register(TripBooking, engine.Typed(s.BookTrip))
}

// SampleEvent returns a ready-to-run event for a registered orchestration.
func SampleEvent(name string) (json.RawMessage, bool) {
	var ev any
	switch name {
	case OrderProcessing:
		ev = OrderEvent{
			OrderID:       "order-1001",
			CustomerID:    "cust-42",
			CustomerEmail: "customer@example.com",
			Items: []Item{
				{SKU: "WIDGET-1", Quantity: 2, Price: 19.99},
				{SKU: "GADGET-7", Quantity: 1, Price: 49.5},
			},
		}
	case ParallelOrder:
		ev = ParallelOrderEvent{
			OrderID: "order-2001",
			Items: []Item{
				{SKU: "WIDGET-1", Quantity: 2, Price: 19.99},
				{SKU: "GADGET-7", Quantity: 1, Price: 49.5},
			},
			Customer: Customer{
				ID:      "cust-42",
				Email:   "customer@example.com",
				Address: Address{Street: "1 Market St", City: "San Francisco", State: "CA"},
			},
		}
	case TripBooking:
		ev = TripEvent{PassengerName: "Ada Lovelace"}
	default:
		return nil, false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, false
	}
	return data, true
}
