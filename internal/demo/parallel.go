package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/durable/internal/engine"
)

// Address is where a parallel order ships.
type Address struct {
	Street string `json:"street,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state"`
}

// Customer places a parallel order.
type Customer struct {
	ID      string  `json:"id"`
	Email   string  `json:"email,omitempty"`
	Address Address `json:"address"`
}

// ParallelOrderEvent starts a parallel-order execution. The trailing fields
// are failure flags scenarios use to force a worker to report a problem.
type ParallelOrderEvent struct {
	OrderID  string   `json:"orderId"`
	Items    []Item   `json:"items"`
	Customer Customer `json:"customer"`

	OutOfStock     []string `json:"outOfStock,omitempty"`
	DeclinePayment bool     `json:"declinePayment,omitempty"`
	FailWorker     string   `json:"failWorker,omitempty"` // worker whose step errors
}

// InventoryResult is the inventory worker's answer.
type InventoryResult struct {
	Success       bool   `json:"success"`
	Available     bool   `json:"available"`
	ReservationID string `json:"reservationId,omitempty"`
	Message       string `json:"message,omitempty"`
}

// PaymentResult is the payment worker's answer.
type PaymentResult struct {
	Success           bool   `json:"success"`
	Valid             bool   `json:"valid"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	Message           string `json:"message,omitempty"`
}

// ShippingResult is the shipping worker's answer.
type ShippingResult struct {
	Success               bool    `json:"success"`
	ShippingCost          float64 `json:"shippingCost"`
	EstimatedDeliveryDays int     `json:"estimatedDeliveryDays"`
	Carrier               string  `json:"carrier"`
}

// TaxResult is the tax worker's answer.
type TaxResult struct {
	Success      bool    `json:"success"`
	TaxAmount    float64 `json:"taxAmount"`
	TaxRate      float64 `json:"taxRate"`
	Jurisdiction string  `json:"jurisdiction"`
}

// ValidationFailure names a worker whose answer blocks the order.
type ValidationFailure struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

// Totals is the output of calculate-final-totals.
type Totals struct {
	Subtotal float64 `json:"subtotal"`
	Shipping float64 `json:"shipping"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// ParallelOrderResult is what a parallel-order execution returns. A worker
// that reports a problem yields Success false with Failures, not an error.
type ParallelOrderResult struct {
	Success  bool                `json:"success"`
	OrderID  string              `json:"orderId"`
	Status   string              `json:"status,omitempty"`
	Message  string              `json:"message,omitempty"`
	Failures []ValidationFailure `json:"failures,omitempty"`

	Inventory *InventoryResult `json:"inventory,omitempty"`
	Payment   *PaymentResult   `json:"payment,omitempty"`
	Shipping  *ShippingResult  `json:"shipping,omitempty"`
	Tax       *TaxResult       `json:"tax,omitempty"`
	Totals    *Totals          `json:"totals,omitempty"`
}

// Worker branch order inside the "workers" group.
const (
	WorkerInventory = "inventory"
	WorkerPayment   = "payment"
	WorkerShipping  = "shipping"
	WorkerTax       = "tax"
)

// Shipping and tax tables.
const (
	baseShipping    = 5.99
	perItemShipping = 1.5
	freeShippingAt  = 100
	defaultTaxRate  = 0.05
)

var stateTaxRates = map[string]float64{
	"CA": 0.0725,
	"NY": 0.04,
	"TX": 0.0625,
	"WA": 0.065,
}

// ProcessParallelOrder validates an order, fans out to the inventory,
// payment, shipping and tax workers at once, and confirms the order when
// every worker agrees.
func (s *Services) ProcessParallelOrder(c *engine.Context, ev ParallelOrderEvent) (*ParallelOrderResult, error) {
	c.Log("starting parallel order processing", "order_id", ev.OrderID)

	order, err := engine.Step(c, "validate-input", ev, func(ctx context.Context, ev ParallelOrderEvent) (ParallelOrderEvent, error) {
		switch {
		case ev.OrderID == "":
			return ev, errors.New("orderId is required")
		case len(ev.Items) == 0:
			return ev, errors.New("items must not be empty")
		case ev.Customer.ID == "":
			return ev, errors.New("customer.id is required")
		case ev.Customer.Address.State == "":
			return ev, errors.New("customer.address.state is required for tax calculation")
		}
		s.Ledger.SetStatus(ev.OrderID, "validated", "")
		return ev, nil
	})
	if err != nil {
		return nil, err
	}
	id := order.OrderID

	subtotal, err := engine.Step(c, "calculate-subtotal", order.Items, func(ctx context.Context, items []Item) (float64, error) {
		var total float64
		for _, item := range items {
			total += item.Price * float64(item.Quantity)
		}
		return roundCents(total), nil
	})
	if err != nil {
		return nil, err
	}

	outputs, err := c.Parallel("workers",
		engine.Branch{
			Inputs: map[string]any{"orderId": id, "items": order.Items, "outOfStock": ev.OutOfStock},
			Fn:     s.inventoryWorker(ev),
		},
		engine.Branch{
			Inputs: map[string]any{"orderId": id, "customerId": order.Customer.ID, "amount": subtotal, "decline": ev.DeclinePayment},
			Fn:     s.paymentWorker(ev),
		},
		engine.Branch{
			Inputs: map[string]any{"orderId": id, "items": order.Items, "address": order.Customer.Address},
			Fn:     s.shippingWorker(ev, subtotal),
		},
		engine.Branch{
			Inputs: map[string]any{"orderId": id, "subtotal": subtotal, "state": order.Customer.Address.State},
			Fn:     s.taxWorker(ev, subtotal),
		},
	)
	if err != nil {
		return nil, err
	}

	var (
		inventory InventoryResult
		payment   PaymentResult
		shipping  ShippingResult
		tax       TaxResult
	)
	for i, dst := range []any{&inventory, &payment, &shipping, &tax} {
		if err := json.Unmarshal(outputs[i], dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", engine.BranchName("workers", i), err)
		}
	}

	failures, err := engine.Step(c, "validate-results", id, func(ctx context.Context, id string) ([]ValidationFailure, error) {
		failures := []ValidationFailure{}
		if !inventory.Success || !inventory.Available {
			failures = append(failures, ValidationFailure{Step: WorkerInventory, Reason: orDefault(inventory.Message, "Items not available")})
		}
		if !payment.Success || !payment.Valid {
			failures = append(failures, ValidationFailure{Step: WorkerPayment, Reason: orDefault(payment.Message, "Payment validation failed")})
		}
		if !shipping.Success {
			failures = append(failures, ValidationFailure{Step: WorkerShipping, Reason: "Shipping calculation failed"})
		}
		if !tax.Success {
			failures = append(failures, ValidationFailure{Step: WorkerTax, Reason: "Tax calculation failed"})
		}
		if len(failures) > 0 {
			s.Ledger.SetStatus(id, "rejected", failures[0].Reason)
		}
		return failures, nil
	})
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		c.Logger().Warn("order failed validation", "order_id", id, "failures", len(failures))
		return &ParallelOrderResult{
			Success:  false,
			OrderID:  id,
			Message:  "Order validation failed",
			Failures: failures,
		}, nil
	}

	totals, err := engine.Step(c, "calculate-final-totals", id, func(ctx context.Context, id string) (Totals, error) {
		return Totals{
			Subtotal: subtotal,
			Shipping: shipping.ShippingCost,
			Tax:      tax.TaxAmount,
			Total:    roundCents(subtotal + shipping.ShippingCost + tax.TaxAmount),
			Currency: "USD",
		}, nil
	})
	if err != nil {
		return nil, err
	}

	status, err := engine.Step(c, "finalize-order", id, func(ctx context.Context, id string) (string, error) {
		s.Ledger.SetStatus(id, "confirmed", "")
		return "CONFIRMED", nil
	})
	if err != nil {
		return nil, err
	}

	c.Log("parallel order confirmed", "order_id", id, "total", totals.Total)
	return &ParallelOrderResult{
		Success:   true,
		OrderID:   id,
		Status:    status,
		Inventory: &inventory,
		Payment:   &payment,
		Shipping:  &shipping,
		Tax:       &tax,
		Totals:    &totals,
	}, nil
}

func (s *Services) inventoryWorker(ev ParallelOrderEvent) engine.StepFunc {
	return func(ctx context.Context) (any, error) {
		if ev.FailWorker == WorkerInventory {
			return nil, errors.New("inventory service unavailable")
		}
		for _, item := range ev.Items {
			if slices.Contains(ev.OutOfStock, item.SKU) {
				return InventoryResult{Success: true, Message: "insufficient inventory for " + item.SKU}, nil
			}
		}
		s.Ledger.SetStatus(ev.OrderID, "inventory-reserved", "")
		return InventoryResult{Success: true, Available: true, ReservationID: "RES-" + ev.OrderID}, nil
	}
}

func (s *Services) paymentWorker(ev ParallelOrderEvent) engine.StepFunc {
	return func(ctx context.Context) (any, error) {
		if ev.FailWorker == WorkerPayment {
			return nil, errors.New("payment service unavailable")
		}
		if ev.DeclinePayment {
			return PaymentResult{Success: true, Message: "payment method declined"}, nil
		}
		s.Ledger.SetStatus(ev.OrderID, "payment-authorized", "")
		return PaymentResult{Success: true, Valid: true, AuthorizationCode: "AUTH-" + ev.OrderID}, nil
	}
}

func (s *Services) shippingWorker(ev ParallelOrderEvent, subtotal float64) engine.StepFunc {
	return func(ctx context.Context) (any, error) {
		if ev.FailWorker == WorkerShipping {
			return nil, errors.New("shipping service unavailable")
		}
		cost := 0.0
		if subtotal < freeShippingAt {
			quantity := 0
			for _, item := range ev.Items {
				quantity += item.Quantity
			}
			cost = roundCents(baseShipping + perItemShipping*float64(quantity))
		}
		s.Ledger.SetStatus(ev.OrderID, "shipping-quoted", "")
		return ShippingResult{Success: true, ShippingCost: cost, EstimatedDeliveryDays: 5, Carrier: "StandardShip"}, nil
	}
}

func (s *Services) taxWorker(ev ParallelOrderEvent, subtotal float64) engine.StepFunc {
	return func(ctx context.Context) (any, error) {
		if ev.FailWorker == WorkerTax {
			return nil, errors.New("tax service unavailable")
		}
		state := ev.Customer.Address.State
		rate, ok := stateTaxRates[state]
		if !ok {
			rate = defaultTaxRate
		}
		s.Ledger.SetStatus(ev.OrderID, "tax-calculated", "")
		return TaxResult{Success: true, TaxAmount: roundCents(subtotal * rate), TaxRate: rate, Jurisdiction: state}, nil
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
