package demo

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/roach88/durable/internal/engine"
)

// Item is one order line.
type Item struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderEvent starts an order-processing execution. The trailing fields are
// failure flags scenarios use to force a branch.
type OrderEvent struct {
	OrderID       string `json:"orderId"`
	CustomerID    string `json:"customerId"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	Items         []Item `json:"items"`

	OutOfStock       []string `json:"outOfStock,omitempty"`
	DeclinePayment   bool     `json:"declinePayment,omitempty"`
	RiskScore        float64  `json:"riskScore,omitempty"`
	CreditScore      int      `json:"creditScore,omitempty"`
	FailQualityCheck bool     `json:"failQualityCheck,omitempty"`
}

// ValidatedOrder is the output of validate-order.
type ValidatedOrder struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Items      []Item  `json:"items"`
	Total      float64 `json:"total"`
}

// Payment is the output of process-payment.
type Payment struct {
	PaymentID string  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// Invoice is the output of generate-invoice.
type Invoice struct {
	InvoiceID string  `json:"invoiceId"`
	Subtotal  float64 `json:"subtotal"`
	Tax       float64 `json:"tax"`
	Total     float64 `json:"total"`
}

// ShippingLabel is the output of generate-shipping-label.
type ShippingLabel struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

// OrderResult is what a completed order-processing execution returns.
type OrderResult struct {
	OrderID       string        `json:"orderId"`
	Status        string        `json:"status"`
	Total         float64       `json:"total"`
	Payment       Payment       `json:"payment"`
	Invoice       Invoice       `json:"invoice"`
	Label         ShippingLabel `json:"label"`
	LoyaltyPoints int           `json:"loyaltyPoints"`
	Steps         int           `json:"steps"`
}

// Order thresholds.
const (
	taxRate            = 0.08
	fraudThreshold     = 95
	creditCheckAbove   = 1000
	minCreditScore     = 600
	defaultCreditScore = 700
	expressAbove       = 500
)

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ProcessOrder runs an order from validation to completion. Any step
// failure runs a compensate step that marks the order failed, then fails
// the execution with the original error.
func (s *Services) ProcessOrder(c *engine.Context, ev OrderEvent) (*OrderResult, error) {
	res, err := s.processOrder(c, ev)
	if err == nil {
		return res, nil
	}
	if c.Err() != nil {
		return nil, err
	}

	c.Logger().Error("order processing failed", "order_id", ev.OrderID, "error", err)
	if _, cerr := engine.Step(c, "compensate", err.Error(), func(ctx context.Context, reason string) (bool, error) {
		s.Ledger.SetStatus(ev.OrderID, "failed", reason)
		return true, nil
	}); cerr != nil {
		return nil, cerr
	}
	return nil, err
}

func (s *Services) processOrder(c *engine.Context, ev OrderEvent) (*OrderResult, error) {
	c.Log("starting order processing", "order_id", ev.OrderID)

	order, err := engine.Step(c, "validate-order", ev, func(ctx context.Context, ev OrderEvent) (ValidatedOrder, error) {
		if ev.OrderID == "" {
			return ValidatedOrder{}, fmt.Errorf("order id is required")
		}
		if len(ev.Items) == 0 {
			return ValidatedOrder{}, fmt.Errorf("order must contain at least one item")
		}
		if ev.CustomerID == "" {
			return ValidatedOrder{}, fmt.Errorf("customer id is required")
		}
		var total float64
		for _, item := range ev.Items {
			total += item.Price * float64(item.Quantity)
		}
		s.Ledger.SetStatus(ev.OrderID, "validated", "")
		return ValidatedOrder{
			OrderID:    ev.OrderID,
			CustomerID: ev.CustomerID,
			Items:      ev.Items,
			Total:      roundCents(total),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	id := order.OrderID

	type stockQuery struct {
		Items      []Item   `json:"items"`
		OutOfStock []string `json:"outOfStock,omitempty"`
	}
	if _, err := engine.Step(c, "check-inventory", stockQuery{order.Items, ev.OutOfStock}, func(ctx context.Context, q stockQuery) (bool, error) {
		for _, item := range q.Items {
			if slices.Contains(q.OutOfStock, item.SKU) {
				return false, fmt.Errorf("insufficient inventory for %s", item.SKU)
			}
		}
		s.Ledger.SetStatus(id, "inventory-checked", "")
		return true, nil
	}); err != nil {
		return nil, err
	}

	payment, err := engine.Step(c, "process-payment", map[string]any{"orderId": id, "amount": order.Total, "decline": ev.DeclinePayment},
		func(ctx context.Context, _ map[string]any) (Payment, error) {
			if ev.DeclinePayment {
				return Payment{}, fmt.Errorf("payment declined")
			}
			s.Ledger.SetStatus(id, "payment-processed", "")
			return Payment{PaymentID: "pay-" + id, Amount: order.Total, Status: "success"}, nil
		})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "reserve-inventory", id, func(ctx context.Context, id string) (string, error) {
		s.Ledger.SetStatus(id, "inventory-reserved", "")
		return "res-" + id, nil
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "fraud-check", ev.RiskScore, func(ctx context.Context, risk float64) (string, error) {
		if risk > fraudThreshold {
			return "", fmt.Errorf("order flagged as fraudulent (risk %.0f)", risk)
		}
		s.Ledger.SetStatus(id, "fraud-checked", "")
		return "passed", nil
	}); err != nil {
		return nil, err
	}

	type creditQuery struct {
		Total float64 `json:"total"`
		Score int     `json:"score"`
	}
	if _, err := engine.Step(c, "credit-check", creditQuery{order.Total, ev.CreditScore}, func(ctx context.Context, q creditQuery) (string, error) {
		if q.Total <= creditCheckAbove {
			return "skipped", nil
		}
		score := q.Score
		if score == 0 {
			score = defaultCreditScore
		}
		if score < minCreditScore {
			return "", fmt.Errorf("insufficient credit score %d", score)
		}
		return "approved", nil
	}); err != nil {
		return nil, err
	}

	invoice, err := engine.Step(c, "generate-invoice", order, func(ctx context.Context, o ValidatedOrder) (Invoice, error) {
		s.Ledger.SetStatus(o.OrderID, "invoice-generated", "")
		tax := roundCents(o.Total * taxRate)
		return Invoice{
			InvoiceID: "INV-" + o.OrderID,
			Subtotal:  o.Total,
			Tax:       tax,
			Total:     roundCents(o.Total + tax),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "pick-items", order.Items, func(ctx context.Context, items []Item) ([]string, error) {
		bins := make([]string, len(items))
		for i, item := range items {
			bins[i] = fmt.Sprintf("BIN-%03d-%s", i+1, item.SKU)
		}
		s.Ledger.SetStatus(id, "items-picked", "")
		return bins, nil
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "quality-check", ev.FailQualityCheck, func(ctx context.Context, fail bool) (bool, error) {
		if fail {
			return false, fmt.Errorf("quality check failed: items damaged")
		}
		s.Ledger.SetStatus(id, "quality-checked", "")
		return true, nil
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "package-order", order.Items, func(ctx context.Context, items []Item) (string, error) {
		weight := 0
		for _, item := range items {
			weight += item.Quantity * 2
		}
		s.Ledger.SetStatus(id, "packaged", "")
		return fmt.Sprintf("PKG-%s (%d lbs)", id, weight), nil
	}); err != nil {
		return nil, err
	}

	label, err := engine.Step(c, "generate-shipping-label", order.Total, func(ctx context.Context, total float64) (ShippingLabel, error) {
		carrier := "StandardShip"
		if total > expressAbove {
			carrier = "ExpressShip"
		}
		return ShippingLabel{TrackingNumber: "TRK-" + id, Carrier: carrier}, nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "ship-order", label, func(ctx context.Context, l ShippingLabel) (string, error) {
		s.Ledger.SetStatus(id, "shipped", "")
		return l.TrackingNumber, nil
	}); err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "send-notifications", label.TrackingNumber, func(ctx context.Context, tracking string) ([]string, error) {
		email := ev.CustomerEmail
		if email == "" {
			email = "customer@example.com"
		}
		return []string{
			fmt.Sprintf("email %s: order %s shipped, tracking %s", email, id, tracking),
		}, nil
	}); err != nil {
		return nil, err
	}

	points, err := engine.Step(c, "update-loyalty-points", order.Total, func(ctx context.Context, total float64) (int, error) {
		return int(math.Floor(total * 0.1)), nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Step(c, "complete-order", id, func(ctx context.Context, id string) (bool, error) {
		s.Ledger.SetStatus(id, "completed", "")
		return true, nil
	}); err != nil {
		return nil, err
	}

	c.Log("order processing completed", "order_id", id)
	return &OrderResult{
		OrderID:       id,
		Status:        "completed",
		Total:         order.Total,
		Payment:       payment,
		Invoice:       invoice,
		Label:         label,
		LoyaltyPoints: points,
		Steps:         orderSteps,
	}, nil
}

// orderSteps is the number of steps on the success path.
const orderSteps = 15
