package demo

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/durable/internal/engine"
)

// TripEvent starts a trip-booking execution. Zero fields fall back to the
// defaults in withDefaults.
type TripEvent struct {
	PassengerName string  `json:"passengerName,omitempty"`
	FlightNumber  string  `json:"flightNumber,omitempty"`
	Departure     string  `json:"departure,omitempty"`
	Destination   string  `json:"destination,omitempty"`
	FlightPrice   float64 `json:"flightPrice,omitempty"`
	HotelName     string  `json:"hotelName,omitempty"`
	RoomType      string  `json:"roomType,omitempty"`
	HotelPrice    float64 `json:"hotelPrice,omitempty"`
	CarType       string  `json:"carType,omitempty"`
	CarPrice      float64 `json:"carPrice,omitempty"`

	FailBookFlight         bool `json:"failBookFlight,omitempty"`
	FailBookHotel          bool `json:"failBookHotel,omitempty"`
	FailBookCar            bool `json:"failBookCar,omitempty"`
	HotelTransientFailures int  `json:"hotelTransientFailures,omitempty"`
}

func (ev TripEvent) withDefaults() TripEvent {
	def := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	defPrice := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}
	def(&ev.PassengerName, "John Doe")
	def(&ev.FlightNumber, "AA123")
	def(&ev.Departure, "JFK")
	def(&ev.Destination, "LAX")
	def(&ev.HotelName, "Grand Hotel")
	def(&ev.RoomType, "Standard")
	def(&ev.CarType, "Sedan")
	defPrice(&ev.FlightPrice, 450)
	defPrice(&ev.HotelPrice, 200)
	defPrice(&ev.CarPrice, 75)
	return ev
}

// TripResult is what a completed trip-booking execution returns.
type TripResult struct {
	TransactionID string       `json:"transactionId"`
	Status        string       `json:"status"`
	Flight        Confirmation `json:"flight"`
	Hotel         Confirmation `json:"hotel"`
	Car           Confirmation `json:"car"`
	TotalPrice    float64      `json:"totalPrice"`
}

// Compensation reports one cancel call made while unwinding a trip.
type Compensation struct {
	Step   string `json:"step"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SagaError fails a trip-booking execution after compensation ran.
// Error renders the details as JSON so they survive in the stored
// execution error.
type SagaError struct {
	TransactionID string         `json:"transactionId"`
	FailedStep    string         `json:"failedStep"`
	Reason        string         `json:"reason"`
	Compensations []Compensation `json:"compensations"`
}

func (e *SagaError) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("saga %s failed at %s: %s", e.TransactionID, e.FailedStep, e.Reason)
	}
	return "saga failed: " + string(data)
}

type sagaLeg struct {
	name     string
	reserve  string
	cancel   string
	request  Reservation
	response *Confirmation
}

// BookTrip reserves a flight, a hotel and a car through invoked targets.
// When a reservation fails, every reservation already made is cancelled in
// reverse order and the execution fails with a *SagaError.
func (s *Services) BookTrip(c *engine.Context, ev TripEvent) (*TripResult, error) {
	ev = ev.withDefaults()
	txn := "txn-" + string(c.ExecutionID())
	c.Log("starting trip booking", "transaction_id", txn, "passenger", ev.PassengerName)

	res := &TripResult{TransactionID: txn}
	legs := []sagaLeg{
		{
			name:    "flight",
			reserve: FnReserveFlight,
			cancel:  FnCancelFlight,
			request: Reservation{
				BookingID:     txn + "-flight",
				TransactionID: txn,
				PassengerName: ev.PassengerName,
				Detail:        fmt.Sprintf("%s %s-%s", ev.FlightNumber, ev.Departure, ev.Destination),
				Price:         ev.FlightPrice,
				Fail:          ev.FailBookFlight,
			},
			response: &res.Flight,
		},
		{
			name:    "hotel",
			reserve: FnReserveHotel,
			cancel:  FnCancelHotel,
			request: Reservation{
				BookingID:         txn + "-hotel",
				TransactionID:     txn,
				PassengerName:     ev.PassengerName,
				Detail:            ev.HotelName + " " + ev.RoomType,
				Price:             ev.HotelPrice,
				Fail:              ev.FailBookHotel,
				TransientFailures: ev.HotelTransientFailures,
			},
			response: &res.Hotel,
		},
		{
			name:    "car",
			reserve: FnReserveCar,
			cancel:  FnCancelCar,
			request: Reservation{
				BookingID:     txn + "-car",
				TransactionID: txn,
				PassengerName: ev.PassengerName,
				Detail:        ev.CarType,
				Price:         ev.CarPrice,
				Fail:          ev.FailBookCar,
			},
			response: &res.Car,
		},
	}

	for i, leg := range legs {
		raw, err := c.InvokeFunction("reserve-"+leg.name, leg.reserve, leg.request)
		if err == nil {
			err = json.Unmarshal(raw, leg.response)
		}
		if err != nil {
			if c.Err() != nil {
				return nil, err
			}
			return nil, s.unwind(c, txn, "reserve-"+leg.name, err, legs[:i])
		}
		res.TotalPrice += leg.response.Price
	}

	res.Status = "COMPLETED"
	c.Log("trip booked", "transaction_id", txn, "total", res.TotalPrice)
	return res, nil
}

// unwind cancels the reserved legs newest first. A cancel that fails is
// reported in the SagaError and does not stop the others.
func (s *Services) unwind(c *engine.Context, txn, failed string, cause error, reserved []sagaLeg) error {
	c.Logger().Warn("trip booking failed, compensating", "transaction_id", txn, "failed_step", failed, "reserved", len(reserved))

	serr := &SagaError{
		TransactionID: txn,
		FailedStep:    failed,
		Reason:        cause.Error(),
		Compensations: []Compensation{},
	}
	for i := len(reserved) - 1; i >= 0; i-- {
		leg := reserved[i]
		name := "cancel-" + leg.name
		_, err := c.InvokeFunction(name, leg.cancel, Reservation{
			BookingID:     leg.request.BookingID,
			TransactionID: txn,
		})
		if c.Err() != nil {
			return c.Err()
		}
		comp := Compensation{Step: name, Status: StatusCancelled}
		if err != nil {
			comp.Status = "FAILED"
			comp.Error = err.Error()
		}
		serr.Compensations = append(serr.Compensations, comp)
	}
	return serr
}
