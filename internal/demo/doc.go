// Package demo holds example orchestrations used by the CLI and the
// conformance harness.
//
//   - OrderProcessing: a long chain of memoized steps (validate, inventory,
//     payment, fraud and credit checks, fulfilment, notifications) with a
//     compensate step on failure.
//   - ParallelOrder: validation and subtotal steps, then inventory, payment,
//     shipping and tax workers run at once through Context.Parallel, then
//     totals and confirmation. A worker that reports a problem ends the
//     order with a failure list instead of an error.
//   - TripBooking: a saga that reserves a flight, hotel and car through
//     named invocation targets and cancels completed reservations in
//     reverse order when a later one fails.
//
// All read failure flags from their event so scenarios can drive every
// branch without randomness. All ids are derived from the event or the
// execution id, so a replay produces byte-identical outputs.
package demo
