// Package harness runs crash/resume scenarios against the durable engine.
//
// A scenario names a registered demo orchestration, an event, and a list of
// runs. Each run may crash the store partway through; the next run resumes
// the same execution. After the last run the harness reads back the
// execution record, its history and the side effects the demo services
// observed, and evaluates assertions against them.
//
// # Scenario Format
//
//	name: order_crash_after_payment
//	description: "A crash after payment resumes without charging twice"
//	orchestration: order-processing
//	execution_id: order-crash-1
//	event:
//	  orderId: order-1
//	  customerId: cust-1
//	  items: [{ sku: WIDGET-1, quantity: 2, price: 19.99 }]
//	runs:
//	  - crash_after: 3
//	  - {}
//	expect:
//	  status: COMPLETED
//	assertions:
//	  - type: effect_count
//	    effect: order-1/payment-processed
//	    count: 1
//	  - type: final_state
//	    table: executions
//	    where: { id: order-crash-1 }
//	    expect: { status: COMPLETED }
//
// # Assertion Types
//
//   - trace_contains: an entry with the name (and kind, status, output if given) exists
//   - trace_order: entries appear in the given order
//   - trace_count: exactly N entries carry the name
//   - effect_count: a side effect happened exactly N times
//   - final_state: a row of executions, history, orders or bookings has the expected values
//   - fresh_equivalent: history and outcome equal those of an uninterrupted run
//
// # Deterministic Testing
//
// Every scenario gets its own in-memory SQLite store, step clocks for
// timestamps and a fixed execution id, so two runs of one scenario produce
// byte-identical snapshots. CheckDeterminism and RunWithGolden rely on it.
package harness
