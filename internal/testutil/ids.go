package testutil

import "github.com/roach88/durable/internal/ir"

// FixedIDGenerator returns the same ExecutionID every time.
//
// Scenarios pin the id so a crash and its resume address the same
// execution and golden files carry a stable id. Unlike
// engine.FixedGenerator, which hands out a sequence, this one never runs out.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id ir.ExecutionID
}

// NewFixedIDGenerator creates a generator for id.
// If id is empty, Generate returns "test-execution-default".
func NewFixedIDGenerator(id ir.ExecutionID) *FixedIDGenerator {
	if id == "" {
		id = "test-execution-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed id. Implements engine.IDGenerator.
func (g *FixedIDGenerator) Generate() ir.ExecutionID {
	return g.id
}
