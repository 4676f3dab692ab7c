package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/durable/internal/ir"
)

func TestFixedIDGenerator_ReturnsSameID(t *testing.T) {
	gen := NewFixedIDGenerator("exec-123")

	assert.Equal(t, ir.ExecutionID("exec-123"), gen.Generate())
	assert.Equal(t, ir.ExecutionID("exec-123"), gen.Generate())
}

func TestFixedIDGenerator_EmptyIDDefault(t *testing.T) {
	gen := NewFixedIDGenerator("")
	assert.Equal(t, ir.ExecutionID("test-execution-default"), gen.Generate())
}
