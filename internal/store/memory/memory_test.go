package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/durable/internal/ir"
	"github.com/roach88/durable/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return New()
	})
}

func TestAppendStampsRecordedAt(t *testing.T) {
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewWithClock(func() time.Time { return fixed })

	entry := storetest.Entry(1, ir.KindStep, "a", 1)
	entry.RecordedAt = time.Time{}
	require.NoError(t, s.Append(context.Background(), "exec", entry))

	entries, err := s.Load(context.Background(), "exec")
	require.NoError(t, err)
	assert.Equal(t, fixed, entries[0].RecordedAt)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Load(ctx, "exec")
	assert.ErrorIs(t, err, context.Canceled)
}
