package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingTarget_EchoesByDefault(t *testing.T) {
	target := &CountingTarget{}

	resp, err := target.Invoke(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(resp))
	assert.Equal(t, 1, target.Calls())
}

func TestCountingTarget_RespondSeesCallNumber(t *testing.T) {
	errBusy := errors.New("busy")
	target := &CountingTarget{
		Respond: func(call int, _ json.RawMessage) (json.RawMessage, error) {
			if call < 3 {
				return nil, errBusy
			}
			return json.RawMessage(`"ok"`), nil
		},
	}

	for i := 0; i < 2; i++ {
		_, err := target.Invoke(context.Background(), json.RawMessage(`1`))
		assert.ErrorIs(t, err, errBusy)
	}
	resp, err := target.Invoke(context.Background(), json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(resp))
	assert.Len(t, target.Payloads(), 3)
}

func TestCountingTarget_CanceledContext(t *testing.T) {
	target := &CountingTarget{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := target.Invoke(ctx, json.RawMessage(`1`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, target.Calls())
}

func TestCounter(t *testing.T) {
	c := NewCounter()
	assert.Equal(t, 1, c.Inc("charge"))
	assert.Equal(t, 2, c.Inc("charge"))
	assert.Equal(t, 1, c.Inc("ship"))

	assert.Equal(t, 2, c.Get("charge"))
	assert.Equal(t, 0, c.Get("missing"))
	assert.Equal(t, 3, c.Total())
	assert.Equal(t, map[string]int{"charge": 2, "ship": 1}, c.Snapshot())
}
