package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_CalculateDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Zero(t, p.CalculateDelay(0))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, p.CalculateDelay(10))

	p.JitterFactor = 0.5
	for i := 0; i < 20; i++ {
		d := p.CalculateDelay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetry(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	retryable := func(err error) bool { return errors.Is(err, errTransient) }
	p := Policy{MaxRetries: 3, InitialDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), p, retryable, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), p, retryable, func(context.Context, int) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Retry(context.Background(), p, retryable, func(context.Context, int) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}
