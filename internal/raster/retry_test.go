package raster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/zonal-climate-analyzer/internal/climate"
)

type countingSleeper struct {
	waits []time.Duration
}

func (s *countingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil", err: nil, attempt: 1, want: false},
		{name: "transport", err: errors.New("connection reset"), attempt: 1, want: true},
		{name: "exhausted", err: errors.New("connection reset"), attempt: 5, want: false},
		{name: "throttled", err: &climate.StatusError{Code: 429}, attempt: 2, want: true},
		{name: "server error", err: fmt.Errorf("get: %w", &climate.StatusError{Code: 503}), attempt: 1, want: true},
		{name: "forbidden", err: &climate.StatusError{Code: 403}, attempt: 1, want: false},
		{name: "not published", err: fmt.Errorf("x: %w", climate.ErrNotPublished), attempt: 1, want: false},
		{name: "decode", err: climate.Wrap(climate.KindDecodeFailed, errors.New("bad"), ""), attempt: 1, want: false},
		{name: "canceled", err: context.Canceled, attempt: 1, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		full := 100 * time.Millisecond << (attempt - 1)
		if full > time.Second {
			full = time.Second
		}
		assert.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, full, "attempt %d", attempt)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := &countingSleeper{}
	calls := 0
	err := DefaultRetryPolicy().Do(context.Background(), s, func(int) error {
		calls++
		if calls < 3 {
			return &climate.StatusError{Code: 502}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, s.waits, 2)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	s := &countingSleeper{}
	calls := 0
	err := DefaultRetryPolicy().Do(context.Background(), s, func(int) error {
		calls++
		return climate.ErrNotPublished
	})
	require.ErrorIs(t, err, climate.ErrNotPublished)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.waits)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	s := &countingSleeper{}
	calls := 0
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := p.Do(context.Background(), s, func(int) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := DefaultRetryPolicy().Do(ctx, &countingSleeper{}, func(int) error {
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
}
