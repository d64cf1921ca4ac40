package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsWithoutRetryingOnFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	}, AlwaysRetriable)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, AlwaysRetriable)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsAtAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("still failing")
	}, AlwaysRetriable)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "still failing", err.Error())
}

func TestRetry_StopsEarlyWhenNotRetriable(t *testing.T) {
	calls := 0
	nonRetriable := errors.New("validation failed")
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return nonRetriable
	}, func(error) bool { return false })
	require.ErrorIs(t, err, nonRetriable)
	assert.Equal(t, 1, calls)
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 5, 50*time.Millisecond, func() error {
		calls++
		return errors.New("keep trying")
	}, AlwaysRetriable)
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestIsRetriableDbError_TrueForAnyNonNilError(t *testing.T) {
	assert.True(t, IsRetriableDbError(errors.New("throttled")))
	assert.False(t, IsRetriableDbError(nil))
}

func TestBackoff_GrowsWithAttemptUnderCap(t *testing.T) {
	base := 100 * time.Millisecond
	max := 30 * time.Second

	d1 := Backoff(1, base, max)
	d3 := Backoff(3, base, max)
	assert.GreaterOrEqual(t, d1, base)
	assert.Less(t, d1, base+base/10+1)
	assert.Greater(t, d3, d1)
}

func TestBackoff_IsBoundedByMaxDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	d := Backoff(20, base, max)
	assert.LessOrEqual(t, d, max+max/10+1)
}

func TestBackoff_ClampsNonPositiveAttemptToOne(t *testing.T) {
	base := 100 * time.Millisecond
	max := 30 * time.Second

	d0 := Backoff(0, base, max)
	d1 := Backoff(1, base, max)
	assert.GreaterOrEqual(t, d0, base)
	assert.Less(t, d0, base+base/10+1)
	_ = d1
}
