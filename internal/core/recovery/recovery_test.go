package recovery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/logging"
	"github.com/quillhub/ingestflow/internal/platform/retry"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(logging.CreateAppLogger("test"))
}

type immediateScheduler struct{}

func (immediateScheduler) AfterFunc(d time.Duration, fn func()) func() {
	fn()
	return func() {}
}

type recordingSink struct {
	mu    sync.Mutex
	calls []bool // retryable flag per call
}

func (s *recordingSink) ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, retryable)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestClassify_MatchesKnownSubstrings(t *testing.T) {
	tag, retryable := Classify(errors.New("connection timeout to upstream"))
	assert.Equal(t, TagNetwork, tag)
	assert.True(t, retryable)

	tag, retryable = Classify(errors.New("unsupported file format"))
	assert.Equal(t, TagFormat, tag)
	assert.False(t, retryable)

	tag, retryable = Classify(errors.New("permission denied"))
	assert.Equal(t, TagPermission, tag)
	assert.False(t, retryable)
}

func TestHandle_RetriesUpToMaxAttemptsThenFails(t *testing.T) {
	sink := &recordingSink{}
	c := New(Config{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 2}, immediateScheduler{}, sink, testLogger())

	var retries int
	onRetry := func() { retries++ }

	a1 := c.Handle("file-1", "owner-1", errors.New("network timeout"), "stage x", onRetry)
	assert.Equal(t, ActionRetry, a1.Kind)

	a2 := c.Handle("file-1", "owner-1", errors.New("network timeout"), "stage x", onRetry)
	assert.Equal(t, ActionRetry, a2.Kind)

	a3 := c.Handle("file-1", "owner-1", errors.New("network timeout"), "stage x", onRetry)
	assert.Equal(t, ActionFail, a3.Kind)

	assert.Equal(t, 2, retries, "onRetry only fires for the two retryable attempts")
	rec, ok := c.RecordFor("file-1")
	assert.False(t, ok, "record is cleared once the controller finalizes")
	assert.Equal(t, model.RetryRecord{}, rec)
}

func TestHandle_NonRetryableFailsImmediately(t *testing.T) {
	sink := &recordingSink{}
	c := New(DefaultConfig(), immediateScheduler{}, sink, testLogger())

	a := c.Handle("file-1", "owner-1", errors.New("unsupported format"), "stage x", nil)
	assert.Equal(t, ActionFail, a.Kind)
	assert.Equal(t, 1, a.Attempt)
}

func TestMarkSucceeded_ClearsRetryRecord(t *testing.T) {
	sink := &recordingSink{}
	c := New(DefaultConfig(), immediateScheduler{}, sink, testLogger())

	c.Handle("file-1", "owner-1", errors.New("network timeout"), "stage x", func() {})
	_, ok := c.RecordFor("file-1")
	require.True(t, ok)

	c.MarkSucceeded("file-1")
	_, ok = c.RecordFor("file-1")
	assert.False(t, ok)
}

func TestBackoff_IsBoundedByMaxDelay(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := retry.Backoff(attempt, time.Millisecond, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestBackoff_GrowsWithAttemptUnderCap(t *testing.T) {
	small := retry.Backoff(1, 10*time.Millisecond, time.Hour)
	large := retry.Backoff(4, 10*time.Millisecond, time.Hour)
	assert.Greater(t, large, small)
}
