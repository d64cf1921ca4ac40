package progressbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(logging.CreateAppLogger("test"))
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (s *recordingSink) Send(e model.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublish_FansOutToOwningPrincipalOnly(t *testing.T) {
	bus := New(testLogger(), WithSweepInterval(time.Hour))
	defer bus.Close()

	mine := &recordingSink{}
	theirs := &recordingSink{}

	bus.Subscribe(model.Principal{ID: "user-1"}, mine)
	bus.Subscribe(model.Principal{ID: "user-2"}, theirs)

	bus.UpdateProgress("file-1", "user-1", 1, 2, 0.5, "upload")

	require.Equal(t, 1, mine.count())
	assert.Equal(t, 0, theirs.count())
}

func TestPublish_EvictsDeadSink(t *testing.T) {
	bus := New(testLogger(), WithSweepInterval(time.Hour))
	defer bus.Close()

	dead := SinkFunc(func(model.ProgressEvent) error { return errors.New("connection reset") })
	bus.Subscribe(model.Principal{ID: "user-1"}, dead)

	bus.UpdateProgress("file-1", "user-1", 1, 2, 0.5, "upload")

	bus.mu.RLock()
	remaining := len(bus.subs["user-1"])
	bus.mu.RUnlock()
	assert.Equal(t, 0, remaining)
}

func TestCompleteSession_RetainsTerminalSnapshotUntilGrace(t *testing.T) {
	bus := New(testLogger(), WithSweepInterval(time.Hour))
	defer bus.Close()
	bus.terminalGrace = 20 * time.Millisecond

	bus.StartSession("file-1", model.Principal{ID: "user-1"}, model.FileMetadata{Name: "a.txt"})
	bus.CompleteSession("file-1", "user-1", "/tmp/a.txt", 42)

	info, ok := bus.SessionStatus("file-1")
	require.True(t, ok)
	assert.Equal(t, model.SessionCompleted, info.Status)

	require.Eventually(t, func() bool {
		_, ok := bus.SessionStatus("file-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestErrorSession_RetryableDoesNotTerminateSession(t *testing.T) {
	bus := New(testLogger(), WithSweepInterval(time.Hour))
	defer bus.Close()

	bus.StartSession("file-1", model.Principal{ID: "user-1"}, model.FileMetadata{Name: "a.txt"})
	bus.UpdateProgress("file-1", "user-1", 1, 4, 0.25, "upload")
	bus.ErrorSession("file-1", "user-1", "network timeout", true, nil)

	info, ok := bus.SessionStatus("file-1")
	require.True(t, ok)
	assert.False(t, info.Status.Terminal())
}

func TestUnsubscribe_StopsFutureDeliveries(t *testing.T) {
	bus := New(testLogger(), WithSweepInterval(time.Hour))
	defer bus.Close()

	sink := &recordingSink{}
	handle := bus.Subscribe(model.Principal{ID: "user-1"}, sink)
	bus.UpdateProgress("file-1", "user-1", 1, 2, 0.5, "upload")
	require.Equal(t, 1, sink.count())

	bus.Unsubscribe(handle)
	bus.UpdateProgress("file-1", "user-1", 2, 2, 1.0, "upload")
	assert.Equal(t, 1, sink.count())
}
