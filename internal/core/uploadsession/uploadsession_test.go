package uploadsession

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhub/ingestflow/internal/core/chunkstore"
	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/core/recovery"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// immediateScheduler fires a scheduled retry synchronously, so tests don't
// have to sleep for the recovery controller's backoff delay.
type immediateScheduler struct{}

func (immediateScheduler) AfterFunc(d time.Duration, fn func()) func() {
	fn()
	return func() {}
}

func newTestRecovery() *recovery.Controller {
	return recovery.New(
		recovery.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2},
		immediateScheduler{},
		fakeBus{},
		testLogger(),
	)
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(logging.CreateAppLogger("test"))
}

type fakeBus struct{}

func (fakeBus) StartSession(fileID string, principal model.Principal, meta model.FileMetadata) {}
func (fakeBus) UpdateProgress(fileID, principalID string, received, total int, progress float64, stage string) {
}
func (fakeBus) CompleteSession(fileID, principalID, filePath string, size int64) {}
func (fakeBus) ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError) {
}

type fakeOrchestrator struct{}

func (fakeOrchestrator) Init(fileID, ownerID string, meta model.FileMetadata) *model.Pipeline {
	return &model.Pipeline{FileID: fileID, OwnerID: ownerID}
}
func (fakeOrchestrator) StartStage(fileID, name, context string) error       { return nil }
func (fakeOrchestrator) CompleteStage(fileID, name, result string) error    { return nil }
func (fakeOrchestrator) HandleStageError(fileID, name string, err error, recoverable bool) {}
func (fakeOrchestrator) Status(fileID string) (*model.Pipeline, bool)        { return nil, false }

func newTestManager(t *testing.T) *Manager {
	m, _ := newTestManagerWithRoot(t)
	return m
}

func newTestManagerWithRoot(t *testing.T) (*Manager, string) {
	root := t.TempDir()
	store := chunkstore.New(root, testLogger())
	cfg := DefaultConfig(root)
	cfg.ChunkSize = 4
	cfg.MaxChunks = 10
	return New(cfg, store, fakeBus{}, fakeOrchestrator{}, newTestRecovery(), testLogger()), root
}

func TestInit_RejectsOversizedFile(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "big.bin", Size: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.New(apperror.SizeExceeded, ""))
}

func TestInit_RejectsReinitWhileInProgress(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	_, err = m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.New(apperror.Conflict, ""))
}

func TestUploadChunk_IsIdempotentOnReplay(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	r1, err := m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)
	assert.False(t, r1.AlreadyReceived)

	r2, err := m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)
	assert.True(t, r2.AlreadyReceived)
	assert.Equal(t, r1.Received, r2.Received)
}

func TestUploadChunk_RejectsChecksumMismatch(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	_, err = m.UploadChunk("file-1", 0, []byte("data"), "not-a-real-digest")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.New(apperror.ChecksumMismatch, ""))
}

func TestUploadChunk_RejectsOutOfRangeIndex(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	_, err = m.UploadChunk("file-1", 5, []byte("data"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.New(apperror.BadIndex, ""))
}

func TestAssemble_RequiresEveryChunkReceived(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 8})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	_, err = m.Assemble("file-1", "out.bin")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.New(apperror.Conflict, ""))
}

func TestAssemble_RejectsPathTraversal(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	_, err = m.Assemble("file-1", "../../etc/passwd")
	require.Error(t, err)
}

func TestAssemble_SucceedsOnceAllChunksPresent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	result, err := m.Assemble("file-1", "out.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Size)

	session, err := m.Get("file-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, session.Status)
}

func TestResume_ReconcilesAgainstChunkStoreAsSourceOfTruth(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 8})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	result, err := m.Resume("file-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, result.Received)
	assert.Equal(t, []int{1}, result.Missing)
}

func TestCancel_PurgesAndReleasesSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	require.NoError(t, m.Cancel("file-1"))

	_, err = m.Get("file-1")
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestValidate_PassesForUntamperedChunks(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	valid, err := m.Validate("file-1")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestValidate_DetectsChunkTamperedOnDisk(t *testing.T) {
	m, root := newTestManagerWithRoot(t)
	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	chunkPath := filepath.Join(root, "temp", "chunks", "owner-1", "file-1", "chunk_0")
	require.NoError(t, os.WriteFile(chunkPath, []byte("XXXX"), 0o644))

	valid, err := m.Validate("file-1")
	require.NoError(t, err)
	assert.False(t, valid)
}

// flakyStore fails its Write/Assemble calls the configured number of times
// before delegating to the wrapped Store, so tests can drive the recovery
// controller through a real retry.
type flakyStore struct {
	chunkstore.Store
	mu            sync.Mutex
	failWrites    int
	failAssembles int
}

func (f *flakyStore) Write(fileID string, index int, data []byte) (string, error) {
	f.mu.Lock()
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return "", apperror.Wrap(apperror.IOError, "simulated disk error", errors.New("disk full"))
	}
	f.mu.Unlock()
	return f.Store.Write(fileID, index, data)
}

func (f *flakyStore) Assemble(fileID string, order []int, outPath string, expectedSize int64) (chunkstore.AssembleResult, error) {
	f.mu.Lock()
	if f.failAssembles > 0 {
		f.failAssembles--
		f.mu.Unlock()
		return chunkstore.AssembleResult{}, apperror.Wrap(apperror.IOError, "simulated disk error", errors.New("disk full"))
	}
	f.mu.Unlock()
	return f.Store.Assemble(fileID, order, outPath, expectedSize)
}

func TestUploadChunk_RoutesTransientWriteFailureThroughRecoveryController(t *testing.T) {
	root := t.TempDir()
	store := &flakyStore{Store: chunkstore.New(root, testLogger()), failWrites: 1}
	cfg := DefaultConfig(root)
	cfg.ChunkSize = 4
	cfg.MaxChunks = 10
	m := New(cfg, store, fakeBus{}, fakeOrchestrator{}, newTestRecovery(), testLogger())

	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.Error(t, err, "the first attempt reports the RecoveryController's decision to the caller")

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	require.NotNil(t, appErr.Hint)
	assert.Equal(t, "retry", appErr.Hint.Action)

	session, err := m.Get("file-1")
	require.NoError(t, err)
	assert.Contains(t, session.ReceivedChunks, 0, "the immediately-scheduled retry already wrote the chunk")
}

func TestUploadChunk_FailsSessionOnceRetriesAreExhausted(t *testing.T) {
	root := t.TempDir()
	store := &flakyStore{Store: chunkstore.New(root, testLogger()), failWrites: 99}
	cfg := DefaultConfig(root)
	cfg.ChunkSize = 4
	cfg.MaxChunks = 10
	m := New(cfg, store, fakeBus{}, fakeOrchestrator{}, newTestRecovery(), testLogger())

	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)

	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.Error(t, err, "MaxAttempts is 2, so a write that keeps failing eventually gives up rather than retrying forever")

	session, err := m.Get("file-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, session.Status)
}

func TestAssemble_RetriesTransientAssembleFailureThenCompletes(t *testing.T) {
	root := t.TempDir()
	store := &flakyStore{Store: chunkstore.New(root, testLogger()), failAssembles: 1}
	cfg := DefaultConfig(root)
	cfg.ChunkSize = 4
	cfg.MaxChunks = 10
	rc := recovery.New(
		recovery.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2},
		recovery.TimeScheduler{},
		fakeBus{},
		testLogger(),
	)
	m := New(cfg, store, fakeBus{}, fakeOrchestrator{}, rc, testLogger())

	_, err := m.Init("file-1", model.Principal{ID: "owner-1"}, model.FileMetadata{Name: "a.bin", Size: 4})
	require.NoError(t, err)
	_, err = m.UploadChunk("file-1", 0, []byte("data"), "")
	require.NoError(t, err)

	_, err = m.Assemble("file-1", "out.bin")
	require.Error(t, err, "the first attempt reports the scheduled retry to the caller")

	require.Eventually(t, func() bool {
		session, err := m.Get("file-1")
		return err == nil && session.Status == model.SessionCompleted
	}, time.Second, 10*time.Millisecond, "the scheduled retry should assemble from the same chunk set and complete")
}
