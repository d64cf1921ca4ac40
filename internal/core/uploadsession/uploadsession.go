// Package uploadsession implements the UploadSessionManager of spec.md
// §4.3: it owns the UploadSession state machine and coordinates
// ChunkStore, ProgressBus, and PipelineOrchestrator.
package uploadsession

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quillhub/ingestflow/internal/core/chunkstore"
	"github.com/quillhub/ingestflow/internal/core/internal/keyedmutex"
	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/core/pipeline"
	"github.com/quillhub/ingestflow/internal/core/progressbus"
	"github.com/quillhub/ingestflow/internal/core/recovery"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// ChunkStore is the manager's view of chunkstore.Store.
type ChunkStore = chunkstore.Store

// ProgressBus is the subset of progressbus.Bus the manager depends on.
type ProgressBus interface {
	StartSession(fileID string, principal model.Principal, meta model.FileMetadata)
	UpdateProgress(fileID, principalID string, received, total int, progress float64, stage string)
	CompleteSession(fileID, principalID, filePath string, size int64)
	ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError)
}

var _ ProgressBus = (progressbus.Bus)(nil)

// PipelineOrchestrator is the subset of pipeline.Orchestrator the manager
// depends on.
type PipelineOrchestrator interface {
	Init(fileID, ownerID string, meta model.FileMetadata) *model.Pipeline
	StartStage(fileID, name string, context string) error
	CompleteStage(fileID, name string, result string) error
	HandleStageError(fileID, name string, err error, recoverable bool)
	Status(fileID string) (*model.Pipeline, bool)
}

var _ PipelineOrchestrator = (pipeline.Orchestrator)(nil)

// Config tunes the manager's limits (spec.md §3, §5).
type Config struct {
	UploadsPath  string
	ChunkSize    int64
	MaxChunks    int
	ChunkTimeout time.Duration
	SessionTTL   time.Duration
	HashDigest   func([]byte) string
}

// DefaultConfig applies spec.md's documented defaults.
func DefaultConfig(uploadsPath string) Config {
	return Config{
		UploadsPath:  uploadsPath,
		ChunkSize:    1048576,
		MaxChunks:    1000,
		ChunkTimeout: 30 * time.Minute,
		SessionTTL:   24 * time.Hour,
		HashDigest:   md5Hex,
	}
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// UploadResult is returned by UploadChunk.
type UploadResult struct {
	Progress        float64
	Received        int
	Total           int
	AlreadyReceived bool
}

// ResumeResult is returned by Resume.
type ResumeResult struct {
	Total    int
	Received []int
	Missing  []int
	Progress float64
}

// AssembleResult is returned by Assemble.
type AssembleResult struct {
	Path string
	Size int64
}

// Manager is the UploadSessionManager implementation.
type Manager struct {
	cfg      Config
	store    ChunkStore
	bus      ProgressBus
	pipeline PipelineOrchestrator
	recovery *recovery.Controller
	logger   logging.Logger

	mu       sync.RWMutex
	sessions map[string]*model.UploadSession

	assembling sync.Map // fileID -> struct{}, guards the "exactly one assemble wins" invariant
	locks      *keyedmutex.Map
}

// New builds a Manager. recoveryCtl decides retry/fail for the IOError,
// Timeout, and Internal chunk-write and assemble failures spec.md §7's
// propagation policy routes through the RecoveryController.
func New(cfg Config, store ChunkStore, bus ProgressBus, pipeline PipelineOrchestrator, recoveryCtl *recovery.Controller, logger logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		pipeline: pipeline,
		recovery: recoveryCtl,
		logger:   logger,
		sessions: make(map[string]*model.UploadSession),
		locks:    keyedmutex.New(),
	}
}

// recoverableStoreError routes a transient chunk-store failure through the
// RecoveryController, attaching the resulting Action to err as a
// RecoveryHint (spec.md §7: "client receives the action") and scheduling
// onRetry per the Action's backoff, and returns whether the failure is
// still retrying (as opposed to terminally failed).
func (m *Manager) recoverableStoreError(fileID, ownerID, context string, err error, onRetry func()) (error, bool) {
	if !apperror.Retryable(err) {
		return err, false
	}

	action := m.recovery.Handle(fileID, ownerID, err, context, onRetry)
	retrying := action.Kind == recovery.ActionRetry

	hint := &apperror.RecoveryHint{Action: "fail"}
	if retrying {
		hint = &apperror.RecoveryHint{Action: "retry", DelayMillis: action.Delay.Milliseconds()}
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		appErr.Hint = hint
	}

	if !retrying {
		m.mu.Lock()
		if s, ok := m.sessions[fileID]; ok {
			s.Status = model.SessionFailed
		}
		m.mu.Unlock()
	}

	return err, retrying
}

func ceilDiv(a, b int64) int {
	if b <= 0 {
		return 0
	}
	return int((a + b - 1) / b)
}

// Init creates a new session, or resets an existing terminal one, per
// spec.md §4.3.
func (m *Manager) Init(fileID string, principal model.Principal, meta model.FileMetadata) (*model.UploadSession, error) {
	chunkSize := m.cfg.ChunkSize
	maxBytes := chunkSize * int64(m.cfg.MaxChunks)
	if int64(meta.Size) > maxBytes {
		return nil, apperror.New(apperror.SizeExceeded,
			fmt.Sprintf("size %d exceeds limit of %d bytes", meta.Size, maxBytes))
	}

	m.locks.Lock(fileID)
	defer m.locks.Unlock(fileID)

	m.mu.Lock()
	existing, exists := m.sessions[fileID]
	if exists && !existing.Status.Terminal() {
		m.mu.Unlock()
		return nil, apperror.New(apperror.Conflict, "upload session already in progress")
	}
	m.mu.Unlock()

	totalChunks := ceilDiv(int64(meta.Size), chunkSize)

	tempDir, err := m.store.Prepare(fileID, principal.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &model.UploadSession{
		FileID:         fileID,
		OwnerID:        principal.ID,
		Metadata:       meta,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		ReceivedChunks: make(map[int]struct{}),
		ChunkHashes:    make(map[int]string),
		StartTime:      now,
		LastActivity:   now,
		Status:         model.SessionReceiving,
		TempDir:        tempDir,
	}

	m.mu.Lock()
	m.sessions[fileID] = session
	m.mu.Unlock()

	m.bus.StartSession(fileID, principal, meta)
	m.pipeline.Init(fileID, principal.ID, meta)
	m.pipeline.StartStage(fileID, "upload", "init")

	return session.Clone(), nil
}

func (m *Manager) get(fileID string) (*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[fileID]
	if !ok {
		return nil, apperror.ErrSessionNotFound
	}
	return s, nil
}

// Get returns a snapshot of the session, or NotFound.
func (m *Manager) Get(fileID string) (*model.UploadSession, error) {
	s, err := m.get(fileID)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// UploadChunk validates and stores one chunk, per spec.md §4.3.
func (m *Manager) UploadChunk(fileID string, index int, data []byte, clientDigest string) (UploadResult, error) {
	m.locks.Lock(fileID)
	defer m.locks.Unlock(fileID)

	session, err := m.get(fileID)
	if err != nil {
		return UploadResult{}, err
	}

	m.mu.RLock()
	status := session.Status
	total := session.TotalChunks
	m.mu.RUnlock()

	if status != model.SessionReceiving {
		return UploadResult{}, apperror.New(apperror.Conflict, "session is not accepting chunks")
	}
	if index < 0 || index >= total {
		return UploadResult{}, apperror.New(apperror.BadIndex, fmt.Sprintf("index %d out of range [0,%d)", index, total))
	}

	m.mu.Lock()
	if _, already := session.ReceivedChunks[index]; already {
		session.LastActivity = time.Now()
		received := len(session.ReceivedChunks)
		m.mu.Unlock()
		return UploadResult{
			Progress:        float64(received) / float64(total),
			Received:        received,
			Total:           total,
			AlreadyReceived: true,
		}, nil
	}
	m.mu.Unlock()

	digest := m.cfg.HashDigest(data)
	if clientDigest != "" && !strings.EqualFold(clientDigest, digest) {
		return UploadResult{}, apperror.New(apperror.ChecksumMismatch, "client digest does not match uploaded bytes")
	}

	if _, err := m.store.Write(fileID, index, data); err != nil {
		werr, _ := m.recoverableStoreError(fileID, session.OwnerID, fmt.Sprintf("chunk %d", index), err, func() {
			m.retryChunkWrite(fileID, index, data, digest)
		})
		return UploadResult{}, werr
	}

	m.recovery.MarkSucceeded(fileID)

	m.mu.Lock()
	session.ReceivedChunks[index] = struct{}{}
	session.ChunkHashes[index] = digest
	session.LastActivity = time.Now()
	received := len(session.ReceivedChunks)
	m.mu.Unlock()

	progress := float64(received) / float64(total)
	m.bus.UpdateProgress(fileID, session.OwnerID, received, total, progress, "upload")

	return UploadResult{Progress: progress, Received: received, Total: total}, nil
}

// retryChunkWrite is the RecoveryController's onRetry for a chunk-write
// failure: it re-attempts the write with the original bytes and, on
// success, applies exactly the bookkeeping UploadChunk's own success path
// does. A repeated failure re-enters the RecoveryController for the next
// attempt (or terminal failure), mirroring pipelinedriver's stage retry.
func (m *Manager) retryChunkWrite(fileID string, index int, data []byte, digest string) {
	session, err := m.get(fileID)
	if err != nil {
		return
	}

	if _, err := m.store.Write(fileID, index, data); err != nil {
		m.recoverableStoreError(fileID, session.OwnerID, fmt.Sprintf("chunk %d retry", index), err, func() {
			m.retryChunkWrite(fileID, index, data, digest)
		})
		return
	}

	m.recovery.MarkSucceeded(fileID)

	m.mu.Lock()
	session.ReceivedChunks[index] = struct{}{}
	session.ChunkHashes[index] = digest
	session.LastActivity = time.Now()
	received := len(session.ReceivedChunks)
	total := session.TotalChunks
	m.mu.Unlock()

	progress := float64(received) / float64(total)
	m.bus.UpdateProgress(fileID, session.OwnerID, received, total, progress, "upload")
}

// Resume rescans the ChunkStore (the source of truth for what's on disk),
// reconciles it with the session, and returns the gaps.
func (m *Manager) Resume(fileID string) (ResumeResult, error) {
	session, err := m.get(fileID)
	if err != nil {
		return ResumeResult{}, err
	}

	onDisk, err := m.store.List(fileID)
	if err != nil {
		return ResumeResult{}, err
	}

	m.mu.Lock()
	total := session.TotalChunks
	onDiskSet := make(map[int]struct{}, len(onDisk))
	for _, idx := range onDisk {
		onDiskSet[idx] = struct{}{}
		if _, ok := session.ReceivedChunks[idx]; !ok {
			session.ReceivedChunks[idx] = struct{}{}
		}
	}
	// Drop entries the store no longer has (e.g. purged after a crash).
	for idx := range session.ReceivedChunks {
		if _, ok := onDiskSet[idx]; !ok {
			delete(session.ReceivedChunks, idx)
		}
	}
	received := make([]int, 0, len(session.ReceivedChunks))
	for idx := range session.ReceivedChunks {
		received = append(received, idx)
	}
	m.mu.Unlock()

	receivedSet := make(map[int]struct{}, len(received))
	for _, idx := range received {
		receivedSet[idx] = struct{}{}
	}
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := receivedSet[i]; !ok {
			missing = append(missing, i)
		}
	}

	progress := 0.0
	if total > 0 {
		progress = float64(len(received)) / float64(total)
	}

	return ResumeResult{
		Total:    total,
		Received: sortedInts(received),
		Missing:  missing,
		Progress: progress,
	}, nil
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// confineToRoot resolves finalPath under root, rejecting traversal
// attempts, per the Open Question resolution in SPEC_FULL.md §9.
func confineToRoot(root, finalPath string) (string, error) {
	joined := filepath.Join(root, finalPath)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperror.Wrap(apperror.Internal, "resolve uploads root", err)
	}
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", apperror.Wrap(apperror.Internal, "resolve final path", err)
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(filepath.Separator)) {
		return "", apperror.New(apperror.Internal, "finalPath escapes uploads root")
	}
	return absJoined, nil
}

// Assemble requires all chunks received, transitions receiving->assembling,
// drives the "processing" pipeline stage, and streams the assembled file to
// finalPath (confined under UPLOADS_PATH). Exactly one concurrent Assemble
// per fileID wins; the other observes a state error.
func (m *Manager) Assemble(fileID, finalPath string) (AssembleResult, error) {
	if _, already := m.assembling.LoadOrStore(fileID, struct{}{}); already {
		return AssembleResult{}, apperror.New(apperror.Conflict, "assemble already in progress")
	}
	defer m.assembling.Delete(fileID)

	session, err := m.get(fileID)
	if err != nil {
		return AssembleResult{}, err
	}

	m.mu.Lock()
	if session.Status != model.SessionReceiving {
		m.mu.Unlock()
		return AssembleResult{}, apperror.New(apperror.Conflict, "session is not ready to assemble")
	}
	if len(session.ReceivedChunks) != session.TotalChunks {
		m.mu.Unlock()
		return AssembleResult{}, apperror.New(apperror.Conflict, "not all chunks received")
	}
	session.Status = model.SessionAssembling
	total := session.TotalChunks
	size := int64(session.Metadata.Size)
	owner := session.OwnerID
	meta := session.Metadata
	m.mu.Unlock()

	m.pipeline.CompleteStage(fileID, "upload", "all chunks received")
	m.pipeline.StartStage(fileID, "validation", "checksum pass")
	m.pipeline.CompleteStage(fileID, "validation", "ok")
	m.pipeline.StartStage(fileID, "processing", "assembly")

	order := make([]int, total)
	for i := range order {
		order[i] = i
	}

	outPath, err := confineToRoot(m.cfg.UploadsPath, finalPath)
	if err != nil {
		m.fail(fileID, owner, err)
		return AssembleResult{}, err
	}

	result, err := m.store.Assemble(fileID, order, outPath, size)
	if err != nil {
		// Leave chunks in place so a RecoveryController-scheduled retry
		// can re-assemble from the same chunk set.
		m.mu.Lock()
		session.Status = model.SessionReceiving
		m.mu.Unlock()

		werr, retrying := m.recoverableStoreError(fileID, owner, "assemble", err, func() {
			if _, rerr := m.Assemble(fileID, finalPath); rerr != nil {
				m.logger.Warn("uploadsession: assemble retry failed", "fileId", fileID, "error", rerr)
			}
		})
		m.pipeline.HandleStageError(fileID, "processing", err, retrying)
		return AssembleResult{}, werr
	}

	m.recovery.MarkSucceeded(fileID)
	m.store.Purge(fileID)
	m.pipeline.CompleteStage(fileID, "processing", "assembled")

	m.mu.Lock()
	session.Status = model.SessionCompleted
	m.mu.Unlock()

	_ = meta // stages downstream of processing are driven by the pipeline's own table

	go m.scheduleEviction(fileID, 30*time.Second)

	return AssembleResult{Path: result.Path, Size: result.Size}, nil
}

func (m *Manager) fail(fileID, ownerID string, err error) {
	m.mu.Lock()
	if s, ok := m.sessions[fileID]; ok {
		s.Status = model.SessionFailed
	}
	m.mu.Unlock()
	m.bus.ErrorSession(fileID, ownerID, err.Error(), false, nil)
}

// scheduleEviction drops the session record after grace, per spec.md §3's
// lifecycle (completion grace period / cancellation / TTL).
func (m *Manager) scheduleEviction(fileID string, grace time.Duration) {
	time.Sleep(grace)
	m.mu.Lock()
	if s, ok := m.sessions[fileID]; ok && s.Status.Terminal() {
		delete(m.sessions, fileID)
	}
	m.mu.Unlock()
	m.locks.Delete(fileID)
}

// Cancel purges chunks and releases the session.
func (m *Manager) Cancel(fileID string) error {
	m.locks.Lock(fileID)
	defer m.locks.Unlock(fileID)

	session, err := m.get(fileID)
	if err != nil {
		return err
	}

	m.store.Purge(fileID)

	m.mu.Lock()
	session.Status = model.SessionCancelled
	owner := session.OwnerID
	delete(m.sessions, fileID)
	m.mu.Unlock()

	m.bus.ErrorSession(fileID, owner, "upload cancelled", false, nil)
	return nil
}

// Validate re-digests each stored chunk and compares to its recorded
// digest, returning false on the first mismatch. A chunk digest is always
// recorded at write time (SPEC_FULL.md §9 tightens the Open Question), so
// every received chunk is actually checked.
func (m *Manager) Validate(fileID string) (bool, error) {
	session, err := m.get(fileID)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	indices := make([]int, 0, len(session.ReceivedChunks))
	hashes := make(map[int]string, len(session.ChunkHashes))
	for idx := range session.ReceivedChunks {
		indices = append(indices, idx)
	}
	for idx, h := range session.ChunkHashes {
		hashes[idx] = h
	}
	m.mu.RUnlock()

	for _, idx := range indices {
		data, err := m.store.Read(fileID, idx)
		if err != nil {
			return false, err
		}
		if m.cfg.HashDigest(data) != hashes[idx] {
			return false, nil
		}
	}
	return true, nil
}

// SweepTimeouts marks sessions idle past ChunkTimeout as failed(timeout)
// and evicts sessions past the absolute TTL. Intended to be called from a
// ticker every hour, per spec.md §5.
func (m *Manager) SweepTimeouts() {
	now := time.Now()

	m.mu.Lock()
	var toFail []*model.UploadSession
	var toEvict []string
	for id, s := range m.sessions {
		if !s.Status.Terminal() && now.Sub(s.LastActivity) > m.cfg.ChunkTimeout {
			s.Status = model.SessionFailed
			toFail = append(toFail, s)
		}
		if now.Sub(s.StartTime) > m.cfg.SessionTTL {
			toEvict = append(toEvict, id)
		}
	}
	for _, id := range toEvict {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range toFail {
		m.bus.ErrorSession(s.FileID, s.OwnerID, "chunk upload timed out", false, nil)
	}
	for _, id := range toEvict {
		m.store.Purge(id)
		m.locks.Delete(id)
	}
}
