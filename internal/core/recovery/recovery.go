// Package recovery implements the RecoveryController of spec.md §4.5: it
// classifies a raised error, computes an exponential-with-jitter backoff,
// and returns a retry/fail decision with an auditable RetryRecord history.
package recovery

import (
	"strings"
	"sync"
	"time"

	"github.com/quillhub/ingestflow/internal/core/internal/keyedmutex"
	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/logging"
	"github.com/quillhub/ingestflow/internal/platform/retry"
)

// Action is the outcome of Handle.
type Action struct {
	Kind    ActionKind
	Delay   time.Duration
	Attempt int
	History []model.RetryError
}

// ActionKind distinguishes retry/fail/escalate outcomes.
type ActionKind string

const (
	ActionRetry    ActionKind = "retry"
	ActionFail     ActionKind = "fail"
	ActionEscalate ActionKind = "escalate"
)

// Tag is the error classification of spec.md §4.5's table.
type Tag string

const (
	TagNetwork    Tag = "network"
	TagSize       Tag = "size"
	TagFormat     Tag = "format"
	TagPermission Tag = "permission"
	TagStorage    Tag = "storage"
	TagAuth       Tag = "auth"
	TagUnknown    Tag = "unknown"
)

type classification struct {
	tag       Tag
	needles   []string
	retryable bool
}

// classifications is checked in order; the first substring match wins.
var classifications = []classification{
	{TagNetwork, []string{"network", "timeout", "connection"}, true},
	{TagSize, []string{"size", "limit"}, true},
	{TagFormat, []string{"format", "type", "unsupported"}, false},
	{TagPermission, []string{"permission", "access"}, false},
	{TagStorage, []string{"storage", "disk", "io"}, true},
	{TagAuth, []string{"authentication", "auth"}, false},
}

// Classify maps err's message to a tag and retryability, per spec.md §4.5's
// case-insensitive substring table, falling back to the explicit
// apperror.Kind when the message doesn't match, and finally "unknown".
func Classify(err error) (Tag, bool) {
	if err == nil {
		return TagUnknown, true
	}
	msg := strings.ToLower(err.Error())
	for _, c := range classifications {
		for _, needle := range c.needles {
			if strings.Contains(msg, needle) {
				return c.tag, c.retryable
			}
		}
	}
	if kind := apperror.KindOf(err); kind != apperror.Internal {
		return TagUnknown, apperror.Retryable(err)
	}
	return TagUnknown, true
}

// Scheduler abstracts the retry timer so tests can fire it deterministically.
// This is the RetryScheduler interface spec.md §9 asks for.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// TimeScheduler backs Scheduler with time.AfterFunc.
type TimeScheduler struct{}

func (TimeScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Resumer describes a chunked-upload retry target. Controller does not call
// it; a firing retry runs the onRetry callback passed to Handle.
type Resumer interface {
	Resume(fileID string) error
}

// StageRestarter describes a pipeline retry target. Controller does not call
// it; a firing retry runs the onRetry callback passed to Handle.
type StageRestarter interface {
	RestartStage(fileID, stage string) error
}

// ErrorSink is where terminal failures are announced.
type ErrorSink interface {
	ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError)
}

// Config tunes the backoff formula (spec.md §4.5 defaults).
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig matches spec.md §4.5's documented defaults.
func DefaultConfig() Config {
	return Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 3}
}

// Controller is the RecoveryController implementation.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*model.RetryRecord

	locks     *keyedmutex.Map
	scheduler Scheduler
	sink      ErrorSink
	logger    logging.Logger
}

// New builds a Controller.
func New(cfg Config, scheduler Scheduler, sink ErrorSink, logger logging.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		records:   make(map[string]*model.RetryRecord),
		locks:     keyedmutex.New(),
		scheduler: scheduler,
		sink:      sink,
		logger:    logger,
	}
}

// Handle classifies err for fileID, updates the RetryRecord, and returns
// the resulting Action. context is a free-form string recorded alongside
// the error (e.g. "chunk 4" or "stage ocr"). The per-fileID lock is held
// only across the record update: onRetry (and, for a synchronous
// Scheduler such as a test's, any Handle call it triggers in turn) always
// runs after this call has released it, so a retry that fails again can
// safely re-enter Handle for the same fileID instead of deadlocking on
// its own decision lock.
func (c *Controller) Handle(fileID, principalID string, err error, context string, onRetry func()) Action {
	c.locks.Lock(fileID)
	tag, retryable := Classify(err)

	c.mu.Lock()
	rec, ok := c.records[fileID]
	if !ok {
		rec = &model.RetryRecord{FileID: fileID, FirstErrorTime: time.Now()}
		c.records[fileID] = rec
	}
	rec.Attempts++
	rec.LastErrorTime = time.Now()
	rec.ErrorHistory = append(rec.ErrorHistory, model.RetryError{
		Kind:    string(tag),
		Message: err.Error(),
		Time:    rec.LastErrorTime,
		Context: context,
	})
	attempt := rec.Attempts
	history := append([]model.RetryError(nil), rec.ErrorHistory...)
	c.mu.Unlock()
	c.locks.Unlock(fileID)

	if !retryable || attempt > c.cfg.MaxAttempts {
		c.finalize(fileID, principalID, err, history)
		return Action{Kind: ActionFail, Attempt: attempt, History: history}
	}

	delay := retry.Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	if onRetry != nil {
		c.scheduler.AfterFunc(delay, onRetry)
	}
	c.sink.ErrorSession(fileID, principalID, err.Error(), true, history)

	return Action{Kind: ActionRetry, Delay: delay, Attempt: attempt, History: history}
}

func (c *Controller) finalize(fileID, principalID string, err error, history []model.RetryError) {
	c.logger.Error("recovery: terminal failure", "fileId", fileID, "error", err)
	c.sink.ErrorSession(fileID, principalID, err.Error(), false, history)
	c.mu.Lock()
	delete(c.records, fileID)
	c.mu.Unlock()
	c.locks.Delete(fileID)
}

// MarkSucceeded clears the RetryRecord for fileID: this is the explicit
// success signal SPEC_FULL.md §9 substitutes for the "no error in the last
// 60 seconds" heuristic — callers invoke it the moment a chunked-upload or
// pipeline operation for fileID next succeeds.
func (c *Controller) MarkSucceeded(fileID string) {
	c.mu.Lock()
	delete(c.records, fileID)
	c.mu.Unlock()
}

// RecordFor returns a copy of the current RetryRecord, if any.
func (c *Controller) RecordFor(fileID string) (model.RetryRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[fileID]
	if !ok {
		return model.RetryRecord{}, false
	}
	return *rec, true
}
