// Package progressbus implements the in-memory publish/subscribe component
// from spec.md §4.1: it fans events out to the subscribers of the event's
// owning principal and retains a read-through SessionInfo snapshot until
// past the session's terminal grace period.
package progressbus

import (
	"sync"
	"time"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// Sink is what a subscriber implements to receive serialized events. This
// is the ProgressSink interface spec.md §9 asks for: the bus never knows
// about WebSockets, only about something that can accept an event and
// report whether it's still alive.
type Sink interface {
	// Send delivers one event. A non-nil error marks the sink dead; the
	// bus removes it and does not fail the publish.
	Send(event model.ProgressEvent) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(model.ProgressEvent) error

func (f SinkFunc) Send(e model.ProgressEvent) error { return f(e) }

// Handle identifies one subscription for Unsubscribe.
type Handle struct {
	principalID string
	id          uint64
}

type subscriber struct {
	id           uint64
	sink         Sink
	lastActivity time.Time
}

// Bus is the ProgressBus contract.
type Bus interface {
	Subscribe(principal model.Principal, sink Sink) Handle
	Unsubscribe(h Handle)
	Publish(event model.ProgressEvent)

	StartSession(fileID string, principal model.Principal, meta model.FileMetadata)
	UpdateProgress(fileID, principalID string, received, total int, progress float64, stage string)
	CompleteSession(fileID, principalID, filePath string, size int64)
	ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError)

	SessionStatus(fileID string) (model.SessionInfo, bool)
}

// InMemoryBus is the single-process implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber // principalID -> subscribers
	next uint64

	sessMu   sync.RWMutex
	sessions map[string]model.SessionInfo // fileID -> info

	logger logging.Logger

	terminalGrace time.Duration
	sweepInterval time.Duration
	sessionTTL    time.Duration

	stop chan struct{}
	once sync.Once
}

// Option configures an InMemoryBus.
type Option func(*InMemoryBus)

// WithSweepInterval overrides the default 1h sweep cadence (spec.md §5).
func WithSweepInterval(d time.Duration) Option {
	return func(b *InMemoryBus) { b.sweepInterval = d }
}

// New builds an InMemoryBus and starts its background sweeper.
func New(logger logging.Logger, opts ...Option) *InMemoryBus {
	b := &InMemoryBus{
		subs:          make(map[string][]*subscriber),
		sessions:      make(map[string]model.SessionInfo),
		logger:        logger,
		terminalGrace: 30 * time.Second,
		sweepInterval: time.Hour,
		sessionTTL:    24 * time.Hour,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.sweepLoop()
	return b
}

// Close stops the background sweeper. Safe to call multiple times.
func (b *InMemoryBus) Close() {
	b.once.Do(func() { close(b.stop) })
}

func (b *InMemoryBus) sweepLoop() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *InMemoryBus) sweep() {
	cutoff := time.Now().Add(-b.sessionTTL)
	b.sessMu.Lock()
	for id, info := range b.sessions {
		if info.UpdatedAt.Before(cutoff) {
			delete(b.sessions, id)
		}
	}
	b.sessMu.Unlock()
}

// Subscribe registers sink for principal and returns a handle for removal.
func (b *InMemoryBus) Subscribe(principal model.Principal, sink Sink) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.subs[principal.ID] = append(b.subs[principal.ID], &subscriber{
		id:           id,
		sink:         sink,
		lastActivity: time.Now(),
	})
	return Handle{principalID: principal.ID, id: id}
}

// Unsubscribe removes a subscription. Idempotent.
func (b *InMemoryBus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[h.principalID]
	for i, s := range subs {
		if s.id == h.id {
			b.subs[h.principalID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[h.principalID]) == 0 {
		delete(b.subs, h.principalID)
	}
}

// Publish delivers event to every live subscriber of event.PrincipalID.
// Best-effort: a failing sink is dropped, the publish itself never fails.
func (b *InMemoryBus) Publish(event model.ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[event.PrincipalID]...)
	b.mu.RUnlock()

	var dead []uint64
	for _, s := range subs {
		if err := s.sink.Send(event); err != nil {
			b.logger.Warn("progressbus: dropping dead sink", "principal", event.PrincipalID, "error", err)
			dead = append(dead, s.id)
			continue
		}
		s.lastActivity = time.Now()
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			subs := b.subs[event.PrincipalID]
			for i, s := range subs {
				if s.id == id {
					b.subs[event.PrincipalID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		if len(b.subs[event.PrincipalID]) == 0 {
			delete(b.subs, event.PrincipalID)
		}
		b.mu.Unlock()
	}
}

func (b *InMemoryBus) putSession(info model.SessionInfo) {
	info.UpdatedAt = time.Now()
	b.sessMu.Lock()
	b.sessions[info.FileID] = info
	b.sessMu.Unlock()
}

// StartSession creates the SessionInfo record and emits a Started event.
func (b *InMemoryBus) StartSession(fileID string, principal model.Principal, meta model.FileMetadata) {
	event := model.ProgressEvent{
		Type:        model.EventStarted,
		FileID:      fileID,
		PrincipalID: principal.ID,
		Metadata:    &meta,
	}
	b.putSession(model.SessionInfo{
		FileID:      fileID,
		PrincipalID: principal.ID,
		Metadata:    meta,
		Status:      model.SessionInitializing,
		LastEvent:   event,
	})
	b.Publish(event)
}

// UpdateProgress emits a Progress event and updates the retained snapshot.
func (b *InMemoryBus) UpdateProgress(fileID, principalID string, received, total int, progress float64, stage string) {
	event := model.ProgressEvent{
		Type:        model.EventProgress,
		FileID:      fileID,
		PrincipalID: principalID,
		Received:    received,
		Total:       total,
		Progress:    progress,
		Stage:       stage,
	}
	b.sessMu.Lock()
	info, ok := b.sessions[fileID]
	if !ok {
		info = model.SessionInfo{FileID: fileID, PrincipalID: principalID}
	}
	info.Status = model.SessionReceiving
	info.LastEvent = event
	info.UpdatedAt = time.Now()
	b.sessions[fileID] = info
	b.sessMu.Unlock()

	b.Publish(event)
}

// CompleteSession emits a Completed event and marks the snapshot terminal.
func (b *InMemoryBus) CompleteSession(fileID, principalID, filePath string, size int64) {
	event := model.ProgressEvent{
		Type:        model.EventCompleted,
		FileID:      fileID,
		PrincipalID: principalID,
		FilePath:    filePath,
		Size:        size,
	}
	b.finishSession(fileID, principalID, model.SessionCompleted, event)
}

// ErrorSession emits a terminal or retryable Error event.
func (b *InMemoryBus) ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError) {
	event := model.ProgressEvent{
		Type:         model.EventError,
		FileID:       fileID,
		PrincipalID:  principalID,
		Message:      message,
		Retryable:    retryable,
		ErrorHistory: history,
	}
	status := model.SessionFailed
	if retryable {
		// Retryable errors don't move the session to a terminal state;
		// RecoveryController decides whether it ultimately does.
		b.sessMu.Lock()
		if info, ok := b.sessions[fileID]; ok {
			status = info.Status
		}
		b.sessMu.Unlock()
	}
	b.finishSession(fileID, principalID, status, event)
}

func (b *InMemoryBus) finishSession(fileID, principalID string, status model.SessionStatus, event model.ProgressEvent) {
	b.sessMu.Lock()
	info, ok := b.sessions[fileID]
	if !ok {
		info = model.SessionInfo{FileID: fileID, PrincipalID: principalID}
	}
	info.Status = status
	info.LastEvent = event
	info.UpdatedAt = time.Now()
	b.sessions[fileID] = info
	b.sessMu.Unlock()

	b.Publish(event)

	if status.Terminal() {
		grace := b.terminalGrace
		go func() {
			time.Sleep(grace)
			b.sessMu.Lock()
			if cur, ok := b.sessions[fileID]; ok && cur.Status.Terminal() {
				delete(b.sessions, fileID)
			}
			b.sessMu.Unlock()
		}()
	}
}

// SessionStatus is the read-through accessor other components use.
func (b *InMemoryBus) SessionStatus(fileID string) (model.SessionInfo, bool) {
	b.sessMu.RLock()
	defer b.sessMu.RUnlock()
	info, ok := b.sessions[fileID]
	return info, ok
}
