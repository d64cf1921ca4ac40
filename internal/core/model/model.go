// Package model holds the data types shared by every core ingestion
// component: sessions, chunks, pipelines, progress events and retry
// bookkeeping. None of these types know how they are persisted or
// transported.
package model

import "time"

// Principal is the authenticated identity that owns sessions and receives
// events. It is immutable for the lifetime of a connection.
type Principal struct {
	ID   string
	Role string
}

// SessionStatus is the UploadSession lifecycle state.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionReceiving    SessionStatus = "receiving"
	SessionAssembling   SessionStatus = "assembling"
	SessionCompleted    SessionStatus = "completed"
	SessionCancelled    SessionStatus = "cancelled"
	SessionFailed       SessionStatus = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionFailed:
		return true
	default:
		return false
	}
}

// FileMetadata describes the file a session is ingesting, as supplied by
// the client at init time.
type FileMetadata struct {
	Name         string
	Size         uint64
	Type         string
	ToolResource string
	AgentID      string
}

// UploadSession is the root entity of the chunked upload protocol.
type UploadSession struct {
	FileID         string
	OwnerID        string
	Metadata       FileMetadata
	ChunkSize      int64
	TotalChunks    int
	ReceivedChunks map[int]struct{}
	ChunkHashes    map[int]string
	StartTime      time.Time
	LastActivity   time.Time
	Status         SessionStatus
	TempDir        string
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// manager's lock.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ReceivedChunks = make(map[int]struct{}, len(s.ReceivedChunks))
	for k := range s.ReceivedChunks {
		cp.ReceivedChunks[k] = struct{}{}
	}
	cp.ChunkHashes = make(map[int]string, len(s.ChunkHashes))
	for k, v := range s.ChunkHashes {
		cp.ChunkHashes[k] = v
	}
	return &cp
}

// StageStatus is the lifecycle state of one pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageError     StageStatus = "error"
)

// Stage is one weighted unit of post-upload work.
type Stage struct {
	Name      string
	Weight    float64
	Status    StageStatus
	Progress  float64
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     string
}

// Pipeline is the per-file orchestration state.
type Pipeline struct {
	FileID         string
	OwnerID        string
	Stages         []*Stage
	CurrentStage   string
	StageStartTime time.Time
	StartTime      time.Time
	Errors         []string
	Warnings       []string
	StageHistory   []string
	OverallProgress float64
}

// StageByName returns the stage with the given name, or nil.
func (p *Pipeline) StageByName(name string) *Stage {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ProgressEventType tags the ProgressEvent union.
type ProgressEventType string

const (
	EventStarted   ProgressEventType = "upload_started"
	EventProgress  ProgressEventType = "upload_progress"
	EventCompleted ProgressEventType = "upload_completed"
	EventError     ProgressEventType = "upload_error"
	EventRetry     ProgressEventType = "retry"
	EventPong      ProgressEventType = "pong"
)

// ProgressEvent is a tagged-union event published on the bus.
type ProgressEvent struct {
	Type        ProgressEventType `json:"type"`
	FileID      string            `json:"fileId,omitempty"`
	PrincipalID string            `json:"-"`
	Timestamp   time.Time         `json:"timestamp"`

	// Started
	Metadata *FileMetadata `json:"metadata,omitempty"`

	// Progress
	Received int     `json:"receivedChunks,omitempty"`
	Total    int     `json:"totalChunks,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Stage    string  `json:"stage,omitempty"`

	// Completed
	FilePath string `json:"filePath,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// Error / Retry
	Message      string `json:"message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	DelayMillis  int64  `json:"delayMs,omitempty"`
	ErrorHistory []RetryError `json:"errorHistory,omitempty"`
}

// RetryError is one entry of a RetryRecord's error history.
type RetryError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	Context string    `json:"context,omitempty"`
}

// RetryRecord tracks retry attempts for one file across components.
type RetryRecord struct {
	FileID         string
	Attempts       int
	FirstErrorTime time.Time
	LastErrorTime  time.Time
	ErrorHistory   []RetryError
}

// SessionInfo is the ProgressBus's read-through view of a session, retained
// past terminal states so late subscribers can observe the final status.
type SessionInfo struct {
	FileID      string
	PrincipalID string
	Metadata    FileMetadata
	Status      SessionStatus
	LastEvent   ProgressEvent
	UpdatedAt   time.Time
}

// FileRecord is the durable catalogue entry written once a session reaches
// completed, independent of the in-memory UploadSession registry.
type FileRecord struct {
	FileID      string    `dynamodbav:"file_id"`
	OwnerID     string    `dynamodbav:"owner_id"`
	Name        string    `dynamodbav:"name"`
	Type        string    `dynamodbav:"type"`
	Size        uint64    `dynamodbav:"size"`
	TotalChunks int       `dynamodbav:"total_chunks"`
	Checksum    string    `dynamodbav:"checksum"`
	StorageKey  string    `dynamodbav:"storage_key"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
}

// CompletionNotice is the SQS message body published on pipeline
// completion and consumed by the catalogue writer. It carries the file
// metadata needed to build a FileRecord directly, rather than requiring
// the receiver to look the session back up: by the time SQS redelivers a
// message after a backoff, the originating UploadSession may already have
// been evicted from the in-memory session table.
type CompletionNotice struct {
	FileID      string    `json:"fileId"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Size        uint64    `json:"size"`
	TotalChunks int       `json:"totalChunks"`
	OccurredAt  time.Time `json:"occurredAt"`
}
