// Package pipeline implements the PipelineOrchestrator of spec.md §4.4: a
// per-file weighted stage machine that computes aggregated progress and
// surfaces completion/failure upward through the ProgressBus.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/quillhub/ingestflow/internal/core/internal/keyedmutex"
	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// StageHandler is a pluggable unit of post-upload work (OCR, STT,
// embedding, or the domain-stack archive/catalogue stages). This is the
// StageRunner interface spec.md §9 asks for.
type StageHandler interface {
	// Run executes the stage. It should call back into UpdateStageProgress
	// as it makes progress and return when done or on error.
	Run(ctx *StageContext) error
}

// StageContext is handed to a StageHandler.
type StageContext struct {
	Context  context.Context
	FileID   string
	OwnerID  string
	Metadata model.FileMetadata
	Report   func(progress float64, details string)
}

// ProgressSink is what the orchestrator publishes aggregated progress and
// completion/failure through — implemented by progressbus.Bus.
type ProgressSink interface {
	UpdateProgress(fileID, principalID string, received, total int, progress float64, stage string)
	CompleteSession(fileID, principalID, filePath string, size int64)
	ErrorSession(fileID, principalID, message string, retryable bool, history []model.RetryError)
}

// stageDef is one row of the default stage table (spec.md §4.4).
type stageDef struct {
	name    string
	weight  float64
	include func(meta model.FileMetadata) bool
}

var defaultTable = []stageDef{
	{"upload", 0.10, func(model.FileMetadata) bool { return true }},
	{"validation", 0.05, func(model.FileMetadata) bool { return true }},
	{"processing", 0.30, func(model.FileMetadata) bool { return true }},
	{"ocr", 0.20, func(m model.FileMetadata) bool { return m.ToolResource == "ocr" }},
	{"stt", 0.15, func(m model.FileMetadata) bool { return strings.HasPrefix(m.Type, "audio/") }},
	{"embedding", 0.10, func(m model.FileMetadata) bool { return m.ToolResource == "file_search" }},
	{"storage", 0.05, func(model.FileMetadata) bool { return true }},
	{"cleanup", 0.05, func(model.FileMetadata) bool { return true }},
}

// Orchestrator is the PipelineOrchestrator contract.
type Orchestrator interface {
	Init(fileID, ownerID string, meta model.FileMetadata) *model.Pipeline
	StartStage(fileID, name string, context string) error
	UpdateStageProgress(fileID, name string, progress float64, details string)
	CompleteStage(fileID, name string, result string) error
	HandleStageError(fileID, name string, err error, recoverable bool)
	RestartStage(fileID, name string) error
	Status(fileID string) (*model.Pipeline, bool)
	ActivePipelines() []*model.Pipeline
}

// InMemoryOrchestrator is the single-process implementation.
type InMemoryOrchestrator struct {
	mu        sync.RWMutex
	pipelines map[string]*model.Pipeline

	locks  *keyedmutex.Map
	sink   ProgressSink
	logger logging.Logger

	completionGrace time.Duration
}

// New builds an InMemoryOrchestrator.
func New(sink ProgressSink, logger logging.Logger) *InMemoryOrchestrator {
	return &InMemoryOrchestrator{
		pipelines:       make(map[string]*model.Pipeline),
		locks:           keyedmutex.New(),
		sink:            sink,
		logger:          logger,
		completionGrace: 60 * time.Second,
	}
}

// Init builds the stage list filtered to baseline + required stages, in
// the canonical order of the default table, and records start times.
func (o *InMemoryOrchestrator) Init(fileID, ownerID string, meta model.FileMetadata) *model.Pipeline {
	var stages []*model.Stage
	for _, def := range defaultTable {
		if def.include(meta) {
			stages = append(stages, &model.Stage{
				Name:   def.name,
				Weight: def.weight,
				Status: model.StagePending,
			})
		}
	}

	p := &model.Pipeline{
		FileID:    fileID,
		OwnerID:   ownerID,
		Stages:    stages,
		StartTime: time.Now(),
	}

	o.mu.Lock()
	o.pipelines[fileID] = p
	o.mu.Unlock()

	return p
}

func (o *InMemoryOrchestrator) get(fileID string) (*model.Pipeline, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pipelines[fileID]
	if !ok {
		return nil, apperror.ErrPipelineNotFound
	}
	return p, nil
}

// StartStage completes the previously-running stage (no-op if already
// completed) and transitions name to running.
func (o *InMemoryOrchestrator) StartStage(fileID, name string, context string) error {
	o.locks.Lock(fileID)
	defer o.locks.Unlock(fileID)

	p, err := o.get(fileID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range p.Stages {
		if s.Status == model.StageRunning && s.Name != name {
			s.Status = model.StageCompleted
			s.Progress = 1
			s.EndTime = time.Now()
			s.Duration = s.EndTime.Sub(s.StartTime)
		}
	}

	stage := p.StageByName(name)
	if stage == nil {
		return apperror.New(apperror.NotFound, "unknown stage "+name)
	}
	if stage.Status == model.StageCompleted {
		return nil
	}
	stage.Status = model.StageRunning
	stage.StartTime = time.Now()
	p.CurrentStage = name
	p.StageStartTime = stage.StartTime
	p.StageHistory = append(p.StageHistory, name)

	o.emitProgress(p)
	return nil
}

// UpdateStageProgress clamps p to [0,1], recomputes the aggregate, and
// emits Progress — monotonically, per spec.md §4.4.
func (o *InMemoryOrchestrator) UpdateStageProgress(fileID, name string, progress float64, details string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pipelines[fileID]
	if !ok {
		return
	}
	stage := p.StageByName(name)
	if stage == nil {
		return
	}
	stage.Progress = progress

	o.emitProgress(p)
}

// aggregate computes overallProgress = Σ(weight_i * stageProgress_i) / Σweight_i.
func aggregate(p *model.Pipeline) float64 {
	var num, den float64
	for _, s := range p.Stages {
		den += s.Weight
		switch s.Status {
		case model.StageCompleted:
			num += s.Weight * 1
		case model.StageRunning:
			num += s.Weight * s.Progress
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// emitProgress recomputes and publishes overall progress, enforcing
// monotonicity by taking max(previous, computed). Caller must hold o.mu.
func (o *InMemoryOrchestrator) emitProgress(p *model.Pipeline) {
	computed := aggregate(p)
	if computed < p.OverallProgress {
		computed = p.OverallProgress
	}
	p.OverallProgress = computed

	o.sink.UpdateProgress(p.FileID, p.OwnerID, 0, 0, computed, p.CurrentStage)
}

// CompleteStage marks name completed with a duration; if it was the last
// stage, the pipeline is completed.
func (o *InMemoryOrchestrator) CompleteStage(fileID, name string, result string) error {
	o.locks.Lock(fileID)
	defer o.locks.Unlock(fileID)

	o.mu.Lock()
	p, ok := o.pipelines[fileID]
	if !ok {
		o.mu.Unlock()
		return apperror.ErrPipelineNotFound
	}
	stage := p.StageByName(name)
	if stage == nil {
		o.mu.Unlock()
		return apperror.New(apperror.NotFound, "unknown stage "+name)
	}
	stage.Status = model.StageCompleted
	stage.Progress = 1
	stage.EndTime = time.Now()
	stage.Duration = stage.EndTime.Sub(stage.StartTime)

	allDone := true
	for _, s := range p.Stages {
		if s.Status != model.StageCompleted {
			allDone = false
			break
		}
	}
	o.emitProgress(p)
	o.mu.Unlock()

	if allDone {
		o.completePipeline(p)
	}
	return nil
}

func (o *InMemoryOrchestrator) completePipeline(p *model.Pipeline) {
	o.sink.CompleteSession(p.FileID, p.OwnerID, "", 0)
	go func() {
		time.Sleep(o.completionGrace)
		o.mu.Lock()
		delete(o.pipelines, p.FileID)
		o.mu.Unlock()
		o.locks.Delete(p.FileID)
	}()
}

// HandleStageError records the error. If recoverable, the stage stays in
// error until RestartStage or StartStage is called for it; else the
// pipeline fails terminally.
func (o *InMemoryOrchestrator) HandleStageError(fileID, name string, err error, recoverable bool) {
	o.mu.Lock()
	p, ok := o.pipelines[fileID]
	if !ok {
		o.mu.Unlock()
		return
	}
	stage := p.StageByName(name)
	if stage != nil {
		stage.Status = model.StageError
		stage.Error = err.Error()
	}
	p.Errors = append(p.Errors, err.Error())
	o.mu.Unlock()

	if recoverable {
		o.logger.Warn("pipeline: recoverable stage error", "fileId", fileID, "stage", name, "error", err)
		return
	}

	o.logger.Error("pipeline: terminal stage error", "fileId", fileID, "stage", name, "error", err)
	o.sink.ErrorSession(fileID, p.OwnerID, err.Error(), false, nil)

	o.mu.Lock()
	delete(o.pipelines, fileID)
	o.mu.Unlock()
	o.locks.Delete(fileID)
}

// RestartStage resets an errored stage back to pending so it can be
// re-driven. recovery.Controller does not call it: a retry runs the
// onRetry callback passed to Controller.Handle instead.
func (o *InMemoryOrchestrator) RestartStage(fileID, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pipelines[fileID]
	if !ok {
		return apperror.ErrPipelineNotFound
	}
	stage := p.StageByName(name)
	if stage == nil {
		return apperror.New(apperror.NotFound, "unknown stage "+name)
	}
	stage.Status = model.StagePending
	stage.Progress = 0
	stage.Error = ""
	return nil
}

// Status returns the pipeline for fileID, if any.
func (o *InMemoryOrchestrator) Status(fileID string) (*model.Pipeline, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pipelines[fileID]
	return p, ok
}

// ActivePipelines returns a snapshot of every tracked pipeline.
func (o *InMemoryOrchestrator) ActivePipelines() []*model.Pipeline {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*model.Pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		out = append(out, p)
	}
	return out
}
