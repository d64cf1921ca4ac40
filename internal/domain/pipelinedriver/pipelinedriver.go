// Package pipelinedriver sequences a pipeline's stages after chunk
// assembly, invoking each stage's registered StageHandler and routing
// failures through RecoveryController. Stages with no registered handler
// (ocr/stt/embedding are external collaborators per spec.md §1) complete as
// no-ops so the aggregate progress still reaches 100%.
package pipelinedriver

import (
	"context"
	"time"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/core/pipeline"
	"github.com/quillhub/ingestflow/internal/core/recovery"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// Notifier is the subset of notify.Publisher the driver depends on.
type Notifier interface {
	Publish(ctx context.Context, notice model.CompletionNotice) error
}

// Driver walks a fileID's pending stages in pipeline order.
type Driver struct {
	orchestrator pipeline.Orchestrator
	handlers     map[string]pipeline.StageHandler
	recovery     *recovery.Controller
	notifier     Notifier
	logger       logging.Logger
}

// New builds a Driver.
func New(orchestrator pipeline.Orchestrator, recoveryCtl *recovery.Controller, notifier Notifier, logger logging.Logger) *Driver {
	return &Driver{
		orchestrator: orchestrator,
		handlers:     make(map[string]pipeline.StageHandler),
		recovery:     recoveryCtl,
		notifier:     notifier,
		logger:       logger,
	}
}

// Register binds a StageHandler to a stage name, e.g. "storage" or "ocr".
func (d *Driver) Register(stage string, handler pipeline.StageHandler) {
	d.handlers[stage] = handler
}

// Drive runs every currently-pending stage of fileID's pipeline, in the
// order pipeline.Init laid them out (upload/validation/processing are
// already driven directly by uploadsession.Manager.Assemble).
func (d *Driver) Drive(ctx context.Context, fileID, ownerID string, meta model.FileMetadata, totalChunks int) {
	p, ok := d.orchestrator.Status(fileID)
	if !ok {
		return
	}

	var names []string
	for _, s := range p.Stages {
		if s.Status == model.StagePending {
			names = append(names, s.Name)
		}
	}
	d.driveFrom(ctx, fileID, ownerID, meta, totalChunks, names, 0)
}

func (d *Driver) driveFrom(ctx context.Context, fileID, ownerID string, meta model.FileMetadata, totalChunks int, names []string, i int) {
	if i >= len(names) {
		return
	}
	if d.runStage(ctx, fileID, ownerID, meta, totalChunks, names, i) {
		d.driveFrom(ctx, fileID, ownerID, meta, totalChunks, names, i+1)
	}
}

// runStage returns true if the stage resolved (successfully or as a no-op)
// during this call. A retryable failure returns false; the retry, if it
// eventually succeeds, resumes the remaining stages itself.
func (d *Driver) runStage(ctx context.Context, fileID, ownerID string, meta model.FileMetadata, totalChunks int, names []string, i int) bool {
	name := names[i]

	handler, ok := d.handlers[name]
	if !ok {
		d.orchestrator.StartStage(fileID, name, "no handler registered")
		d.orchestrator.CompleteStage(fileID, name, "skipped")
		d.afterStage(ctx, fileID, ownerID, name, meta, totalChunks)
		return true
	}

	if err := d.orchestrator.StartStage(fileID, name, "pipelinedriver"); err != nil {
		return false
	}

	stageCtx := &pipeline.StageContext{
		Context:  ctx,
		FileID:   fileID,
		OwnerID:  ownerID,
		Metadata: meta,
		Report: func(progress float64, details string) {
			d.orchestrator.UpdateStageProgress(fileID, name, progress, details)
		},
	}

	if err := handler.Run(stageCtx); err != nil {
		action := d.recovery.Handle(fileID, ownerID, err, "stage "+name, func() {
			if d.runStage(ctx, fileID, ownerID, meta, totalChunks, names, i) {
				d.driveFrom(ctx, fileID, ownerID, meta, totalChunks, names, i+1)
			}
		})
		d.orchestrator.HandleStageError(fileID, name, err, action.Kind == recovery.ActionRetry)
		return false
	}

	d.recovery.MarkSucceeded(fileID)
	d.orchestrator.CompleteStage(fileID, name, "ok")
	d.afterStage(ctx, fileID, ownerID, name, meta, totalChunks)
	return true
}

func (d *Driver) afterStage(ctx context.Context, fileID, ownerID, name string, meta model.FileMetadata, totalChunks int) {
	if name != "cleanup" {
		return
	}
	if err := d.notifier.Publish(ctx, model.CompletionNotice{
		FileID:      fileID,
		OwnerID:     ownerID,
		Name:        meta.Name,
		Type:        meta.Type,
		Size:        meta.Size,
		TotalChunks: totalChunks,
		OccurredAt:  time.Now(),
	}); err != nil {
		d.logger.Warn("pipelinedriver: completion notice publish failed", "fileId", fileID, "error", err)
	}
}
