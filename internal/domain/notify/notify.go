// Package notify decouples pipeline completion from catalogue persistence
// via SQS: the "cleanup" stage publishes a CompletionNotice, and a
// long-polling receiver turns it into a catalogue write, using a
// poll-loop/visibility-timeout/poison-message pattern so a transient
// DynamoDB failure retries instead of losing the completion record.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/quillhub/ingestflow/internal/core/model"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/caching"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// Publisher sends a CompletionNotice to the queue.
type Publisher interface {
	Publish(ctx context.Context, notice model.CompletionNotice) error
}

// SQSClient is the subset of *sqs.Client this package depends on, narrowed
// so tests can substitute a fake instead of talking to a real queue.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSPublisher is the AWS SQS implementation.
type SQSPublisher struct {
	client   SQSClient
	queueURL string
}

// NewPublisher builds a SQSPublisher.
func NewPublisher(client SQSClient, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Publish marshals notice to JSON and sends it.
func (p *SQSPublisher) Publish(ctx context.Context, notice model.CompletionNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return apperror.Wrap(apperror.Internal, "marshal completion notice", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return apperror.Wrap(apperror.IOError, "send completion notice", err)
	}
	return nil
}

// CatalogueWriter is the subset of catalogue.Store the receiver depends on.
type CatalogueWriter interface {
	Put(ctx context.Context, record model.FileRecord) error
}

// Receiver long-polls the queue and turns each notice into a catalogue
// write.
type Receiver struct {
	client    SQSClient
	queueURL  string
	catalogue CatalogueWriter
	cache     caching.CachingService
	logger    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver builds a Receiver bound to parent's lifetime.
func NewReceiver(parent context.Context, client SQSClient, queueURL string, catalogue CatalogueWriter, cache caching.CachingService, logger logging.Logger) *Receiver {
	ctx, cancel := context.WithCancel(parent)
	return &Receiver{
		client:    client,
		queueURL:  queueURL,
		catalogue: catalogue,
		cache:     cache,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the poll loop in a background goroutine.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pollLoop()
	}()
}

func (r *Receiver) pollLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   30,
		})
		if err != nil {
			r.logger.Warn("notify: receive failed, backing off", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *Receiver) deleteMessage(ctx context.Context, msg types.Message) {
	if _, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		r.logger.Warn("notify: delete message failed", "error", err)
	}
}

func (r *Receiver) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var notice model.CompletionNotice
	if err := json.Unmarshal([]byte(*msg.Body), &notice); err != nil {
		r.logger.Warn("notify: poison message dropped", "error", err)
		r.deleteMessage(ctx, msg)
		return
	}
	if notice.OwnerID == "" || notice.Name == "" {
		r.logger.Warn("notify: completion notice missing required fields, dropped", "fileId", notice.FileID)
		r.deleteMessage(ctx, msg)
		return
	}

	record := model.FileRecord{
		FileID:      notice.FileID,
		OwnerID:     notice.OwnerID,
		Name:        notice.Name,
		Type:        notice.Type,
		Size:        notice.Size,
		TotalChunks: notice.TotalChunks,
		StorageKey:  fmt.Sprintf("uploads/%s/%s/%s", notice.OwnerID, notice.FileID, notice.Name),
		CreatedAt:   notice.OccurredAt,
	}
	if record.FileID == "" {
		record.FileID = uuid.NewString()
	}

	if err := r.catalogue.Put(ctx, record); err != nil {
		// Leave the message in-flight; SQS redelivers after the
		// visibility timeout so a transient DynamoDB failure retries.
		r.logger.Warn("notify: catalogue write failed, will retry", "fileId", notice.FileID, "error", err)
		return
	}

	filesKey := fmt.Sprintf("user:files:%s", notice.OwnerID)
	if err := r.cache.Delete(ctx, filesKey); err != nil {
		r.logger.Warn("notify: cache invalidation failed", "key", filesKey, "error", err)
	}

	r.deleteMessage(ctx, msg)
}

// Shutdown cancels the poll loop and waits for it to exit, or ctx expires.
func (r *Receiver) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
