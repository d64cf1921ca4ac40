// Package archive implements the "storage" pipeline stage: it pushes a
// file chunkstore has already assembled on local disk up to S3, and
// issues presigned download URLs for it.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/quillhub/ingestflow/internal/core/pipeline"
	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

// Archiver is the storage-stage contract.
type Archiver interface {
	Archive(ctx context.Context, fileID, localPath, finalKey string) error
	GenerateDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	AbortStaleMultipartUploads(ctx context.Context, keyPrefix string) error
}

// S3Archiver is the AWS S3 implementation.
type S3Archiver struct {
	client             *s3.Client
	bucketName         string
	multipartThreshold int64

	logger logging.Logger
}

// New builds a S3Archiver with a 5MB multipart threshold.
func New(client *s3.Client, bucketName string, logger logging.Logger) *S3Archiver {
	return &S3Archiver{
		client:             client,
		bucketName:         bucketName,
		multipartThreshold: 5 * 1024 * 1024,
		logger:             logger,
	}
}

// Archive uploads the file at localPath to finalKey, skipping the upload if
// the key is already present (finalization is idempotent, per spec.md §9).
func (a *S3Archiver) Archive(ctx context.Context, fileID, localPath, finalKey string) error {
	if finalKey == "" {
		return apperror.New(apperror.Internal, "finalKey cannot be empty")
	}

	a.logger.Info("archive: starting finalization", "fileId", fileID, "finalKey", finalKey)

	exists, err := a.fileExists(ctx, finalKey)
	if err != nil {
		return apperror.Wrap(apperror.IOError, "check final object existence", err)
	}
	if exists {
		a.logger.Info("archive: object already present, skipping upload", "fileId", fileID, "finalKey", finalKey)
		return nil
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return apperror.Wrap(apperror.IOError, "stat assembled file", err)
	}

	if info.Size() < a.multipartThreshold {
		return a.putSmall(ctx, localPath, finalKey, info.Size())
	}
	return a.putMultipart(ctx, localPath, finalKey, info.Size())
}

func (a *S3Archiver) putSmall(ctx context.Context, localPath, finalKey string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return apperror.Wrap(apperror.IOError, "open assembled file", err)
	}
	defer f.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucketName),
		Key:           aws.String(finalKey),
		Body:          f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		a.logger.Error("archive: put object failed", "finalKey", finalKey, "error", err)
		return apperror.Wrap(apperror.IOError, "put object", err)
	}
	a.logger.Info("archive: uploaded via single PutObject", "finalKey", finalKey, "size", size)
	return nil
}

const partSize = 8 * 1024 * 1024

// putMultipart streams localPath to S3 in partSize-sized parts: create,
// upload parts sequentially, complete, and abort the upload on any error.
func (a *S3Archiver) putMultipart(ctx context.Context, localPath, finalKey string, size int64) (err error) {
	a.logger.Info("archive: starting multipart upload", "finalKey", finalKey, "size", size)

	createOut, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return apperror.Wrap(apperror.IOError, "create multipart upload", err)
	}
	uploadID := *createOut.UploadId

	defer func() {
		if err != nil {
			a.logger.Warn("archive: aborting multipart upload due to error", "uploadId", uploadID, "finalKey", finalKey)
			if _, abortErr := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(a.bucketName),
				Key:      aws.String(finalKey),
				UploadId: aws.String(uploadID),
			}); abortErr != nil {
				a.logger.Error("archive: failed to abort multipart upload", "uploadId", uploadID, "error", abortErr)
			}
		}
	}()

	f, ferr := os.Open(localPath)
	if ferr != nil {
		err = apperror.Wrap(apperror.IOError, "open assembled file", ferr)
		return err
	}
	defer f.Close()

	var completedParts []types.CompletedPart
	buf := make([]byte, partSize)
	partNumber := int32(1)

	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return err
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			upOut, upErr := a.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(a.bucketName),
				Key:           aws.String(finalKey),
				UploadId:      aws.String(uploadID),
				PartNumber:    aws.Int32(partNumber),
				Body:          bytes.NewReader(buf[:n]),
				ContentLength: aws.Int64(int64(n)),
			})
			if upErr != nil {
				err = apperror.Wrap(apperror.IOError, fmt.Sprintf("upload part %d", partNumber), upErr)
				return err
			}
			completedParts = append(completedParts, types.CompletedPart{
				ETag:       upOut.ETag,
				PartNumber: aws.Int32(partNumber),
			})
			partNumber++
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				err = apperror.Wrap(apperror.IOError, "read assembled file", readErr)
				return err
			}
			break
		}
	}

	_, err = a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(a.bucketName),
		Key:      aws.String(finalKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		err = apperror.Wrap(apperror.IOError, "complete multipart upload", err)
		return err
	}

	a.logger.Info("archive: completed multipart upload", "finalKey", finalKey, "parts", len(completedParts))
	return nil
}

// GenerateDownloadURL presigns a GET for key, valid for ttl.
func (a *S3Archiver) GenerateDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(a.client)
	presigned, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperror.Wrap(apperror.IOError, "presign download url", err)
	}
	return presigned.URL, nil
}

// AbortStaleMultipartUploads cancels multipart uploads left dangling under
// keyPrefix by a crashed archive attempt. Intended for a periodic sweep.
func (a *S3Archiver) AbortStaleMultipartUploads(ctx context.Context, keyPrefix string) error {
	out, err := a.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(a.bucketName),
		Prefix: aws.String(keyPrefix),
	})
	if err != nil {
		return apperror.Wrap(apperror.IOError, "list multipart uploads", err)
	}

	aborted := 0
	for _, upload := range out.Uploads {
		_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(a.bucketName),
			Key:      upload.Key,
			UploadId: upload.UploadId,
		})
		if err != nil {
			a.logger.Error("archive: failed to abort stale upload", "uploadId", aws.ToString(upload.UploadId), "error", err)
			continue
		}
		aborted++
	}
	a.logger.Info("archive: aborted stale multipart uploads", "prefix", keyPrefix, "count", aborted)
	return nil
}

// KeyFor builds the canonical bucket key for a completed upload's final
// object.
func KeyFor(ownerID, fileID, fileName string) string {
	return fmt.Sprintf("uploads/%s/%s/%s", ownerID, fileID, fileName)
}

// LocalPathResolver returns the local path chunkstore assembled fileID into.
type LocalPathResolver func(fileID string) (localPath string, ok bool)

// StageHandler adapts S3Archiver into a pipeline.StageHandler for the
// "storage" stage: it archives the already-assembled local file and reports
// completion back through StageContext.Report.
type StageHandler struct {
	Archiver Archiver
	Resolve  LocalPathResolver
	Logger   logging.Logger
}

// Run implements pipeline.StageHandler.
func (h *StageHandler) Run(sc *pipeline.StageContext) error {
	localPath, ok := h.Resolve(sc.FileID)
	if !ok {
		return apperror.New(apperror.Internal, "no local assembled file for stage handler")
	}
	ctx := sc.Context
	if ctx == nil {
		ctx = context.Background()
	}
	key := KeyFor(sc.OwnerID, sc.FileID, sc.Metadata.Name)
	if err := h.Archiver.Archive(ctx, sc.FileID, localPath, key); err != nil {
		return err
	}
	if sc.Report != nil {
		sc.Report(1, key)
	}
	return nil
}

func (a *S3Archiver) fileExists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}
	return false, err
}
