package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"docchat/internal/handoff"
	"docchat/internal/model"
	"docchat/internal/notify"
	"docchat/internal/pipeline"
	"docchat/internal/repository"
)

type HandoffTaker interface {
	Take(ctx context.Context, key string) (handoff.Record, error)
}

type UploadStatusStore interface {
	GetByID(ctx context.Context, id string) (*model.Upload, error)
	Touch(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, from, to model.UploadStatus) error
}

type BlobStore interface {
	Put(ctx context.Context, name, localPath, contentType string) error
	Delete(ctx context.Context, name string) error
}

type Indexer interface {
	Run(ctx context.Context, path, uploadID string) (pipeline.Result, error)
}

type ChunkDeleter interface {
	DeleteByUpload(ctx context.Context, uploadID string) error
}

type Outcome string

const (
	OutcomeActive   Outcome = "active"
	OutcomeFailed   Outcome = "failed"
	OutcomeLost     Outcome = "lost"
	OutcomeConflict Outcome = "conflict"
)

// IngestionJob runs one handoff record through blob upload, indexing and the
// final status transition.
type IngestionJob struct {
	handoff  HandoffTaker
	uploads  UploadStatusStore
	blobs    BlobStore
	indexer  Indexer
	chunks   ChunkDeleter
	notifier notify.Notifier
	logger   *slog.Logger
}

type JobDeps struct {
	Handoff  HandoffTaker
	Uploads  UploadStatusStore
	Blobs    BlobStore
	Indexer  Indexer
	Chunks   ChunkDeleter
	Notifier notify.Notifier
	Logger   *slog.Logger
}

func NewIngestionJob(d JobDeps) *IngestionJob {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestionJob{
		handoff:  d.Handoff,
		uploads:  d.Uploads,
		blobs:    d.Blobs,
		indexer:  d.Indexer,
		chunks:   d.Chunks,
		notifier: d.Notifier,
		logger:   logger,
	}
}

// Process handles the job behind key. The returned error is non-nil only when
// the handoff record could not be read because of an infrastructure failure,
// in which case the notice should be redelivered.
func (j *IngestionJob) Process(ctx context.Context, key string) (Outcome, error) {
	rec, err := j.handoff.Take(ctx, key)
	switch {
	case errors.Is(err, handoff.ErrRecordNotFound):
		j.logger.Warn("handoff record missing, job lost", "key", key)
		return OutcomeLost, nil
	case errors.Is(err, handoff.ErrMalformedRecord), errors.Is(err, handoff.ErrUnsupportedVersion):
		j.logger.Error("handoff record rejected", "key", key, "error", err)
		return j.failRejected(ctx, key, err), nil
	case err != nil:
		return "", fmt.Errorf("take handoff record failed: %w", err)
	}

	log := j.logger.With("upload_id", rec.UploadID, "key", key)
	defer j.removeLocal(log, rec.LocalPath)

	if err := j.uploads.Touch(ctx, rec.UploadID); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			log.Warn("upload no longer processing, skipping")
			return OutcomeConflict, nil
		}
		log.Warn("touch upload failed", "error", err)
	}

	if err := j.blobs.Put(ctx, rec.StoredFilename, rec.LocalPath, rec.MimeType); err != nil {
		return j.fail(ctx, log, rec, fmt.Errorf("upload blob failed: %w", err)), nil
	}

	res, err := j.indexer.Run(ctx, rec.LocalPath, rec.UploadID)
	if err != nil {
		j.deleteBlob(ctx, log, rec.StoredFilename)
		return j.fail(ctx, log, rec, fmt.Errorf("index document failed: %w", err)), nil
	}

	if err := j.uploads.UpdateStatus(ctx, rec.UploadID, model.UploadProcessing, model.UploadActive); err != nil {
		j.deleteBlob(ctx, log, rec.StoredFilename)
		if delErr := j.chunks.DeleteByUpload(ctx, rec.UploadID); delErr != nil {
			log.Error("delete chunks failed", "error", delErr)
		}
		if errors.Is(err, repository.ErrStatusConflict) {
			log.Warn("upload left processing while indexing, results discarded")
			return OutcomeConflict, nil
		}
		return j.fail(ctx, log, rec, fmt.Errorf("activate upload failed: %w", err)), nil
	}

	log.Info("upload active", "pages", res.Pages, "chunks", res.Chunks)
	j.notify(ctx, log, rec, notify.KindProcessed, "")
	return OutcomeActive, nil
}

func (j *IngestionJob) fail(ctx context.Context, log *slog.Logger, rec handoff.Record, cause error) Outcome {
	log.Error("ingestion failed", "error", cause)

	if err := j.uploads.UpdateStatus(ctx, rec.UploadID, model.UploadProcessing, model.UploadFailed); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			log.Warn("upload already left processing")
			return OutcomeConflict
		}
		log.Error("mark upload failed failed", "error", err)
		return OutcomeFailed
	}
	j.notify(ctx, log, rec, notify.KindFailed, cause.Error())
	return OutcomeFailed
}

// failRejected fails the upload named by key once its handoff record has
// been consumed but could not be used.
func (j *IngestionJob) failRejected(ctx context.Context, key string, cause error) Outcome {
	id, ok := handoff.UploadIDFromKey(key)
	if !ok {
		return OutcomeLost
	}
	log := j.logger.With("upload_id", id, "key", key)
	upload, err := j.uploads.GetByID(ctx, id)
	if err != nil {
		log.Error("load upload failed", "error", err)
		return OutcomeLost
	}
	if upload == nil {
		return OutcomeLost
	}
	return j.fail(ctx, log, handoff.Record{
		UploadID:         upload.ID,
		OwnerID:          upload.OwnerID,
		OriginalFilename: upload.OriginalFilename,
	}, cause)
}

func (j *IngestionJob) notify(ctx context.Context, log *slog.Logger, rec handoff.Record, kind notify.Kind, reason string) {
	err := j.notifier.Notify(ctx, notify.Notification{
		Kind:             kind,
		UploadID:         rec.UploadID,
		OwnerID:          rec.OwnerID,
		Email:            rec.OwnerEmail,
		FirstName:        rec.OwnerFirstName,
		LastName:         rec.OwnerLastName,
		OriginalFilename: rec.OriginalFilename,
		Reason:           reason,
	})
	if err != nil {
		log.Warn("notify owner failed", "kind", kind, "error", err)
	}
}

func (j *IngestionJob) deleteBlob(ctx context.Context, log *slog.Logger, name string) {
	if err := j.blobs.Delete(ctx, name); err != nil {
		log.Error("delete blob failed", "object", name, "error", err)
	}
}

func (j *IngestionJob) removeLocal(log *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove local file failed", "path", path, "error", err)
	}
}
