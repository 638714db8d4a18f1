package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docchat/internal/handoff"
	"docchat/internal/model"
	"docchat/internal/pkg/pdfextract"
	"docchat/internal/repository"
)

type UploadStore interface {
	Create(ctx context.Context, upload *model.Upload) error
	GetByIDAndOwner(ctx context.Context, id string, ownerID uint) (*model.Upload, error)
	ListByOwner(ctx context.Context, ownerID uint, search string) ([]model.Upload, error)
	Stats(ctx context.Context, ownerID uint) (model.UploadStats, error)
	UpdateStatus(ctx context.Context, id string, from, to model.UploadStatus) error
	SoftDelete(ctx context.Context, id string, ownerID uint) error
}

type HandoffWriter interface {
	Put(ctx context.Context, rec handoff.Record) (string, error)
}

type JobPublisher interface {
	Publish(ctx context.Context, v any) error
}

type BlobStore interface {
	Delete(ctx context.Context, name string) error
	SignedURL(ctx context.Context, name string, ttl time.Duration) (string, error)
}

type ChunkDeleter interface {
	DeleteByUpload(ctx context.Context, uploadID string) error
}

type ConversationDeleter interface {
	DeleteByUpload(ctx context.Context, uploadID string) error
}

type HistoryReader interface {
	History(ctx context.Context, uploadID string) ([]model.Turn, error)
	Invalidate(ctx context.Context, uploadID string) error
}

type UploadDeps struct {
	Uploads       UploadStore
	Handoff       HandoffWriter
	Jobs          JobPublisher
	Blobs         BlobStore
	Chunks        ChunkDeleter
	Conversations ConversationDeleter
	History       HistoryReader
	SharedDir     string
	SignedURLTTL  time.Duration
	// Validate defaults to pdfextract.Validate.
	Validate func(path string) error
	Logger   *slog.Logger
}

type UploadService struct {
	uploads       UploadStore
	handoff       HandoffWriter
	jobs          JobPublisher
	blobs         BlobStore
	chunks        ChunkDeleter
	conversations ConversationDeleter
	history       HistoryReader
	sharedDir     string
	signedURLTTL  time.Duration
	validate      func(path string) error
	logger        *slog.Logger
	now           func() time.Time
}

func NewUploadService(d UploadDeps) *UploadService {
	s := &UploadService{
		uploads:       d.Uploads,
		handoff:       d.Handoff,
		jobs:          d.Jobs,
		blobs:         d.Blobs,
		chunks:        d.Chunks,
		conversations: d.Conversations,
		history:       d.History,
		sharedDir:     d.SharedDir,
		signedURLTTL:  d.SignedURLTTL,
		validate:      d.Validate,
		logger:        d.Logger,
		now:           time.Now,
	}
	if s.validate == nil {
		s.validate = pdfextract.Validate
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.signedURLTTL <= 0 {
		s.signedURLTTL = 300 * time.Second
	}
	return s
}

// Owner is the authenticated uploader.
type Owner struct {
	ID        uint
	Email     string
	FirstName string
	LastName  string
}

type SubmitInput struct {
	Owner            Owner
	OriginalFilename string
	ContentType      string
	Body             io.Reader
}

// Submit stores the file in the shared directory, records the upload as
// processing and queues it for ingestion.
func (s *UploadService) Submit(ctx context.Context, in SubmitInput) (*model.Upload, error) {
	original := filepath.Base(strings.TrimSpace(in.OriginalFilename))
	if in.Owner.ID == 0 || in.Body == nil || original == "." || original == string(filepath.Separator) {
		return nil, ErrInvalidInput
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}

	id := uuid.NewString()
	stored := StoredFilename(in.Owner.ID, s.now(), id, original)
	localPath := filepath.Join(s.sharedDir, stored)

	if err := writeLocal(localPath, in.Body); err != nil {
		return nil, err
	}
	if err := s.validate(localPath); err != nil {
		s.removeLocal(localPath)
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	upload := &model.Upload{
		ID:               id,
		OwnerID:          in.Owner.ID,
		StoredFilename:   stored,
		OriginalFilename: original,
		Status:           model.UploadProcessing,
	}
	if err := s.uploads.Create(ctx, upload); err != nil {
		s.removeLocal(localPath)
		return nil, err
	}

	_, err := s.handoff.Put(ctx, handoff.Record{
		UploadID:         id,
		StoredFilename:   stored,
		LocalPath:        localPath,
		MimeType:         contentType,
		OwnerID:          in.Owner.ID,
		OwnerEmail:       in.Owner.Email,
		OwnerFirstName:   in.Owner.FirstName,
		OwnerLastName:    in.Owner.LastName,
		OriginalFilename: original,
	})
	if err == nil {
		err = s.jobs.Publish(ctx, handoff.NewNotice(id))
	}
	if err != nil {
		s.logger.Error("queue upload failed", "upload_id", id, "error", err)
		if statusErr := s.uploads.UpdateStatus(ctx, id, model.UploadProcessing, model.UploadFailed); statusErr != nil &&
			!errors.Is(statusErr, repository.ErrStatusConflict) {
			s.logger.Error("mark upload failed failed", "upload_id", id, "error", statusErr)
		}
		s.removeLocal(localPath)
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	s.logger.Info("upload queued", "upload_id", id, "stored_filename", stored)
	return upload, nil
}

func (s *UploadService) List(ctx context.Context, ownerID uint, search string) ([]model.Upload, error) {
	if ownerID == 0 {
		return nil, ErrInvalidInput
	}
	return s.uploads.ListByOwner(ctx, ownerID, search)
}

func (s *UploadService) Stats(ctx context.Context, ownerID uint) (model.UploadStats, error) {
	if ownerID == 0 {
		return model.UploadStats{}, ErrInvalidInput
	}
	return s.uploads.Stats(ctx, ownerID)
}

type ViewResult struct {
	Upload  model.Upload `json:"upload"`
	URL     string       `json:"url"`
	History []model.Turn `json:"history"`
}

// View returns a short-lived download URL and the conversation so far. The
// URL is empty until the upload is active.
func (s *UploadService) View(ctx context.Context, ownerID uint, id string) (*ViewResult, error) {
	upload, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	result := &ViewResult{Upload: *upload, History: []model.Turn{}}
	if upload.Status == model.UploadActive {
		url, err := s.blobs.SignedURL(ctx, upload.StoredFilename, s.signedURLTTL)
		if err != nil {
			return nil, err
		}
		result.URL = url
	}

	history, err := s.history.History(ctx, upload.ID)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		result.History = history
	}
	return result, nil
}

// Delete removes the stored file, its chunks and conversation, then soft
// deletes the upload.
func (s *UploadService) Delete(ctx context.Context, ownerID uint, id string) error {
	upload, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return err
	}

	if err := s.blobs.Delete(ctx, upload.StoredFilename); err != nil {
		return err
	}
	if err := s.chunks.DeleteByUpload(ctx, upload.ID); err != nil {
		return err
	}
	if err := s.conversations.DeleteByUpload(ctx, upload.ID); err != nil {
		return err
	}
	if err := s.uploads.SoftDelete(ctx, upload.ID, ownerID); err != nil {
		return err
	}
	if err := s.history.Invalidate(ctx, upload.ID); err != nil {
		s.logger.Warn("invalidate conversation cache failed", "upload_id", upload.ID, "error", err)
	}
	s.logger.Info("upload deleted", "upload_id", upload.ID)
	return nil
}

func (s *UploadService) owned(ctx context.Context, ownerID uint, id string) (*model.Upload, error) {
	if ownerID == 0 || strings.TrimSpace(id) == "" {
		return nil, ErrInvalidInput
	}
	upload, err := s.uploads.GetByIDAndOwner(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, ErrUploadNotFound
	}
	return upload, nil
}

func (s *UploadService) removeLocal(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove local file failed", "path", path, "error", err)
	}
}

// StoredFilename builds the blob name <owner>_<unixMillis>_<id prefix>_<name>.
func StoredFilename(ownerID uint, at time.Time, id, original string) string {
	prefix := strings.ReplaceAll(id, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%d_%d_%s_%s", ownerID, at.UnixMilli(), prefix, sanitizeFilename(original))
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	if out == "" {
		out = "document.pdf"
	}
	return out
}

func writeLocal(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shared dir failed: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create local file failed: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write local file failed: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write local file failed: %w", err)
	}
	return nil
}
