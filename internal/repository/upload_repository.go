package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"docchat/internal/model"
)

// ErrStatusConflict is returned when a guarded status transition finds the
// upload no longer in the expected state.
var ErrStatusConflict = errors.New("upload status conflict")

type UploadRepository struct {
	db *gorm.DB
}

func NewUploadRepository(db *gorm.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

func (r *UploadRepository) Create(ctx context.Context, upload *model.Upload) error {
	if err := r.db.WithContext(ctx).Create(upload).Error; err != nil {
		return fmt.Errorf("create upload failed: %w", err)
	}
	return nil
}

// GetByID returns nil without error when the upload does not exist.
func (r *UploadRepository) GetByID(ctx context.Context, id string) (*model.Upload, error) {
	var upload model.Upload
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&upload).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get upload failed: %w", err)
	}
	return &upload, nil
}

func (r *UploadRepository) GetByIDAndOwner(ctx context.Context, id string, ownerID uint) (*model.Upload, error) {
	var upload model.Upload
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&upload).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get upload failed: %w", err)
	}
	return &upload, nil
}

// ListByOwner lists newest first. A non-empty search matches the original
// filename case-insensitively.
func (r *UploadRepository) ListByOwner(ctx context.Context, ownerID uint, search string) ([]model.Upload, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if search = strings.TrimSpace(search); search != "" {
		q = q.Where("LOWER(original_filename) LIKE ?", "%"+strings.ToLower(search)+"%")
	}
	var list []model.Upload
	if err := q.Order("created_at DESC").Order("id DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list uploads failed: %w", err)
	}
	return list, nil
}

func (r *UploadRepository) Stats(ctx context.Context, ownerID uint) (model.UploadStats, error) {
	var stats model.UploadStats
	err := r.db.WithContext(ctx).Model(&model.Upload{}).
		Select(
			"COUNT(*) AS count, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active, "+
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS processing",
			model.UploadActive, model.UploadProcessing,
		).
		Where("owner_id = ?", ownerID).
		Scan(&stats).Error
	if err != nil {
		return model.UploadStats{}, fmt.Errorf("count uploads failed: %w", err)
	}
	return stats, nil
}

// UpdateStatus moves an upload from one status to another only if it is
// still in the from status.
func (r *UploadRepository) UpdateStatus(ctx context.Context, id string, from, to model.UploadStatus) error {
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("update upload status failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Touch refreshes updated_at of a processing upload so the sweeper does not
// treat a job that was just picked up as stale.
func (r *UploadRepository) Touch(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.Upload{}).
		Where("id = ? AND status = ?", id, model.UploadProcessing).
		UpdateColumn("updated_at", time.Now())
	if res.Error != nil {
		return fmt.Errorf("touch upload failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListStale returns processing uploads not updated since before, oldest first.
func (r *UploadRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]model.Upload, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var list []model.Upload
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.UploadProcessing, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list stale uploads failed: %w", err)
	}
	return list, nil
}

func (r *UploadRepository) SoftDelete(ctx context.Context, id string, ownerID uint) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Upload{}).Error; err != nil {
		return fmt.Errorf("delete upload failed: %w", err)
	}
	return nil
}
