package model

import (
	"time"

	"gorm.io/gorm"
)

type UploadStatus string

const (
	UploadProcessing UploadStatus = "processing"
	UploadActive     UploadStatus = "active"
	UploadFailed     UploadStatus = "failed"
)

// Upload is the durable record of a submitted document. Its ID scopes every
// chunk and conversation message that belongs to the document.
type Upload struct {
	ID               string         `gorm:"type:char(36);primaryKey" json:"id"`
	OwnerID          uint           `gorm:"not null;index" json:"owner_id"`
	StoredFilename   string         `gorm:"size:512;not null;uniqueIndex" json:"stored_filename"`
	OriginalFilename string         `gorm:"size:256;not null" json:"original_filename"`
	Status           UploadStatus   `gorm:"size:16;not null;index" json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

type UploadStats struct {
	Count      int64 `json:"count"`
	Active     int64 `json:"active"`
	Processing int64 `json:"processing"`
}
