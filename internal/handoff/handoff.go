// Package handoff holds the short-lived record that describes a pending
// ingestion job, and the notice published on the job queue that points at it.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Version is the schema version of both Record and Notice.
	Version = 1

	keyPrefix  = "upload:"
	DefaultTTL = 300 * time.Second
)

var (
	ErrRecordNotFound     = errors.New("handoff record not found")
	ErrUnsupportedVersion = errors.New("unsupported handoff version")
	ErrMalformedRecord    = errors.New("malformed handoff record")
)

// Record is stored as a redis hash under Key(UploadID).
type Record struct {
	Version          int    `redis:"version"`
	UploadID         string `redis:"uploadId"`
	StoredFilename   string `redis:"storedFilename"`
	LocalPath        string `redis:"localPath"`
	MimeType         string `redis:"mimeType"`
	OwnerID          uint   `redis:"ownerId"`
	OwnerEmail       string `redis:"ownerEmail"`
	OwnerFirstName   string `redis:"ownerFirstName"`
	OwnerLastName    string `redis:"ownerLastName"`
	OriginalFilename string `redis:"originalFilename"`
}

func (r Record) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.Version)
	}
	switch {
	case r.UploadID == "":
		return fmt.Errorf("%w: missing uploadId", ErrMalformedRecord)
	case r.StoredFilename == "":
		return fmt.Errorf("%w: missing storedFilename", ErrMalformedRecord)
	case r.LocalPath == "":
		return fmt.Errorf("%w: missing localPath", ErrMalformedRecord)
	}
	return nil
}

func (r Record) fields() map[string]any {
	return map[string]any{
		"version":          strconv.Itoa(r.Version),
		"uploadId":         r.UploadID,
		"storedFilename":   r.StoredFilename,
		"localPath":        r.LocalPath,
		"mimeType":         r.MimeType,
		"ownerId":          strconv.FormatUint(uint64(r.OwnerID), 10),
		"ownerEmail":       r.OwnerEmail,
		"ownerFirstName":   r.OwnerFirstName,
		"ownerLastName":    r.OwnerLastName,
		"originalFilename": r.OriginalFilename,
	}
}

// Notice is the job queue payload.
type Notice struct {
	Version int    `json:"version"`
	Key     string `json:"key"`
}

func NewNotice(uploadID string) Notice {
	return Notice{Version: Version, Key: Key(uploadID)}
}

func (n Notice) Validate() error {
	if n.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, n.Version)
	}
	if n.Key == "" {
		return fmt.Errorf("%w: missing key", ErrMalformedRecord)
	}
	return nil
}

func Key(uploadID string) string {
	return keyPrefix + uploadID
}

// UploadIDFromKey returns the upload id named by key when key has the
// upload:<uuid> form.
func UploadIDFromKey(key string) (string, bool) {
	raw, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Put writes the record and its TTL atomically and returns its key.
func (s *Store) Put(ctx context.Context, rec Record) (string, error) {
	rec.Version = Version
	if err := rec.Validate(); err != nil {
		return "", err
	}
	key := Key(rec.UploadID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, rec.fields())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("write handoff record failed: %w", err)
	}
	return key, nil
}

// Take reads and deletes the record in one step, so a job is picked up at
// most once. An expired or already taken record yields ErrRecordNotFound.
func (s *Store) Take(ctx context.Context, key string) (Record, error) {
	pipe := s.client.TxPipeline()
	get := pipe.HGetAll(ctx, key)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("take handoff record failed: %w", err)
	}

	values := get.Val()
	if len(values) == 0 {
		return Record{}, ErrRecordNotFound
	}

	var rec Record
	if err := get.Scan(&rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
