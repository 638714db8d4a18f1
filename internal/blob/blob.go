// Package blob stores original uploaded files under their generated stored
// filename.
package blob

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("blob object not found")

type Store interface {
	// Put uploads the file at localPath as name. Writing a name that already
	// exists is not an error.
	Put(ctx context.Context, name, localPath, contentType string) error
	// Delete removes name; a missing object is not an error.
	Delete(ctx context.Context, name string) error
	SignedURL(ctx context.Context, name string, ttl time.Duration) (string, error)
}
