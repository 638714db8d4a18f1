// Package notify hands owner notifications to the external mailer.
package notify

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindProcessed Kind = "upload.processed"
	KindFailed    Kind = "upload.failed"
)

// Notification carries everything the mailer needs. Email and names are
// empty when the sender only knows the owner id.
type Notification struct {
	Kind             Kind      `json:"kind"`
	UploadID         string    `json:"upload_id"`
	OwnerID          uint      `json:"owner_id"`
	Email            string    `json:"email,omitempty"`
	FirstName        string    `json:"first_name,omitempty"`
	LastName         string    `json:"last_name,omitempty"`
	OriginalFilename string    `json:"original_filename"`
	Reason           string    `json:"reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// QueueNotifier publishes notifications as JSON on a durable queue.
type QueueNotifier struct {
	pub Publisher
}

func NewQueueNotifier(pub Publisher) *QueueNotifier {
	return &QueueNotifier{pub: pub}
}

func (q *QueueNotifier) Notify(ctx context.Context, n Notification) error {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	if err := q.pub.Publish(ctx, n); err != nil {
		return fmt.Errorf("publish %s notification failed: %w", n.Kind, err)
	}
	return nil
}
