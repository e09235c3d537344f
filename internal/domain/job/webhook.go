package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookDelivery is the entity from §3.
type WebhookDelivery struct {
	ID            uuid.UUID
	WebhookID     uuid.UUID
	Payload       json.RawMessage
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	DeliveredAt   *time.Time
}

// WebhookDead is the DLQ row from §3.
type WebhookDead struct {
	ID             uuid.UUID
	WebhookID      uuid.UUID
	Payload        json.RawMessage
	FailureReason  string
	MovedAt        time.Time
}

// Webhook is the registered endpoint a repo's events fan out to.
type Webhook struct {
	ID       uuid.UUID
	RepoID   uuid.UUID
	URL      string
	Secret   string // HMAC key, never logged
	Events   []string
}

// WebhookStore is the persistence port for deliveries and the DLQ.
//
//go:generate mockgen --destination=../../../internal/gen/mock/job/webhook_mock.go --package=mock . WebhookStore
type WebhookStore interface {
	ListWebhooksForRepo(ctx context.Context, repoID uuid.UUID, event string) ([]*Webhook, error)
	PutDelivery(ctx context.Context, d *WebhookDelivery) error
	DueDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	RescheduleDelivery(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time) error
	MoveToDeadLetter(ctx context.Context, d *WebhookDelivery, reason string) error
	// Requeue re-enqueues a dead delivery for manual retry (§4.8 "manual
	// re-enqueue is supported").
	Requeue(ctx context.Context, deadID uuid.UUID) error
}

// Envelope is the webhook wire payload from §6.
type Envelope struct {
	Event  string         `json:"event"`
	Tenant string         `json:"tenant"`
	Repo   string         `json:"repo"`
	Ref    string         `json:"ref,omitempty"`
	Commit string         `json:"commit,omitempty"`
	Actor  string         `json:"actor"`
	At     time.Time      `json:"at"`
	Body   map[string]any `json:"body"`
}
