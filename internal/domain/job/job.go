// Package job implements C8: queue-backed jobs with per-key FIFO ordering,
// leases with visibility timeouts, retry with exponential backoff, and
// dead-lettering for webhook delivery (§4.8). jobrunner.Runner processes
// leased jobs one at a time in per-type lease batches; there are no separate
// per-type or global concurrency limits. Modeled after the teacher's consumer/rabbitmq adapters
// (per-key partition consumption) and pkg/mretry (backoff shape).
package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the job types from §4.8's table.
type Type string

const (
	TypeAntivirusScan   Type = "antivirus_scan"
	TypeRDFMaterialize  Type = "rdf_materialize"
	TypeReindex         Type = "reindex"
	TypeExportPackage   Type = "export_package"
	TypeWebhookDeliver  Type = "webhook_deliver"
	TypeRetentionCheck  Type = "retention_check"
	// TypeObjectGC and TypeStagingReap back the reconciler's orphan sweep
	// (§4.10): deleting an unreferenced blob, or reaping an abandoned
	// staging upload, both go through the job queue rather than an inline
	// delete so they share the same retry/dead-letter accounting.
	TypeObjectGC        Type = "object_gc"
	TypeStagingReap     Type = "staging_reap"
)

// Status is Job.status (§3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is the persisted unit of work (§3).
type Job struct {
	ID          uuid.UUID
	Type        Type
	Status      Status
	Attempts    int
	MaxAttempts int
	Payload     json.RawMessage
	Error       string
	PartitionKey string // hashed to a queue partition for per-key FIFO (§5)
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	VisibleAt   time.Time // lease expiry / scheduled retry time
}

// MaxAttemptsFor returns the §4.8 default retry budget per job type.
func MaxAttemptsFor(t Type) int {
	switch t {
	case TypeAntivirusScan:
		return 5
	case TypeRDFMaterialize:
		return 3
	case TypeExportPackage:
		return 2
	case TypeWebhookDeliver:
		return 5
	default:
		return 1
	}
}

// Store is the persistence port backing the queue: Postgres holds the
// authoritative Job rows (so status survives a worker crash); the broker
// (RabbitMQ) only carries lightweight wake-up notifications per §6's queue
// contract ("durable FIFO partitions, at-least-once delivery, visibility
// timeout, dead-letter support, delayed-visibility").
//
//go:generate mockgen --destination=../../../internal/gen/mock/job/job_mock.go --package=mock . Store
type Store interface {
	Enqueue(ctx context.Context, j *Job) error
	// Lease atomically claims up to n pending/visible jobs of the given
	// type, setting status=running and VisibleAt=now+visibilityTimeout.
	Lease(ctx context.Context, t Type, n int, visibilityTimeout time.Duration) ([]*Job, error)
	Complete(ctx context.Context, id uuid.UUID) error
	// Fail records an attempt failure; if attempts < max_attempts it
	// reschedules VisibleAt using the backoff policy, otherwise marks the
	// job Failed.
	Fail(ctx context.Context, id uuid.UUID, errMsg string, nextVisibleAt *time.Time) error
	Cancel(ctx context.Context, id uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
}

// Producer is the broker-facing port used to wake workers without forcing
// them to poll Postgres continuously.
//
//go:generate mockgen --destination=../../../internal/gen/mock/job/producer_mock.go --package=mock . Producer
type Producer interface {
	Notify(ctx context.Context, t Type, partitionKey string) error
}

// PartitionFor hashes a FIFO key to one of n broker partitions, the
// mechanism §5 names for per-key ordering ("hashing keys to partitions
// consumed by one worker at a time").
func PartitionFor(key string, n int) int {
	if n <= 0 {
		return 0
	}

	var h uint32 = 2166136261

	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}

	return int(h % uint32(n))
}
