package governance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blacklake-io/blacklake/internal/platform/clock"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// HoldStatus is LegalHold.status (§3).
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldExpired  HoldStatus = "expired"
)

// RetentionPolicy is the entity from §3.
type RetentionPolicy struct {
	ID                 uuid.UUID
	RetentionDays      int
	LegalHoldOverride  bool
}

// LegalHold is the entity from §3, scoped to one Entry (identified here by
// commit id + path, the Entry primary key).
type LegalHold struct {
	ID        uuid.UUID
	CommitID  uuid.UUID
	Path      string
	Reason    string
	Status    HoldStatus
	CreatedAt time.Time
}

// RetentionStore is the persistence port for retention policies and legal
// holds.
//
//go:generate mockgen --destination=../../../internal/gen/mock/governance/retention_mock.go --package=mock . RetentionStore
type RetentionStore interface {
	FindPolicy(ctx context.Context, repoID uuid.UUID) (*RetentionPolicy, error)
	// RetentionUntil returns when the entry becomes deletable absent a hold,
	// derived from the policy's retention_days and the entry's creation
	// time (commit.CreatedAt).
	RetentionUntil(ctx context.Context, repoID uuid.UUID, entryCreatedAt time.Time) (time.Time, error)
	ActiveHold(ctx context.Context, commitID uuid.UUID, path string) (*LegalHold, error)
	PutHold(ctx context.Context, h *LegalHold) error
	ReleaseHold(ctx context.Context, id uuid.UUID) error
	// ExpireHolds marks any hold whose implicit expiry has passed (policy
	// dependent) as expired; called by the retention_check job.
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}

// RetentionGate implements §4.7's retention/legal-hold gate: deletion fails
// unless no active hold and retention_until <= now, with an administrative
// override via RetentionPolicy.LegalHoldOverride.
type RetentionGate struct {
	store RetentionStore
	clock clock.Clock
}

func NewRetentionGate(store RetentionStore, clk clock.Clock) *RetentionGate {
	return &RetentionGate{store: store, clock: clk}
}

// CheckDeletable returns a LegalHoldBlocked or RetentionBlocked error if the
// entry may not yet be deleted, or nil if deletion is allowed.
func (g *RetentionGate) CheckDeletable(ctx context.Context, repoID, commitID uuid.UUID, path string, entryCreatedAt time.Time, isAdminOverride bool) error {
	hold, err := g.store.ActiveHold(ctx, commitID, path)
	if err != nil {
		return err
	}

	policy, err := g.store.FindPolicy(ctx, repoID)
	if err != nil {
		return err
	}

	if hold != nil && hold.Status == HoldActive {
		if !(policy != nil && policy.LegalHoldOverride && isAdminOverride) {
			return errkind.New(errkind.LegalHoldBlocked, "entry is under active legal hold: "+hold.Reason)
		}
	}

	until, err := g.store.RetentionUntil(ctx, repoID, entryCreatedAt)
	if err != nil {
		return err
	}

	if g.clock.Now().Before(until) {
		return errkind.New(errkind.RetentionBlocked, "retention window has not elapsed")
	}

	return nil
}
