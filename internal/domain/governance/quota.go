package governance

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// Quota is the entity from §3: either repo-scoped or user-scoped (exactly
// one of RepoID/UserID is set).
type Quota struct {
	RepoID        uuid.UUID
	UserID        string
	MaxBytes      decimal.Decimal
	MaxFiles      int64
	MaxCommits    int64
	CurrentBytes  decimal.Decimal
	CurrentFiles  int64
	CurrentCommits int64
}

// Delta is the reservation requested before a commit is finalized (§4.7
// "Quota guard").
type Delta struct {
	Bytes   decimal.Decimal
	Files   int64
	Commits int64
}

// QuotaStore is the persistence port. Reserve/Release must be atomic
// read-modify-write operations; the Postgres adapter implements this with a
// single conditional `UPDATE ... WHERE current+delta <= max` statement (no
// row affected means the limit would be exceeded), and
// the services layer additionally wraps it in a Redis-backed distributed
// lock (SPEC_FULL §B) so repeated reservations against the same repo don't
// race past each other between the read and the write.
//
//go:generate mockgen --destination=../../../internal/gen/mock/governance/quota_mock.go --package=mock . QuotaStore
type QuotaStore interface {
	FindRepoQuota(ctx context.Context, repoID uuid.UUID) (*Quota, error)
	FindUserQuota(ctx context.Context, userID string) (*Quota, error)
	// PutQuota creates or updates the max_* limits for q's scope, leaving
	// current_* untouched — the admin-facing "set-quota" operation (§6),
	// distinct from Reserve/Release which only move current_*.
	PutQuota(ctx context.Context, q *Quota) error
	// Reserve atomically adds delta to current_* iff the result does not
	// exceed max_*; returns QuotaExceeded otherwise.
	Reserve(ctx context.Context, q *Quota, delta Delta) error
	// Release subtracts delta from current_*, used on commit abort.
	Release(ctx context.Context, q *Quota, delta Delta) error
}

// QuotaGuard enforces the invariant current_* <= max_* (§3) by reserving
// before a commit is finalized and releasing on abort.
type QuotaGuard struct {
	store QuotaStore
}

func NewQuotaGuard(store QuotaStore) *QuotaGuard {
	return &QuotaGuard{store: store}
}

// CheckAndReserve reserves delta against both the repo's and the owning
// user's quota. If the user quota reservation fails after the repo
// reservation succeeded, the repo reservation is released before returning,
// so a partial reservation never survives a failed check.
func (g *QuotaGuard) CheckAndReserve(ctx context.Context, repoID uuid.UUID, userID string, delta Delta) error {
	repoQuota, err := g.store.FindRepoQuota(ctx, repoID)
	if err != nil {
		return err
	}

	if repoQuota != nil {
		if err := g.store.Reserve(ctx, repoQuota, delta); err != nil {
			return err
		}
	}

	if userID == "" {
		return nil
	}

	userQuota, err := g.store.FindUserQuota(ctx, userID)
	if err != nil {
		if repoQuota != nil {
			_ = g.store.Release(ctx, repoQuota, delta)
		}

		return err
	}

	if userQuota == nil {
		return nil
	}

	if err := g.store.Reserve(ctx, userQuota, delta); err != nil {
		if repoQuota != nil {
			_ = g.store.Release(ctx, repoQuota, delta)
		}

		return err
	}

	return nil
}

// Release reverses a prior successful CheckAndReserve, used when a commit
// aborts after quota was reserved but before it was durably committed.
func (g *QuotaGuard) Release(ctx context.Context, repoID uuid.UUID, userID string, delta Delta) error {
	repoQuota, err := g.store.FindRepoQuota(ctx, repoID)
	if err != nil {
		return err
	}

	if repoQuota != nil {
		if err := g.store.Release(ctx, repoQuota, delta); err != nil {
			return err
		}
	}

	if userID == "" {
		return nil
	}

	userQuota, err := g.store.FindUserQuota(ctx, userID)
	if err != nil {
		return err
	}

	if userQuota != nil {
		return g.store.Release(ctx, userQuota, delta)
	}

	return nil
}

// ErrQuotaExceeded is a convenience constructor matching §7's QuotaExceeded
// kind.
func ErrQuotaExceeded(reason string) error {
	return errkind.New(errkind.QuotaExceeded, reason)
}
