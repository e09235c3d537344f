package governance

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// fakeQuotaStore is a hand-written test double (no mockgen output available
// in this environment) backed by in-memory repo/user quota rows.
type fakeQuotaStore struct {
	repoQuotas map[uuid.UUID]*Quota
	userQuotas map[string]*Quota
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{repoQuotas: map[uuid.UUID]*Quota{}, userQuotas: map[string]*Quota{}}
}

func (f *fakeQuotaStore) FindRepoQuota(ctx context.Context, repoID uuid.UUID) (*Quota, error) {
	return f.repoQuotas[repoID], nil
}

func (f *fakeQuotaStore) FindUserQuota(ctx context.Context, userID string) (*Quota, error) {
	return f.userQuotas[userID], nil
}

func (f *fakeQuotaStore) PutQuota(ctx context.Context, q *Quota) error {
	if q.UserID != "" {
		f.userQuotas[q.UserID] = q
	} else {
		f.repoQuotas[q.RepoID] = q
	}

	return nil
}

func (f *fakeQuotaStore) Reserve(ctx context.Context, q *Quota, delta Delta) error {
	if q.CurrentBytes.Add(delta.Bytes).GreaterThan(q.MaxBytes) {
		return ErrQuotaExceeded("bytes")
	}

	if q.CurrentFiles+delta.Files > q.MaxFiles {
		return ErrQuotaExceeded("files")
	}

	q.CurrentBytes = q.CurrentBytes.Add(delta.Bytes)
	q.CurrentFiles += delta.Files
	q.CurrentCommits += delta.Commits

	return nil
}

func (f *fakeQuotaStore) Release(ctx context.Context, q *Quota, delta Delta) error {
	q.CurrentBytes = q.CurrentBytes.Sub(delta.Bytes)
	q.CurrentFiles -= delta.Files
	q.CurrentCommits -= delta.Commits

	return nil
}

func TestQuotaGuardCheckAndReserve_RepoOnly(t *testing.T) {
	store := newFakeQuotaStore()
	repoID := uuid.New()
	store.repoQuotas[repoID] = &Quota{RepoID: repoID, MaxBytes: decimal.NewFromInt(100), MaxFiles: 10}

	guard := NewQuotaGuard(store)

	err := guard.CheckAndReserve(context.Background(), repoID, "", Delta{Bytes: decimal.NewFromInt(50), Files: 1})
	require.NoError(t, err)
	assert.True(t, store.repoQuotas[repoID].CurrentBytes.Equal(decimal.NewFromInt(50)))
}

func TestQuotaGuardCheckAndReserve_UserRollbackOnFailure(t *testing.T) {
	store := newFakeQuotaStore()
	repoID := uuid.New()
	store.repoQuotas[repoID] = &Quota{RepoID: repoID, MaxBytes: decimal.NewFromInt(1000), MaxFiles: 1000}
	store.userQuotas["alice"] = &Quota{UserID: "alice", MaxBytes: decimal.NewFromInt(10), MaxFiles: 1000}

	guard := NewQuotaGuard(store)

	err := guard.CheckAndReserve(context.Background(), repoID, "alice", Delta{Bytes: decimal.NewFromInt(50), Files: 1})
	require.Error(t, err)

	var ke *errkind.Error
	assert.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.QuotaExceeded, ke.Kind)

	// the repo reservation made before the user reservation failed must have
	// been rolled back.
	assert.True(t, store.repoQuotas[repoID].CurrentBytes.IsZero())
}

func TestQuotaGuardRelease(t *testing.T) {
	store := newFakeQuotaStore()
	repoID := uuid.New()
	store.repoQuotas[repoID] = &Quota{RepoID: repoID, MaxBytes: decimal.NewFromInt(100), MaxFiles: 10, CurrentBytes: decimal.NewFromInt(50), CurrentFiles: 2}

	guard := NewQuotaGuard(store)

	err := guard.Release(context.Background(), repoID, "", Delta{Bytes: decimal.NewFromInt(50), Files: 2})
	require.NoError(t, err)
	assert.True(t, store.repoQuotas[repoID].CurrentBytes.IsZero())
	assert.Equal(t, int64(0), store.repoQuotas[repoID].CurrentFiles)
}
