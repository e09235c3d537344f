package governancecmd

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/domain/audit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
)

type fakePolicyStore struct {
	policies []*governance.Policy
	deleted  []uuid.UUID
}

func (f *fakePolicyStore) ListPoliciesFor(ctx context.Context, tenantID, action, resourcePrefix string) ([]*governance.Policy, error) {
	return f.policies, nil
}

func (f *fakePolicyStore) PutPolicy(ctx context.Context, p *governance.Policy) error {
	f.policies = append(f.policies, p)
	return nil
}

func (f *fakePolicyStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakePolicyStore) RecordPolicyAudit(ctx context.Context, subject, action, resource string, decision governance.Decision, reasonCtx map[string]any) error {
	return nil
}

type fakeQuotaStore struct {
	put []*governance.Quota
}

func (f *fakeQuotaStore) FindRepoQuota(ctx context.Context, repoID uuid.UUID) (*governance.Quota, error) {
	return nil, nil
}
func (f *fakeQuotaStore) FindUserQuota(ctx context.Context, userID string) (*governance.Quota, error) {
	return nil, nil
}
func (f *fakeQuotaStore) PutQuota(ctx context.Context, q *governance.Quota) error {
	f.put = append(f.put, q)
	return nil
}
func (f *fakeQuotaStore) Reserve(ctx context.Context, q *governance.Quota, delta governance.Delta) error {
	return nil
}
func (f *fakeQuotaStore) Release(ctx context.Context, q *governance.Quota, delta governance.Delta) error {
	return nil
}

type fakeRetentionStore struct {
	holds    map[uuid.UUID]*governance.LegalHold
	released []uuid.UUID
}

func newFakeRetentionStore() *fakeRetentionStore {
	return &fakeRetentionStore{holds: map[uuid.UUID]*governance.LegalHold{}}
}

func (f *fakeRetentionStore) FindPolicy(ctx context.Context, repoID uuid.UUID) (*governance.RetentionPolicy, error) {
	return nil, nil
}
func (f *fakeRetentionStore) RetentionUntil(ctx context.Context, repoID uuid.UUID, entryCreatedAt time.Time) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeRetentionStore) ActiveHold(ctx context.Context, commitID uuid.UUID, path string) (*governance.LegalHold, error) {
	return nil, nil
}
func (f *fakeRetentionStore) PutHold(ctx context.Context, h *governance.LegalHold) error {
	f.holds[h.ID] = h
	return nil
}
func (f *fakeRetentionStore) ReleaseHold(ctx context.Context, id uuid.UUID) error {
	f.released = append(f.released, id)
	return nil
}
func (f *fakeRetentionStore) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type fakeAuditLog struct {
	entries []*audit.Entry
}

func (f *fakeAuditLog) Append(ctx context.Context, e *audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}
func (f *fakeAuditLog) ListByRepo(ctx context.Context, repoID uuid.UUID, limit int) ([]*audit.Entry, error) {
	return f.entries, nil
}
func (f *fakeAuditLog) VerifyChain(ctx context.Context, repoID uuid.UUID) (uuid.UUID, bool, error) {
	return uuid.Nil, true, nil
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestSetPolicyAssignsIDAndAudits(t *testing.T) {
	policies := &fakePolicyStore{}
	auditLog := &fakeAuditLog{}
	cmds := New(policies, &fakeQuotaStore{}, newFakeRetentionStore(), auditLog, fixedNow)

	p := &governance.Policy{TenantID: "tenant-a", Name: "allow-all", Effect: governance.Allow}
	require.NoError(t, cmds.SetPolicy(context.Background(), "admin", p))

	assert.NotEqual(t, uuid.Nil, p.ID)
	require.Len(t, policies.policies, 1)
	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, "set-policy", auditLog.entries[0].Action)
	assert.Equal(t, "admin", auditLog.entries[0].Actor)
}

func TestSetQuotaAuditsWithUserScope(t *testing.T) {
	quotas := &fakeQuotaStore{}
	auditLog := &fakeAuditLog{}
	cmds := New(&fakePolicyStore{}, quotas, newFakeRetentionStore(), auditLog, fixedNow)

	q := &governance.Quota{UserID: "alice"}
	require.NoError(t, cmds.SetQuota(context.Background(), "admin", q))

	require.Len(t, quotas.put, 1)
	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, "alice", auditLog.entries[0].Resource)
}

func TestReleaseHoldAudits(t *testing.T) {
	holds := newFakeRetentionStore()
	auditLog := &fakeAuditLog{}
	cmds := New(&fakePolicyStore{}, &fakeQuotaStore{}, holds, auditLog, fixedNow)

	repoID, holdID := uuid.New(), uuid.New()
	require.NoError(t, cmds.ReleaseHold(context.Background(), "admin", repoID, holdID))

	assert.Contains(t, holds.released, holdID)
	require.Len(t, auditLog.entries, 1)
	assert.Equal(t, "release-hold", auditLog.entries[0].Action)
	assert.Equal(t, repoID, auditLog.entries[0].RepoID)
}

func TestPutHoldDefaultsStatusActive(t *testing.T) {
	holds := newFakeRetentionStore()
	auditLog := &fakeAuditLog{}
	cmds := New(&fakePolicyStore{}, &fakeQuotaStore{}, holds, auditLog, fixedNow)

	h := &governance.LegalHold{Path: "a.txt", Reason: "litigation"}
	require.NoError(t, cmds.PutHold(context.Background(), "admin", uuid.New(), h))

	assert.NotEqual(t, uuid.Nil, h.ID)
	assert.Equal(t, governance.HoldActive, h.Status)
	assert.Len(t, auditLog.entries, 1)
}
