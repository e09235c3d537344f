package upload

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"github.com/blacklake-io/blacklake/internal/platform/clock"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

type fakeRepoStore struct {
	repos map[uuid.UUID]*repo.Repository
}

func (f *fakeRepoStore) CreateRepository(ctx context.Context, r *repo.Repository) (*repo.Repository, error) {
	f.repos[r.ID] = r
	return r, nil
}

func (f *fakeRepoStore) FindRepository(ctx context.Context, tenant, name string) (*repo.Repository, error) {
	return nil, nil
}

func (f *fakeRepoStore) FindRepositoryByID(ctx context.Context, id uuid.UUID) (*repo.Repository, error) {
	return f.repos[id], nil
}

func (f *fakeRepoStore) SoftDeleteRepository(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeRepoStore) CreateRef(ctx context.Context, ref *repo.Ref) error           { return nil }
func (f *fakeRepoStore) FindRef(ctx context.Context, repoID uuid.UUID, name string) (*repo.Ref, error) {
	return nil, nil
}
func (f *fakeRepoStore) ListRefs(ctx context.Context, repoID uuid.UUID) ([]*repo.Ref, error) {
	return nil, nil
}
func (f *fakeRepoStore) CASRef(ctx context.Context, repoID uuid.UUID, name string, kind repo.RefKind, expectedParent, newCommit uuid.UUID) (uuid.UUID, bool, error) {
	return uuid.Nil, false, nil
}

type fakeObjectStore struct {
	heads    map[string]object.HeadResult
	deleted  []string
	presigns int
	copies   [][2]string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{heads: map[string]object.HeadResult{}}
}

func (f *fakeObjectStore) PresignPut(ctx context.Context, key string, size int64, contentType string, expiry time.Duration) (string, error) {
	f.presigns++
	return "https://example.test/put/" + key, nil
}

func (f *fakeObjectStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://example.test/get/" + key, nil
}

func (f *fakeObjectStore) Head(ctx context.Context, key string) (object.HeadResult, error) {
	return f.heads[key], nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjectStore) CopyThenDelete(ctx context.Context, srcKey, dstKey string) error {
	f.copies = append(f.copies, [2]string{srcKey, dstKey})
	f.heads[dstKey] = f.heads[srcKey]
	delete(f.heads, srcKey)

	return nil
}

type fakeRegistry struct {
	objects map[string]*object.Object
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{objects: map[string]*object.Object{}}
}

func (f *fakeRegistry) Ensure(ctx context.Context, o *object.Object) (*object.Object, error) {
	if existing, ok := f.objects[o.SHA256]; ok {
		return existing, nil
	}

	f.objects[o.SHA256] = o

	return o, nil
}

func (f *fakeRegistry) Find(ctx context.Context, sha256Hex string) (*object.Object, error) {
	return f.objects[sha256Hex], nil
}

func (f *fakeRegistry) CountReferences(ctx context.Context, sha256Hex string) (int64, error) { return 0, nil }

func (f *fakeRegistry) FindUnreferencedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*object.Object, error) {
	return nil, nil
}

func (f *fakeRegistry) Delete(ctx context.Context, sha256Hex string) error {
	delete(f.objects, sha256Hex)
	return nil
}

type fakePolicyStore struct{}

func (fakePolicyStore) ListPoliciesFor(ctx context.Context, tenantID, action, resourcePrefix string) ([]*governance.Policy, error) {
	return []*governance.Policy{
		{ID: uuid.New(), TenantID: tenantID, Name: "allow-all", Effect: governance.Allow, Actions: []string{"*"}, Resources: []string{"*"}},
	}, nil
}

func (fakePolicyStore) PutPolicy(ctx context.Context, p *governance.Policy) error    { return nil }
func (fakePolicyStore) DeletePolicy(ctx context.Context, id uuid.UUID) error         { return nil }
func (fakePolicyStore) RecordPolicyAudit(ctx context.Context, subject, action, resource string, decision governance.Decision, reasonCtx map[string]any) error {
	return nil
}

type fakeQuotaStore struct {
	repoQuotas map[uuid.UUID]*governance.Quota
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{repoQuotas: map[uuid.UUID]*governance.Quota{}}
}

func (f *fakeQuotaStore) FindRepoQuota(ctx context.Context, repoID uuid.UUID) (*governance.Quota, error) {
	return f.repoQuotas[repoID], nil
}

func (f *fakeQuotaStore) FindUserQuota(ctx context.Context, userID string) (*governance.Quota, error) {
	return nil, nil
}

func (f *fakeQuotaStore) PutQuota(ctx context.Context, q *governance.Quota) error {
	f.repoQuotas[q.RepoID] = q
	return nil
}

func (f *fakeQuotaStore) Reserve(ctx context.Context, q *governance.Quota, delta governance.Delta) error {
	if q.CurrentBytes.Add(delta.Bytes).GreaterThan(q.MaxBytes) {
		return governance.ErrQuotaExceeded("bytes")
	}

	q.CurrentBytes = q.CurrentBytes.Add(delta.Bytes)
	q.CurrentFiles += delta.Files

	return nil
}

func (f *fakeQuotaStore) Release(ctx context.Context, q *governance.Quota, delta governance.Delta) error {
	q.CurrentBytes = q.CurrentBytes.Sub(delta.Bytes)
	q.CurrentFiles -= delta.Files

	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *repo.Repository, *fakeObjectStore, *fakeRegistry, *fakeQuotaStore) {
	t.Helper()

	r := &repo.Repository{ID: uuid.New(), Name: "r1", Tenant: "tenant-a"}
	repos := &fakeRepoStore{repos: map[uuid.UUID]*repo.Repository{r.ID: r}}
	objects := newFakeObjectStore()
	registry := newFakeRegistry()
	quotas := newFakeQuotaStore()
	quotas.repoQuotas[r.ID] = &governance.Quota{RepoID: r.ID, MaxBytes: decimal.NewFromInt(1 << 30), MaxFiles: 1 << 20}

	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	coord := New(repos, objects, registry, governance.NewEvaluator(fakePolicyStore{}), governance.NewQuotaGuard(quotas), clk)

	return coord, r, objects, registry, quotas
}

func TestInitRejectsPathEscape(t *testing.T) {
	coord, r, _, _, _ := newTestCoordinator(t)

	_, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "../escape", Actor: "alice", DeclaredSize: 10})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.InvalidInput, ke.Kind)
}

func TestInitReturnsPresignedURLAndReservesQuota(t *testing.T) {
	coord, r, objects, _, quotas := newTestCoordinator(t)

	res, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "a/b.txt", Actor: "alice", DeclaredSize: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, res.PresignedPUT)
	assert.NotEmpty(t, res.StagingKey)
	assert.Equal(t, 1, objects.presigns)
	assert.True(t, quotas.repoQuotas[r.ID].CurrentBytes.Equal(decimal.NewFromInt(100)))
}

func TestInitLeavesNoStrayReservationWhenQuotaExceeded(t *testing.T) {
	coord, r, _, _, quotas := newTestCoordinator(t)

	// The fake object store never fails PresignPut, so this covers the quota
	// side only: a second Init that would exceed a tight quota is rejected
	// and leaves the first Init's reservation as the only one counted.
	quotas.repoQuotas[r.ID].MaxBytes = decimal.NewFromInt(150)

	_, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "a.txt", Actor: "alice", DeclaredSize: 100})
	require.NoError(t, err)

	_, err = coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "b.txt", Actor: "alice", DeclaredSize: 100})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.QuotaExceeded, ke.Kind)
	assert.True(t, quotas.repoQuotas[r.ID].CurrentBytes.Equal(decimal.NewFromInt(100)))
}

func TestFinalizeRebindsStagingKeyToContentAddressedKey(t *testing.T) {
	coord, r, objects, registry, _ := newTestCoordinator(t)

	init, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "a.txt", Actor: "alice", DeclaredSize: 4})
	require.NoError(t, err)

	objects.heads[init.StagingKey] = object.HeadResult{Exists: true, Size: 4, ETag: "etag-1"}

	sha := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85"

	res, err := coord.Finalize(context.Background(), FinalizeInput{RepoID: r.ID, StagingKey: init.StagingKey, DeclaredSize: 4, DeclaredSHA256: sha})
	require.NoError(t, err)
	assert.Equal(t, sha, res.SHA256)
	assert.Equal(t, object.Layout(sha), res.StorageKey)
	require.Len(t, objects.copies, 1)
	assert.Equal(t, init.StagingKey, objects.copies[0][0])

	found, err := registry.Find(context.Background(), sha)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestFinalizeDetectsSizeMismatch(t *testing.T) {
	coord, r, objects, _, _ := newTestCoordinator(t)

	init, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "a.txt", Actor: "alice", DeclaredSize: 4})
	require.NoError(t, err)

	objects.heads[init.StagingKey] = object.HeadResult{Exists: true, Size: 999, ETag: "etag-1"}

	_, err = coord.Finalize(context.Background(), FinalizeInput{RepoID: r.ID, StagingKey: init.StagingKey, DeclaredSize: 4, DeclaredSHA256: "whatever"})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.SizeMismatch, ke.Kind)
}

func TestFinalizeWithoutDeclaredHashFallsBackToETagDerivedHash(t *testing.T) {
	coord, r, objects, registry, _ := newTestCoordinator(t)

	init, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "a.txt", Actor: "alice", DeclaredSize: 4})
	require.NoError(t, err)

	objects.heads[init.StagingKey] = object.HeadResult{Exists: true, Size: 4, ETag: "etag-1"}

	res, err := coord.Finalize(context.Background(), FinalizeInput{RepoID: r.ID, StagingKey: init.StagingKey, DeclaredSize: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SHA256)

	found, err := registry.Find(context.Background(), res.SHA256)
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestFinalizeWithoutDeclaredHashOrETagFails(t *testing.T) {
	coord, r, objects, _, _ := newTestCoordinator(t)

	init, err := coord.Init(context.Background(), InitInput{RepoID: r.ID, Path: "a.txt", Actor: "alice", DeclaredSize: 4})
	require.NoError(t, err)

	objects.heads[init.StagingKey] = object.HeadResult{Exists: true, Size: 4}

	_, err = coord.Finalize(context.Background(), FinalizeInput{RepoID: r.ID, StagingKey: init.StagingKey, DeclaredSize: 4})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.InvalidInput, ke.Kind)
}

func TestFinalizeIsIdempotentForAlreadyFinalizedStagingKey(t *testing.T) {
	coord, r, objects, registry, _ := newTestCoordinator(t)

	sha := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	key := object.Layout(sha)

	existing := &object.Object{SHA256: sha, Size: 4, StorageKey: key}
	_, err := registry.Ensure(context.Background(), existing)
	require.NoError(t, err)

	// the staging key was already moved by a previous Finalize call, so
	// Head on it now reports not-found.
	objects.heads[key] = object.HeadResult{Exists: false}

	res, err := coord.Finalize(context.Background(), FinalizeInput{RepoID: r.ID, StagingKey: key, DeclaredSHA256: sha})
	require.NoError(t, err)
	assert.Equal(t, sha, res.SHA256)
}
