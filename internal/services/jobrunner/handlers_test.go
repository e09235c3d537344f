package jobrunner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/adapters/scanner"
	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

type fakeObjectRegistry struct {
	objects    map[string]*object.Object
	refCounts  map[string]int64
	deleted    []string
}

func newFakeObjectRegistry() *fakeObjectRegistry {
	return &fakeObjectRegistry{objects: map[string]*object.Object{}, refCounts: map[string]int64{}}
}

func (f *fakeObjectRegistry) Ensure(ctx context.Context, o *object.Object) (*object.Object, error) {
	f.objects[o.SHA256] = o
	return o, nil
}

func (f *fakeObjectRegistry) Find(ctx context.Context, sha256Hex string) (*object.Object, error) {
	return f.objects[sha256Hex], nil
}

func (f *fakeObjectRegistry) CountReferences(ctx context.Context, sha256Hex string) (int64, error) {
	return f.refCounts[sha256Hex], nil
}

func (f *fakeObjectRegistry) FindUnreferencedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*object.Object, error) {
	return nil, nil
}

func (f *fakeObjectRegistry) Delete(ctx context.Context, sha256Hex string) error {
	f.deleted = append(f.deleted, sha256Hex)
	delete(f.objects, sha256Hex)

	return nil
}

type fakeBlobDeleter struct {
	deleted []string
}

func (f *fakeBlobDeleter) Delete(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func TestObjectGCHandlerSkipsStillReferencedObject(t *testing.T) {
	registry := newFakeObjectRegistry()
	registry.objects["sha1"] = &object.Object{SHA256: "sha1", StorageKey: "ab/cd/sha1"}
	registry.refCounts["sha1"] = 1

	blobs := &fakeBlobDeleter{}
	h := ObjectGCHandler(blobs, registry)

	payload, _ := json.Marshal(map[string]string{"sha256": "sha1"})
	err := h(context.Background(), &job.Job{Payload: payload})
	require.NoError(t, err)

	assert.Empty(t, blobs.deleted)
	assert.Empty(t, registry.deleted)
}

func TestObjectGCHandlerDeletesUnreferencedObject(t *testing.T) {
	registry := newFakeObjectRegistry()
	registry.objects["sha1"] = &object.Object{SHA256: "sha1", StorageKey: "ab/cd/sha1"}

	blobs := &fakeBlobDeleter{}
	h := ObjectGCHandler(blobs, registry)

	payload, _ := json.Marshal(map[string]string{"sha256": "sha1"})
	err := h(context.Background(), &job.Job{Payload: payload})
	require.NoError(t, err)

	assert.Equal(t, []string{"ab/cd/sha1"}, blobs.deleted)
	assert.Equal(t, []string{"sha1"}, registry.deleted)
}

func TestObjectGCHandlerNoopsWhenObjectAlreadyGone(t *testing.T) {
	registry := newFakeObjectRegistry()
	blobs := &fakeBlobDeleter{}
	h := ObjectGCHandler(blobs, registry)

	payload, _ := json.Marshal(map[string]string{"sha256": "missing"})
	err := h(context.Background(), &job.Job{Payload: payload})
	require.NoError(t, err)
	assert.Empty(t, blobs.deleted)
}

func TestObjectGCHandlerRejectsBadPayload(t *testing.T) {
	h := ObjectGCHandler(&fakeBlobDeleter{}, newFakeObjectRegistry())

	err := h(context.Background(), &job.Job{Payload: json.RawMessage(`not json`)})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.InvalidInput, ke.Kind)
}

func TestStagingReapHandlerDeletesKey(t *testing.T) {
	blobs := &fakeBlobDeleter{}
	h := StagingReapHandler(blobs)

	payload, _ := json.Marshal(map[string]string{"key": "staging/abc"})
	require.NoError(t, h(context.Background(), &job.Job{Payload: payload}))
	assert.Equal(t, []string{"staging/abc"}, blobs.deleted)
}

type fakeRetentionStore struct {
	expireCalls int
	expireNow   time.Time
	expireCount int
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

func (f *fakeRetentionStore) PutHold(ctx context.Context, h *governance.LegalHold) error { return nil }

func (f *fakeRetentionStore) ReleaseHold(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeRetentionStore) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	f.expireCalls++
	f.expireNow = now

	return f.expireCount, nil
}

func TestRetentionCheckHandlerExpiresHoldsAtGivenTime(t *testing.T) {
	store := &fakeRetentionStore{expireCount: 2}
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	h := RetentionCheckHandler(store, func() time.Time { return fixed })

	require.NoError(t, h(context.Background(), &job.Job{}))
	assert.Equal(t, 1, store.expireCalls)
	assert.True(t, store.expireNow.Equal(fixed))
}

type fakeScanClient struct {
	verdict scanner.Verdict
	err     error
}

func (f *fakeScanClient) Scan(ctx context.Context, sha256Hex, storageKey string) (scanner.Verdict, error) {
	return f.verdict, f.err
}

func TestAntivirusScanHandlerCleanVerdictSucceeds(t *testing.T) {
	registry := newFakeObjectRegistry()
	registry.objects["sha1"] = &object.Object{SHA256: "sha1", StorageKey: "ab/cd/sha1"}

	client := &fakeScanClient{verdict: scanner.Verdict{Clean: true}}
	h := AntivirusScanHandler(client, registry, noopLogger{})

	payload, _ := json.Marshal(map[string]string{"sha256": "sha1"})
	require.NoError(t, h(context.Background(), &job.Job{Payload: payload}))
}

func TestAntivirusScanHandlerMissingObjectFails(t *testing.T) {
	registry := newFakeObjectRegistry()
	client := &fakeScanClient{verdict: scanner.Verdict{Clean: true}}
	h := AntivirusScanHandler(client, registry, noopLogger{})

	payload, _ := json.Marshal(map[string]string{"sha256": "missing"})
	err := h(context.Background(), &job.Job{Payload: payload})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.NotFound, ke.Kind)
}

func TestAntivirusScanHandlerInfectedVerdictDoesNotError(t *testing.T) {
	registry := newFakeObjectRegistry()
	registry.objects["sha1"] = &object.Object{SHA256: "sha1", StorageKey: "ab/cd/sha1"}

	client := &fakeScanClient{verdict: scanner.Verdict{Clean: false, Signature: "EICAR"}}
	h := AntivirusScanHandler(client, registry, noopLogger{})

	payload, _ := json.Marshal(map[string]string{"sha256": "sha1"})
	require.NoError(t, h(context.Background(), &job.Job{Payload: payload}))
}

type fakeCommitStoreForRDF struct {
	entries map[string]*commit.Entry
}

func (f *fakeCommitStoreForRDF) InsertCommit(ctx context.Context, c *commit.Commit) error { return nil }
func (f *fakeCommitStoreForRDF) FindCommit(ctx context.Context, id uuid.UUID) (*commit.Commit, error) {
	return nil, nil
}
func (f *fakeCommitStoreForRDF) ListEntries(ctx context.Context, commitID uuid.UUID) ([]*commit.Entry, error) {
	return nil, nil
}
func (f *fakeCommitStoreForRDF) FindEntry(ctx context.Context, commitID uuid.UUID, path string) (*commit.Entry, error) {
	return f.entries[path], nil
}
func (f *fakeCommitStoreForRDF) InsertEntries(ctx context.Context, entries []*commit.Entry) error {
	return nil
}

func TestRDFMaterializeHandlerRendersTriplesAndSinks(t *testing.T) {
	commitID := uuid.New()
	store := &fakeCommitStoreForRDF{entries: map[string]*commit.Entry{
		"a.txt": {CommitID: commitID, Path: "a.txt", Meta: commit.Meta{"classification": "public"}},
	}}

	var sunkCommitID uuid.UUID
	var sunkPath string
	var sunkRDF []byte

	h := RDFMaterializeHandler(store, func(ctx context.Context, cID uuid.UUID, path string, rdf []byte) error {
		sunkCommitID = cID
		sunkPath = path
		sunkRDF = rdf

		return nil
	})

	payload, _ := json.Marshal(map[string]string{"commitId": commitID.String(), "path": "a.txt"})
	require.NoError(t, h(context.Background(), &job.Job{Payload: payload}))

	assert.Equal(t, commitID, sunkCommitID)
	assert.Equal(t, "a.txt", sunkPath)
	assert.Contains(t, string(sunkRDF), "blacklake:classification")
}

func TestRDFMaterializeHandlerMissingEntryFails(t *testing.T) {
	commitID := uuid.New()
	store := &fakeCommitStoreForRDF{entries: map[string]*commit.Entry{}}

	h := RDFMaterializeHandler(store, func(ctx context.Context, cID uuid.UUID, path string, rdf []byte) error {
		return nil
	})

	payload, _ := json.Marshal(map[string]string{"commitId": commitID.String(), "path": "missing.txt"})
	err := h(context.Background(), &job.Job{Payload: payload})
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.NotFound, ke.Kind)
}
