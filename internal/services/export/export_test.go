package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

type fakeCommitStore struct {
	commits map[uuid.UUID]*commit.Commit
	entries map[uuid.UUID][]*commit.Entry
}

func (f *fakeCommitStore) InsertCommit(ctx context.Context, c *commit.Commit) error { return nil }

func (f *fakeCommitStore) FindCommit(ctx context.Context, id uuid.UUID) (*commit.Commit, error) {
	return f.commits[id], nil
}

func (f *fakeCommitStore) ListEntries(ctx context.Context, commitID uuid.UUID) ([]*commit.Entry, error) {
	return f.entries[commitID], nil
}

func (f *fakeCommitStore) FindEntry(ctx context.Context, commitID uuid.UUID, path string) (*commit.Entry, error) {
	for _, e := range f.entries[commitID] {
		if e.Path == path {
			return e, nil
		}
	}

	return nil, nil
}

func (f *fakeCommitStore) InsertEntries(ctx context.Context, entries []*commit.Entry) error { return nil }

type fakeObjectRegistry struct {
	objects map[string]*object.Object
}

func (f *fakeObjectRegistry) Ensure(ctx context.Context, o *object.Object) (*object.Object, error) {
	return o, nil
}

func (f *fakeObjectRegistry) Find(ctx context.Context, sha256Hex string) (*object.Object, error) {
	return f.objects[sha256Hex], nil
}

func (f *fakeObjectRegistry) CountReferences(ctx context.Context, sha256Hex string) (int64, error) {
	return 0, nil
}

func (f *fakeObjectRegistry) FindUnreferencedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*object.Object, error) {
	return nil, nil
}

func (f *fakeObjectRegistry) Delete(ctx context.Context, sha256Hex string) error { return nil }

type fakeBlobFetcher struct {
	bodies map[string][]byte
}

func (f *fakeBlobFetcher) Fetch(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.bodies[storageKey])), nil
}

func readTarGz(t *testing.T, data []byte) map[string][]byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	tr := tar.NewReader(gz)
	files := map[string][]byte{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		require.NoError(t, err)

		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = body
	}

	return files
}

func TestBuildProducesArchiveWithManifestAndEntries(t *testing.T) {
	repoID, commitID := uuid.New(), uuid.New()
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	commits := &fakeCommitStore{
		commits: map[uuid.UUID]*commit.Commit{commitID: {ID: commitID, RepoID: repoID, CreatedAt: createdAt}},
		entries: map[uuid.UUID][]*commit.Entry{
			commitID: {
				{CommitID: commitID, Path: "dir", IsDir: true},
				{CommitID: commitID, Path: "dir/a.txt", ObjectSHA256: "sha1", Meta: commit.Meta{"classification": "public"}},
			},
		},
	}
	objects := &fakeObjectRegistry{objects: map[string]*object.Object{
		"sha1": {SHA256: "sha1", Size: 5, StorageKey: "sh/a1/sha1"},
	}}
	blobs := &fakeBlobFetcher{bodies: map[string][]byte{"sh/a1/sha1": []byte("hello")}}

	assembler := New(commits, objects, blobs)

	archive, err := assembler.BufferedBuild(context.Background(), repoID, "main", commitID)
	require.NoError(t, err)

	files := readTarGz(t, archive)

	prefix := repoID.String() + "/main/"
	assert.Equal(t, []byte("hello"), files[prefix+"dir/a.txt"])
	assert.Contains(t, string(files[prefix+"dir/a.txt.meta.json"]), "classification")
	require.Contains(t, files, "manifest.json")

	var manifest Manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, commitID, manifest.CommitID)
	require.Len(t, manifest.Entries, 1)
	assert.Equal(t, "dir/a.txt", manifest.Entries[0].Path)
	assert.Equal(t, "sha1", manifest.Entries[0].SHA256)
}

func TestBuildFailsWhenCommitMissing(t *testing.T) {
	commits := &fakeCommitStore{commits: map[uuid.UUID]*commit.Commit{}, entries: map[uuid.UUID][]*commit.Entry{}}
	assembler := New(commits, &fakeObjectRegistry{objects: map[string]*object.Object{}}, &fakeBlobFetcher{bodies: map[string][]byte{}})

	_, err := assembler.BufferedBuild(context.Background(), uuid.New(), "main", uuid.New())
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.NotFound, ke.Kind)
}

func TestBuildFailsWhenEntryReferencesMissingObject(t *testing.T) {
	commitID := uuid.New()
	commits := &fakeCommitStore{
		commits: map[uuid.UUID]*commit.Commit{commitID: {ID: commitID}},
		entries: map[uuid.UUID][]*commit.Entry{commitID: {{CommitID: commitID, Path: "a.txt", ObjectSHA256: "missing"}}},
	}
	assembler := New(commits, &fakeObjectRegistry{objects: map[string]*object.Object{}}, &fakeBlobFetcher{bodies: map[string][]byte{}})

	_, err := assembler.BufferedBuild(context.Background(), uuid.New(), "main", commitID)
	require.Error(t, err)

	var ke *errkind.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, errkind.Corrupt, ke.Kind)
}
