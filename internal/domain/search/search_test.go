package search

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name      string
	upserts   []Document
	deletes   int
	flushed   bool
	queryHits []Hit
}

func (f *fakeBackend) Upsert(ctx context.Context, repoID uuid.UUID, doc Document) error {
	f.upserts = append(f.upserts, doc)
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, repoID uuid.UUID, commitID uuid.UUID, path string) error {
	f.deletes++
	return nil
}

func (f *fakeBackend) Query(ctx context.Context, repoID uuid.UUID, q Query) (Result, error) {
	return Result{Hits: f.queryHits}, nil
}

func (f *fakeBackend) Flush(ctx context.Context, repoID uuid.UUID) error {
	f.flushed = true
	return nil
}

func (f *fakeBackend) Freshness(ctx context.Context, repoID uuid.UUID) (time.Time, error) {
	return time.Time{}, nil
}

func TestFacadeQueryUsesRelationalByDefault(t *testing.T) {
	rel := &fakeBackend{name: "relational", queryHits: []Hit{{Path: "a.txt"}}}
	ext := &fakeBackend{name: "external", queryHits: []Hit{{Path: "b.txt"}}}

	f := NewFacade(rel, ext, nil)

	res, err := f.Query(context.Background(), uuid.New(), Query{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "a.txt", res.Hits[0].Path)
}

func TestFacadeQueryPrefersExternalWhenSelected(t *testing.T) {
	rel := &fakeBackend{queryHits: []Hit{{Path: "a.txt"}}}
	ext := &fakeBackend{queryHits: []Hit{{Path: "b.txt"}}}

	f := NewFacade(rel, ext, func(ctx context.Context, repoID uuid.UUID) bool { return true })

	res, err := f.Query(context.Background(), uuid.New(), Query{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "b.txt", res.Hits[0].Path)
}

func TestFacadeIndexWritesBothBackends(t *testing.T) {
	rel := &fakeBackend{}
	ext := &fakeBackend{}

	f := NewFacade(rel, ext, nil)

	doc := Document{Path: "a.txt"}
	require.NoError(t, f.Index(context.Background(), uuid.New(), doc))

	assert.Len(t, rel.upserts, 1)
	assert.Len(t, ext.upserts, 1)
}

func TestFacadeIndexSkipsNilExternal(t *testing.T) {
	rel := &fakeBackend{}

	f := NewFacade(rel, nil, nil)

	require.NoError(t, f.Index(context.Background(), uuid.New(), Document{Path: "a.txt"}))
	assert.Len(t, rel.upserts, 1)
}

func TestFacadeRemoveFansOutToBothBackends(t *testing.T) {
	rel := &fakeBackend{}
	ext := &fakeBackend{}

	f := NewFacade(rel, ext, nil)

	require.NoError(t, f.Remove(context.Background(), uuid.New(), uuid.New(), "a.txt"))
	assert.Equal(t, 1, rel.deletes)
	assert.Equal(t, 1, ext.deletes)
}
