// Package search implements C6: a backend-agnostic query contract over the
// canonical metadata projection, with two interchangeable implementations —
// relational (Postgres JSONB/GIN) and an external document index (Mongo,
// standing in for a full-text/facet backend per §6's "external search
// contract").
package search

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FilterValue is either a scalar, a {gte,lte} range, or a set (tag-contains
// / "in").
type FilterValue struct {
	Eq    any
	Range *Range
	Set   []any
}

type Range struct {
	Gte any
	Lte any
}

// Query is the logical query shape from §4.6.
type Query struct {
	Q       string
	Filters map[string]FilterValue
	Facets  []string
	Sort    string // field, optionally suffixed " desc"
	Page    int
	Size    int
	// Cursor is part of the query shape but neither backend reads it: the
	// relational and the external backend both page with Page/Size (Page is
	// zero-based), and neither sets Result.NextCursor.
	Cursor string
}

// Hit identifies one matching document.
type Hit struct {
	CommitID uuid.UUID
	Path     string
	Score    float64
	Fields   map[string]any
}

// FacetCount is one bucket of a facet aggregation.
type FacetCount struct {
	Value string
	Count int64
}

// Result is the façade's response shape, uniform across backends.
type Result struct {
	Hits       []Hit
	Total      int64
	Facets     map[string][]FacetCount
	NextCursor string
	// Freshness is the watermark named in §5: "the search façade exposes
	// freshness watermarks per repo" for external-index backends that may
	// lag.
	Freshness time.Time
}

// Backend is implemented once per storage technology; the Façade picks one
// per repo based on configuration.
//
//go:generate mockgen --destination=../../../internal/gen/mock/search/backend_mock.go --package=mock . Backend
type Backend interface {
	Upsert(ctx context.Context, repoID uuid.UUID, doc Document) error
	Delete(ctx context.Context, repoID uuid.UUID, commitID uuid.UUID, path string) error
	Query(ctx context.Context, repoID uuid.UUID, q Query) (Result, error)
	// Flush forces any buffered writes to become visible to Query — the
	// "commit or equivalent flush signal" from §6.
	Flush(ctx context.Context, repoID uuid.UUID) error
	// Freshness reports how far Query's view of repoID may lag behind the
	// relational store.
	Freshness(ctx context.Context, repoID uuid.UUID) (time.Time, error)
}

// Document is what gets indexed, keyed by (commit_id, path) per §4.6 —
// mirrors the canonical projection plus whatever free-text field the
// backend supports.
type Document struct {
	CommitID       uuid.UUID
	Path           string
	FileName       string
	FileType       string
	FileSize       int64
	OrgLab         string
	Description    string
	DataSource     string
	Version        string
	Notes          string
	Tags           []string
	License        string
	Classification string
	CreatedAt      time.Time
	FreeText       string
}

// Facade picks the configured Backend per repo and exposes the contract
// guarantee from §4.6: "for documents reachable by both backends, a pure
// filter/equality query returns the same id set". Relational is always
// available as a fallback; External is optional.
type Facade struct {
	Relational Backend
	External   Backend
	// UseExternal decides per-repo whether queries should prefer External.
	UseExternal func(ctx context.Context, repoID uuid.UUID) bool
}

func NewFacade(relational, external Backend, useExternal func(ctx context.Context, repoID uuid.UUID) bool) *Facade {
	return &Facade{Relational: relational, External: external, UseExternal: useExternal}
}

func (f *Facade) backendFor(ctx context.Context, repoID uuid.UUID) Backend {
	if f.External != nil && f.UseExternal != nil && f.UseExternal(ctx, repoID) {
		return f.External
	}

	return f.Relational
}

func (f *Facade) Query(ctx context.Context, repoID uuid.UUID, q Query) (Result, error) {
	return f.backendFor(ctx, repoID).Query(ctx, repoID, q)
}

// Index writes to both backends so the relational store stays queryable
// even when the external index is enabled (§4.6 freshness tolerance is
// specifically between the two, so both must be kept current).
func (f *Facade) Index(ctx context.Context, repoID uuid.UUID, doc Document) error {
	if err := f.Relational.Upsert(ctx, repoID, doc); err != nil {
		return err
	}

	if f.External != nil {
		return f.External.Upsert(ctx, repoID, doc)
	}

	return nil
}

func (f *Facade) Remove(ctx context.Context, repoID uuid.UUID, commitID uuid.UUID, path string) error {
	if err := f.Relational.Delete(ctx, repoID, commitID, path); err != nil {
		return err
	}

	if f.External != nil {
		return f.External.Delete(ctx, repoID, commitID, path)
	}

	return nil
}
