// Package commit models the immutable Commit and Entry entities (§3) and the
// persistence port they need (C2 slice). The orchestration algorithm in
// §4.4 (resolve tip, load tree, apply ops, project index, CAS the ref,
// enqueue jobs) lives one layer up in internal/services, since it reaches
// across governance, metadata projection, audit and the job runner; this
// package only owns the data shapes and the store contract, the same split
// the teacher keeps between internal/domain/* (shapes + repository
// interface) and internal/services/command (orchestration).
package commit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Op is the change-set operation enum from the wire format in §6.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpMkdir  Op = "mkdir"
)

// Classification is the governance level on EntryMetaIndex / Entry.meta
// (§3).
type Classification string

const (
	ClassPublic     Classification = "public"
	ClassInternal   Classification = "internal"
	ClassRestricted Classification = "restricted"
	ClassSecret     Classification = "secret"
)

var classificationRank = map[Classification]int{
	ClassPublic:     0,
	ClassInternal:   1,
	ClassRestricted: 2,
	ClassSecret:     3,
}

// Demotes reports whether moving from `from` to `to` lowers classification.
func Demotes(from, to Classification) bool {
	return classificationRank[to] < classificationRank[from]
}

// Meta is the structured, nested metadata attached to an Entry. It is
// opaque at rest; the Metadata Projector (C5) derives the canonical flat
// row from it. Keys mirror the canonical projection in §3 so the common
// case needs no translation, but Meta may carry arbitrary extra keys,
// handled per the repo's strict/lenient feature flag.
type Meta map[string]any

// ChangeOp is one entry in a commit's change set, the wire shape from §6.
type ChangeOp struct {
	Op            Op
	Path          string
	ObjectSHA256  string
	Meta          Meta
	MetaIsPartial bool // true => JSON-merge-patch semantics (§SPEC_FULL C)
}

// ChangeSet is the ordered list of operations applied by one commit.
type ChangeSet []ChangeOp

// Stats summarizes a commit's effect on the tree, stored for quick display
// without re-diffing trees.
type Stats struct {
	FilesAdded   int
	FilesUpdated int
	FilesDeleted int
	BytesAdded   int64
	BytesRemoved int64
}

// Commit is the immutable DAG node described in §3. ParentID is the zero
// UUID for a repo's first commit.
type Commit struct {
	ID        uuid.UUID
	RepoID    uuid.UUID
	ParentID  uuid.UUID
	Author    string
	Message   string
	CreatedAt time.Time
	Stats     Stats
}

// Entry is a path within a commit's fully-enumerated tree (§3: "no Merkle
// tree; small repos are expected").
type Entry struct {
	CommitID     uuid.UUID
	Path         string
	ObjectSHA256 string
	Meta         Meta
	IsDir        bool
}

// Store is the C2 persistence port for commits and entries.
//
//go:generate mockgen --destination=../../../internal/gen/mock/commit/commit_mock.go --package=mock . Store
type Store interface {
	InsertCommit(ctx context.Context, c *Commit) error
	FindCommit(ctx context.Context, id uuid.UUID) (*Commit, error)
	// ListEntries returns every Entry row belonging to commitID — the fully
	// enumerated parent tree §4.4 step 2 loads.
	ListEntries(ctx context.Context, commitID uuid.UUID) ([]*Entry, error)
	FindEntry(ctx context.Context, commitID uuid.UUID, path string) (*Entry, error)
	// InsertEntries bulk-inserts the surviving + new Entry rows for a new
	// commit, within the caller's transaction.
	InsertEntries(ctx context.Context, entries []*Entry) error
}
