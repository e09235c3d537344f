// Package repo models the Repository and Ref entities (§3) — the tenant-
// scoped container for commits and the named pointers into its commit DAG.
// Shaped after the teacher's domain/onboarding/ledger package: an entity
// struct, a *PostgreSQLModel row-shape with ToEntity/FromEntity, and a narrow
// Repository port.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FeatureFlags toggles per-repo behavior referenced elsewhere in the spec:
// lenient metadata projection (§4.5) and branch protection (§4.4).
type FeatureFlags struct {
	LenientMetadata   bool `json:"lenientMetadata"`
	RequireLinearRef  bool `json:"requireLinearRef"`
	RequireAdminForTag bool `json:"requireAdminForTag"`
}

// Repository is the tenant-scoped container described in §3.
type Repository struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Tenant    string       `json:"tenant"`
	Features  FeatureFlags `json:"features"`
	CreatedAt time.Time    `json:"createdAt"`
	CreatedBy string       `json:"createdBy"`
	DeletedAt *time.Time   `json:"deletedAt,omitempty"`
}

// RefKind distinguishes mutable branches from frozen tags (§3).
type RefKind string

const (
	RefBranch RefKind = "branch"
	RefTag    RefKind = "tag"
)

// Ref is a named, mutable pointer to a commit id, unique per (repo, name).
type Ref struct {
	RepoID   uuid.UUID
	Name     string
	Kind     RefKind
	CommitID uuid.UUID
}

// CreateInput encapsulates repo creation parameters, validated at the
// services layer the way the teacher validates CreateLedgerInput.
type CreateInput struct {
	Name      string       `json:"name" validate:"required,max=128"`
	Tenant    string       `json:"tenant" validate:"required"`
	Features  FeatureFlags `json:"features"`
	CreatedBy string       `json:"createdBy" validate:"required"`
}

// Store is the persistence port for repositories and refs (C2 slice).
//
//go:generate mockgen --destination=../../../internal/gen/mock/repo/repo_mock.go --package=mock . Store
type Store interface {
	CreateRepository(ctx context.Context, r *Repository) (*Repository, error)
	FindRepository(ctx context.Context, tenant, name string) (*Repository, error)
	FindRepositoryByID(ctx context.Context, id uuid.UUID) (*Repository, error)
	SoftDeleteRepository(ctx context.Context, id uuid.UUID) error

	// UpsertRef creates a ref if absent; CreateRef fails if the name exists.
	CreateRef(ctx context.Context, ref *Ref) error
	FindRef(ctx context.Context, repoID uuid.UUID, name string) (*Ref, error)
	ListRefs(ctx context.Context, repoID uuid.UUID) ([]*Ref, error)

	// CASRef advances ref.commit_id from expectedParent to newCommit only if
	// the stored value still equals expectedParent — the linearizable ref
	// advance required by §4.2 and §5. A zero expectedParent means "ref does
	// not exist yet, create it". Returns the current tip and whether the CAS
	// succeeded.
	CASRef(ctx context.Context, repoID uuid.UUID, name string, kind RefKind, expectedParent, newCommit uuid.UUID) (currentTip uuid.UUID, ok bool, err error)
}

// IsEmpty reports whether the UUID is the zero value, used to detect "ref
// does not exist yet" / "no parent" throughout the commit engine.
func IsEmpty(id uuid.UUID) bool {
	return id == uuid.Nil
}
