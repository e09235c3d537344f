// Package commitengine implements C4: the single transactional algorithm
// that turns a change set into a new Commit, advances a ref by
// compare-and-set, and fans out every side effect a commit triggers
// (metadata projection, quota accounting, audit, post-commit jobs). This is
// the orchestration layer the teacher splits out of its domain packages
// (internal/services/command in the onboarding/ledger components) into one
// place that calls across several narrow ports rather than growing any one
// domain package into a god object.
package commitengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blacklake-io/blacklake/internal/domain/audit"
	"github.com/blacklake-io/blacklake/internal/domain/commit"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/domain/metaindex"
	"github.com/blacklake-io/blacklake/internal/domain/repo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blacklake-io/blacklake/internal/platform/clock"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/log"
	"github.com/blacklake-io/blacklake/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("commitengine")

// Input is the wire-level commit request (§6 "commit" operation).
type Input struct {
	RepoID         uuid.UUID
	RefName        string
	RefKind        repo.RefKind
	ExpectedParent uuid.UUID // zero means "no parent expected" (first commit or new ref)
	Author         string
	AuthorIsAdmin  bool // gates classification demotion, SPEC_FULL §C
	// AuthorAttrs carries the rest of the subject's JWT claims (authn.Claims.Attributes)
	// so ABAC conditions can key off more than role — department, clearance, etc. May be nil.
	AuthorAttrs governance.SubjectAttributes
	Message     string
	Changes     commit.ChangeSet
}

// Result is returned to the caller on a successful commit.
type Result struct {
	Commit *commit.Commit
	Ref    uuid.UUID
}

// LockFunc is the distributed-lock dependency the quota reservation step
// wraps itself in, satisfied by a closure over
// internal/adapters/redislock.Locker.Lock. It is a plain function type
// rather than an interface so the engine can be constructed without Redis
// in tests by passing nil (no locking, single-process semantics).
type LockFunc func(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)

// Engine implements §4.4's 8-step commit algorithm.
type Engine struct {
	repos      repo.Store
	commits    commit.Store
	metaIndex  metaindex.Store
	policies   *governance.Evaluator
	quotas     *governance.QuotaGuard
	retention  *governance.RetentionGate
	audit      audit.Log
	jobs       job.Store
	producer   job.Producer
	clock      clock.Clock
	log        log.Logger
	withTx     func(ctx context.Context, fn func(ctx context.Context) error) error
	lock       LockFunc
}

// Dependencies groups Engine's collaborators so New's signature stays
// readable as the engine's fan-out grows.
type Dependencies struct {
	Repos     repo.Store
	Commits   commit.Store
	MetaIndex metaindex.Store
	Policies  *governance.Evaluator
	Quotas    *governance.QuotaGuard
	Retention *governance.RetentionGate
	Audit     audit.Log
	Jobs      job.Store
	Producer  job.Producer
	Clock     clock.Clock
	Log       log.Logger
	// WithTx runs fn inside one serializable transaction, e.g.
	// func(ctx, fn) error { return dbtx.RunInTransaction(ctx, pool, pgx.Serializable, fn) }.
	WithTx func(ctx context.Context, fn func(ctx context.Context) error) error
	// Lock wraps a closure over redislock.Locker.Lock; nil means run
	// unlocked, acceptable for tests and single-process deployments.
	Lock LockFunc
}

func New(d Dependencies) *Engine {
	return &Engine{
		repos:     d.Repos,
		commits:   d.Commits,
		metaIndex: d.MetaIndex,
		policies:  d.Policies,
		quotas:    d.Quotas,
		retention: d.Retention,
		audit:     d.Audit,
		jobs:      d.Jobs,
		producer:  d.Producer,
		clock:     d.Clock,
		log:       d.Log,
		withTx:    d.WithTx,
		lock:      d.Lock,
	}
}

// Commit runs §4.4's algorithm: resolve tip, check expected parent, load
// the parent tree, apply ops with per-path policy/retention checks, insert
// the new Commit and its Entry rows, project metadata, CAS the ref, adjust
// quota counters, append an audit record, and enqueue post-commit jobs —
// all inside one serializable transaction.
func (e *Engine) Commit(ctx context.Context, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "commitengine.Commit", trace.WithAttributes(
		attribute.String("blacklake.repo_id", in.RepoID.String()),
		attribute.String("blacklake.ref", in.RefName),
	))
	defer span.End()

	r, err := e.repos.FindRepositoryByID(ctx, in.RepoID)
	if err != nil {
		telemetry.HandleSpanError(span, "finding repository", err)
		return nil, err
	}

	if r == nil {
		return nil, errkind.New(errkind.NotFound, "repository not found").WithContext("commit", in.RepoID.String(), in.RefName, "", "")
	}

	var result Result

	err = e.withTx(ctx, func(ctx context.Context) error {
		// Step 1: resolve tip.
		ref, err := e.repos.FindRef(ctx, in.RepoID, in.RefName)
		if err != nil {
			return err
		}

		var currentTip uuid.UUID
		if ref != nil {
			currentTip = ref.CommitID
		}

		// Step 2: check expected parent before doing any real work, so a
		// stale client fails fast with ConflictingParent (§7) rather than
		// losing the CAS race after paying for validation.
		if currentTip != in.ExpectedParent {
			return errkind.New(errkind.ConflictingParent, fmt.Sprintf("ref %s is at %s, expected %s", in.RefName, currentTip, in.ExpectedParent)).
				WithContext("commit", in.RepoID.String(), in.RefName, "", "")
		}

		// Step 3: load the parent tree.
		var parentEntries []*commit.Entry
		if !repo.IsEmpty(currentTip) {
			parentEntries, err = e.commits.ListEntries(ctx, currentTip)
			if err != nil {
				return err
			}
		}

		tree := make(map[string]*commit.Entry, len(parentEntries))
		for _, pe := range parentEntries {
			tree[pe.Path] = pe
		}

		newCommitID := uuid.New()
		now := e.clock.Now()

		stats := commit.Stats{}

		// Normalize every path up front into a local copy of the change set:
		// both this loop and Step 7's projection loop below must agree on
		// the same cleaned paths, and in.Changes itself is the caller's
		// slice.
		changes := make(commit.ChangeSet, len(in.Changes))

		for i, op := range in.Changes {
			normalizedPath, err := commit.NormalizePath(op.Path)
			if err != nil {
				return err
			}

			op.Path = normalizedPath
			changes[i] = op
		}

		// Step 4+5: apply ops in order, validating each path.
		for _, op := range changes {
			existing, hadExisting := tree[op.Path]

			action := "commit:" + string(op.Op)
			resource := fmt.Sprintf("repo/%s/%s", in.RepoID, op.Path)

			decision, err := e.policies.Evaluate(ctx, r.Tenant, in.Author, action, resource,
				subjectAttrsFor(in.AuthorAttrs, in.AuthorIsAdmin),
				governance.ResourceAttributes{"path": op.Path},
				map[string]any{"op": string(op.Op)},
			)
			if err != nil {
				return err
			}

			if !decision.Allowed {
				return errkind.New(errkind.PolicyDenied, decision.Reason).
					WithContext("commit", in.RepoID.String(), in.RefName, op.Path, "")
			}

			switch op.Op {
			case commit.OpDelete:
				if !hadExisting {
					return errkind.New(errkind.NotFound, "delete of nonexistent path: "+op.Path).
						WithContext("commit", in.RepoID.String(), in.RefName, op.Path, "")
				}

				entryCommit, err := e.commits.FindCommit(ctx, existing.CommitID)
				if err != nil {
					return err
				}

				if entryCommit == nil {
					return errkind.New(errkind.NotFound, "commit not found for existing entry: "+existing.CommitID.String()).
						WithContext("commit", in.RepoID.String(), in.RefName, op.Path, "")
				}

				if err := e.retention.CheckDeletable(ctx, in.RepoID, currentTip, op.Path, entryCommit.CreatedAt, in.AuthorIsAdmin); err != nil {
					return err
				}

				delete(tree, op.Path)

				stats.FilesDeleted++

				if existing.Meta != nil {
					if sz, ok := existing.Meta["fileSize"]; ok {
						if n, ok := sz.(int64); ok {
							stats.BytesRemoved += n
						}
					}
				}
			case commit.OpMkdir:
				tree[op.Path] = &commit.Entry{CommitID: newCommitID, Path: op.Path, IsDir: true}
			case commit.OpPut:
				meta := op.Meta

				if op.MetaIsPartial && hadExisting {
					meta = metaindex.MergePatch(existing.Meta, op.Meta)
				}

				if hadExisting {
					fromClass := commit.ClassInternal
					if existing.Meta != nil {
						if c, ok := existing.Meta["classification"].(string); ok {
							fromClass = commit.Classification(c)
						}
					}

					toClass := fromClass
					if meta != nil {
						if c, ok := meta["classification"].(string); ok {
							toClass = commit.Classification(c)
						}
					}

					if commit.Demotes(fromClass, toClass) && !in.AuthorIsAdmin {
						return errkind.New(errkind.PolicyDenied, "classification demotion requires admin role: "+op.Path).
							WithContext("commit", in.RepoID.String(), in.RefName, op.Path, "")
					}
				}

				entry := &commit.Entry{
					CommitID:     newCommitID,
					Path:         op.Path,
					ObjectSHA256: op.ObjectSHA256,
					Meta:         meta,
				}

				if hadExisting {
					stats.FilesUpdated++
				} else {
					stats.FilesAdded++
				}

				if meta != nil {
					if sz, ok := meta["fileSize"]; ok {
						if n, ok := toInt64(sz); ok {
							stats.BytesAdded += n
						}
					}
				}

				tree[op.Path] = entry
			default:
				return errkind.New(errkind.InvalidInput, "unknown change op: "+string(op.Op))
			}
		}

		// Step 6: insert the Commit row and the surviving + new Entry rows.
		newCommit := &commit.Commit{
			ID:        newCommitID,
			RepoID:    in.RepoID,
			ParentID:  currentTip,
			Author:    in.Author,
			Message:   in.Message,
			CreatedAt: now,
			Stats:     stats,
		}

		if err := e.commits.InsertCommit(ctx, newCommit); err != nil {
			return err
		}

		entries := make([]*commit.Entry, 0, len(tree))
		for _, en := range tree {
			en.CommitID = newCommitID
			entries = append(entries, en)
		}

		if err := e.commits.InsertEntries(ctx, entries); err != nil {
			return err
		}

		// Step 7: project the canonical metadata index for every entry this
		// commit touches directly (unaffected paths keep their prior
		// projection rows keyed by the commit that actually changed them;
		// §4.5 re-projects only the entries carried by each new commit).
		for _, op := range changes {
			if op.Op == commit.OpDelete {
				if err := e.metaIndex.Delete(ctx, currentTip, op.Path); err != nil {
					return err
				}

				continue
			}

			en := tree[op.Path]
			if en == nil || en.IsDir {
				continue
			}

			row, err := metaindex.Project(newCommitID, en, !r.Features.LenientMetadata)
			if err != nil {
				return err
			}

			if err := e.metaIndex.Upsert(ctx, row); err != nil {
				return err
			}
		}

		// Step 8a: CAS-advance the ref.
		tip, ok, err := e.repos.CASRef(ctx, in.RepoID, in.RefName, in.RefKind, currentTip, newCommitID)
		if err != nil {
			return err
		}

		if !ok {
			return errkind.New(errkind.ConflictingParent, fmt.Sprintf("ref %s advanced concurrently to %s", in.RefName, tip)).
				WithContext("commit", in.RepoID.String(), in.RefName, "", "")
		}

		// Step 8b: update quota counters for this commit's net effect.
		delta := governance.Delta{
			Bytes:   decimal.NewFromInt(stats.BytesAdded - stats.BytesRemoved),
			Files:   int64(stats.FilesAdded - stats.FilesDeleted),
			Commits: 1,
		}

		if err := e.reserveQuota(ctx, in.RepoID, in.Author, delta); err != nil {
			return err
		}

		// Step 8c: append the audit record.
		if err := e.audit.Append(ctx, &audit.Entry{
			ID:        uuid.New(),
			RepoID:    in.RepoID,
			Actor:     in.Author,
			Action:    "commit",
			Resource:  in.RefName,
			Decision:  "allow",
			Reason:    in.Message,
			Context:   map[string]any{"commitId": newCommitID.String(), "filesAdded": stats.FilesAdded, "filesUpdated": stats.FilesUpdated, "filesDeleted": stats.FilesDeleted},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		// Step 8d: enqueue post-commit jobs (reindex always; antivirus scan
		// per new object; rdf materialize when any entry carries RDF-bearing
		// metadata is decided by the job handler, not here).
		if err := e.enqueuePostCommitJobs(ctx, in.RepoID, newCommit, changes); err != nil {
			return err
		}

		result = Result{Commit: newCommit, Ref: newCommitID}

		return nil
	})
	if err != nil {
		telemetry.HandleSpanError(span, "commit transaction failed", err)
		return nil, err
	}

	span.SetAttributes(attribute.String("blacklake.commit_id", result.Commit.ID.String()))

	return &result, nil
}

// reserveQuota wraps governance.QuotaGuard.CheckAndReserve in a distributed
// lock keyed by repo so two concurrent commits against the same repo can't
// both read the same current_bytes before either writes back (SPEC_FULL
// §C: "Quota pre-check AND post-commit reservation release on abort...
// using a Redis-backed distributed lock keyed by repo_id").
func (e *Engine) reserveQuota(ctx context.Context, repoID uuid.UUID, userID string, delta governance.Delta) error {
	if e.lock == nil {
		return e.quotas.CheckAndReserve(ctx, repoID, userID, delta)
	}

	release, err := e.lock(ctx, "quota:repo:"+repoID.String(), 10*time.Second)
	if err != nil {
		return err
	}
	defer release(ctx)

	return e.quotas.CheckAndReserve(ctx, repoID, userID, delta)
}

func marshalPayload(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}

func roleOf(isAdmin bool) string {
	if isAdmin {
		return "admin"
	}

	return "member"
}

// subjectAttrsFor merges the caller's raw JWT attribute bag (authn.Claims.Attributes,
// when the caller came in through a token) with the role derived from AuthorIsAdmin,
// which always wins: AuthorIsAdmin is the one flag every call site (CLI --admin flag or
// token-derived) is required to set explicitly, so it stays authoritative over whatever
// a stale or hand-edited "role" claim says.
func subjectAttrsFor(base governance.SubjectAttributes, isAdmin bool) governance.SubjectAttributes {
	attrs := make(governance.SubjectAttributes, len(base)+1)

	for k, v := range base {
		attrs[k] = v
	}

	attrs["role"] = roleOf(isAdmin)

	return attrs
}

func (e *Engine) enqueuePostCommitJobs(ctx context.Context, repoID uuid.UUID, c *commit.Commit, changes commit.ChangeSet) error {
	reindexPayload, err := marshalPayload(map[string]any{"repoId": repoID.String(), "commitId": c.ID.String()})
	if err != nil {
		return err
	}

	if err := e.enqueue(ctx, job.TypeReindex, repoID.String(), reindexPayload); err != nil {
		return err
	}

	for _, op := range changes {
		if op.Op != commit.OpPut || op.ObjectSHA256 == "" {
			continue
		}

		scanPayload, err := marshalPayload(map[string]any{"sha256": op.ObjectSHA256, "path": op.Path, "commitId": c.ID.String()})
		if err != nil {
			return err
		}

		if err := e.enqueue(ctx, job.TypeAntivirusScan, op.ObjectSHA256, scanPayload); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) enqueue(ctx context.Context, t job.Type, partitionKey string, payload []byte) error {
	j := &job.Job{
		ID:           uuid.New(),
		Type:         t,
		Status:       job.StatusPending,
		MaxAttempts:  job.MaxAttemptsFor(t),
		Payload:      payload,
		PartitionKey: partitionKey,
		CreatedAt:    e.clock.Now(),
		VisibleAt:    e.clock.Now(),
	}

	if err := e.jobs.Enqueue(ctx, j); err != nil {
		return err
	}

	if e.producer != nil {
		if err := e.producer.Notify(ctx, t, partitionKey); err != nil {
			// A missed wake-up only delays pickup until the next poll;
			// the job row itself is already durable.
			e.log.Warn("job producer notify failed", "type", t, "err", err)
		}
	}

	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
