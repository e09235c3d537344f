// Package reconciler implements C10: a background sweep that repairs drift
// between authoritative state (relational store + blobs) and derived state
// (external search index, orphaned objects, orphaned staging keys), per
// §4.10. Modeled on the teacher's reconciliation-job shape (periodic sweep,
// bounded batch, resumable checkpoint) but rebuilt against BlackLake's own
// ports rather than carried over verbatim.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IndexDrift is one (repo, commit, path) whose index projection or external
// document is missing or stale relative to the committed tree.
type IndexDrift struct {
	RepoID   uuid.UUID
	CommitID uuid.UUID
	Path     string
	Reason   string // "missing_projection" | "missing_external_doc" | "stale_external_doc"
}

// OrphanObject is an Object row with zero referring Entry rows, older than
// the orphan grace period, and not protected by a hold — eligible for blob
// deletion per §4.2 "Reconciler reaps".
type OrphanObject struct {
	SHA256    string
	CreatedAt time.Time
}

// OrphanStagingKey is a presigned-upload staging key whose finalize never
// completed, older than the 24h grace period named in §4.2.
type OrphanStagingKey struct {
	Key       string
	CreatedAt time.Time
}

// Checkpoint lets a sweep resume after a partial run instead of rescanning
// from the beginning (§6 reindex op: "resumable checkpoint").
type Checkpoint struct {
	RepoID       uuid.UUID
	LastCommitID uuid.UUID
	UpdatedAt    time.Time
}

// Scanner is the read-side port: finding drift without repairing it, so the
// repair step can be retried, dry-run, or rate-limited independently of
// detection.
//
//go:generate mockgen --destination=../../../internal/gen/mock/reconciler/scanner_mock.go --package=mock . Scanner
type Scanner interface {
	// FindIndexDrift walks commits for repoID newer than the checkpoint, up
	// to limit, verifying that each Entry has a metaindex row and (if the
	// repo uses an external backend) a current external document.
	FindIndexDrift(ctx context.Context, repoID uuid.UUID, since Checkpoint, limit int) ([]IndexDrift, Checkpoint, error)
	// FindOrphanObjects returns Object rows older than olderThan with no
	// referring Entry, excluding anything under an active legal hold.
	FindOrphanObjects(ctx context.Context, olderThan time.Time, limit int) ([]OrphanObject, error)
	// FindOrphanStagingKeys returns staging keys whose presigned upload was
	// never finalized, older than olderThan.
	FindOrphanStagingKeys(ctx context.Context, olderThan time.Time, limit int) ([]OrphanStagingKey, error)
}

// Repairer is the write-side port: applying fixes for drift the Scanner
// found.
//
//go:generate mockgen --destination=../../../internal/gen/mock/reconciler/repairer_mock.go --package=mock . Repairer
type Repairer interface {
	// ReprojectEntry recomputes and persists the metaindex row for one
	// commit+path, as if commit finalize had run the projection step again.
	ReprojectEntry(ctx context.Context, repoID, commitID uuid.UUID, path string) error
	// ReindexExternal pushes a fresh document for one commit+path into the
	// external search backend.
	ReindexExternal(ctx context.Context, repoID, commitID uuid.UUID, path string) error
	// ScheduleObjectDeletion enqueues (rather than performs inline) the blob
	// delete for an orphaned object, so it goes through the same job
	// accounting as any other async work.
	ScheduleObjectDeletion(ctx context.Context, sha256 string) error
	// ReapStagingKey removes an abandoned staging upload's blob.
	ReapStagingKey(ctx context.Context, key string) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoint(ctx context.Context, repoID uuid.UUID) (Checkpoint, error)
}

// Sweep bounds one reconciliation pass so callers (the job runner, the
// reindex CLI op) can cap work per invocation.
type Sweep struct {
	IndexDriftBatch  int
	OrphanObjectAge  time.Duration
	OrphanStagingAge time.Duration
	OrphanBatch      int
}

// DefaultSweep matches §4.10's 24h staging grace period and sets the
// orphan-object age T to 7 days; both are plain Sweep fields a caller can
// override.
func DefaultSweep() Sweep {
	return Sweep{
		IndexDriftBatch:  500,
		OrphanObjectAge:  7 * 24 * time.Hour,
		OrphanStagingAge: 24 * time.Hour,
		OrphanBatch:      500,
	}
}

// Reconciler runs one Scanner/Repairer pair through a bounded sweep.
type Reconciler struct {
	scanner Scanner
	repair  Repairer
	sweep   Sweep
	now     func() time.Time
}

func New(scanner Scanner, repair Repairer, sweep Sweep, now func() time.Time) *Reconciler {
	return &Reconciler{scanner: scanner, repair: repair, sweep: sweep, now: now}
}

// Report summarizes one RunIndexDrift pass.
type Report struct {
	Scanned    int
	Repaired   int
	Failed     int
	Checkpoint Checkpoint
}

// RunIndexDrift implements §4.10(a): walk recent commits, verify projection
// rows and external documents exist, repair what's missing.
func (r *Reconciler) RunIndexDrift(ctx context.Context, repoID uuid.UUID) (Report, error) {
	cp, err := r.repair.LoadCheckpoint(ctx, repoID)
	if err != nil {
		return Report{}, err
	}

	drift, next, err := r.scanner.FindIndexDrift(ctx, repoID, cp, r.sweep.IndexDriftBatch)
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(drift)}

	for _, d := range drift {
		var repairErr error

		switch d.Reason {
		case "missing_projection":
			repairErr = r.repair.ReprojectEntry(ctx, d.RepoID, d.CommitID, d.Path)
		default:
			repairErr = r.repair.ReindexExternal(ctx, d.RepoID, d.CommitID, d.Path)
		}

		if repairErr != nil {
			report.Failed++

			continue
		}

		report.Repaired++
	}

	if err := r.repair.SaveCheckpoint(ctx, next); err != nil {
		return report, err
	}

	report.Checkpoint = next

	return report, nil
}

// RunOrphanSweep implements §4.10(b) and (c): schedule deletion for
// unreferenced objects past their grace period, and reap abandoned staging
// keys past 24h.
func (r *Reconciler) RunOrphanSweep(ctx context.Context) (Report, error) {
	now := r.now()

	objects, err := r.scanner.FindOrphanObjects(ctx, now.Add(-r.sweep.OrphanObjectAge), r.sweep.OrphanBatch)
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(objects)}

	for _, o := range objects {
		if err := r.repair.ScheduleObjectDeletion(ctx, o.SHA256); err != nil {
			report.Failed++

			continue
		}

		report.Repaired++
	}

	keys, err := r.scanner.FindOrphanStagingKeys(ctx, now.Add(-r.sweep.OrphanStagingAge), r.sweep.OrphanBatch)
	if err != nil {
		return report, err
	}

	report.Scanned += len(keys)

	for _, k := range keys {
		if err := r.repair.ReapStagingKey(ctx, k.Key); err != nil {
			report.Failed++

			continue
		}

		report.Repaired++
	}

	return report, nil
}
