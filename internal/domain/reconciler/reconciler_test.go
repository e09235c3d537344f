package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	drift         []IndexDrift
	nextCp        Checkpoint
	orphanObjects []OrphanObject
	orphanKeys    []OrphanStagingKey
}

func (f *fakeScanner) FindIndexDrift(ctx context.Context, repoID uuid.UUID, since Checkpoint, limit int) ([]IndexDrift, Checkpoint, error) {
	return f.drift, f.nextCp, nil
}

func (f *fakeScanner) FindOrphanObjects(ctx context.Context, olderThan time.Time, limit int) ([]OrphanObject, error) {
	return f.orphanObjects, nil
}

func (f *fakeScanner) FindOrphanStagingKeys(ctx context.Context, olderThan time.Time, limit int) ([]OrphanStagingKey, error) {
	return f.orphanKeys, nil
}

type fakeRepairer struct {
	reprojected     []string
	reindexed       []string
	scheduledDelete []string
	reaped          []string
	checkpoint      Checkpoint
	failReproject   map[string]bool
}

func newFakeRepairer() *fakeRepairer {
	return &fakeRepairer{failReproject: map[string]bool{}}
}

func (f *fakeRepairer) ReprojectEntry(ctx context.Context, repoID, commitID uuid.UUID, path string) error {
	if f.failReproject[path] {
		return errkind.New(errkind.BackendUnavailable, "boom")
	}

	f.reprojected = append(f.reprojected, path)

	return nil
}

func (f *fakeRepairer) ReindexExternal(ctx context.Context, repoID, commitID uuid.UUID, path string) error {
	f.reindexed = append(f.reindexed, path)
	return nil
}

func (f *fakeRepairer) ScheduleObjectDeletion(ctx context.Context, sha256 string) error {
	f.scheduledDelete = append(f.scheduledDelete, sha256)
	return nil
}

func (f *fakeRepairer) ReapStagingKey(ctx context.Context, key string) error {
	f.reaped = append(f.reaped, key)
	return nil
}

func (f *fakeRepairer) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	f.checkpoint = cp
	return nil
}

func (f *fakeRepairer) LoadCheckpoint(ctx context.Context, repoID uuid.UUID) (Checkpoint, error) {
	return Checkpoint{RepoID: repoID}, nil
}

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestRunIndexDriftRepairsByReason(t *testing.T) {
	repoID := uuid.New()
	scanner := &fakeScanner{
		drift: []IndexDrift{
			{RepoID: repoID, Path: "a.txt", Reason: "missing_projection"},
			{RepoID: repoID, Path: "b.txt", Reason: "missing_external_doc"},
		},
		nextCp: Checkpoint{RepoID: repoID, LastCommitID: uuid.New()},
	}
	repair := newFakeRepairer()

	rec := New(scanner, repair, DefaultSweep(), fixedNow)

	report, err := rec.RunIndexDrift(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, []string{"a.txt"}, repair.reprojected)
	assert.Equal(t, []string{"b.txt"}, repair.reindexed)
	assert.Equal(t, scanner.nextCp, repair.checkpoint)
}

func TestRunIndexDriftCountsFailuresWithoutAborting(t *testing.T) {
	repoID := uuid.New()
	scanner := &fakeScanner{
		drift: []IndexDrift{
			{RepoID: repoID, Path: "a.txt", Reason: "missing_projection"},
			{RepoID: repoID, Path: "b.txt", Reason: "missing_projection"},
		},
	}
	repair := newFakeRepairer()
	repair.failReproject["a.txt"] = true

	rec := New(scanner, repair, DefaultSweep(), fixedNow)

	report, err := rec.RunIndexDrift(context.Background(), repoID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Repaired)
}

func TestRunOrphanSweepSchedulesDeletionsAndReapsStagingKeys(t *testing.T) {
	scanner := &fakeScanner{
		orphanObjects: []OrphanObject{{SHA256: "a"}, {SHA256: "b"}},
		orphanKeys:    []OrphanStagingKey{{Key: "staging/1"}},
	}
	repair := newFakeRepairer()

	rec := New(scanner, repair, DefaultSweep(), fixedNow)

	report, err := rec.RunOrphanSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 3, report.Repaired)
	assert.ElementsMatch(t, []string{"a", "b"}, repair.scheduledDelete)
	assert.Equal(t, []string{"staging/1"}, repair.reaped)
}
