package jobrunner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacklake-io/blacklake/internal/domain/job"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/log"
	"github.com/blacklake-io/blacklake/internal/platform/retry"
)

type fakeJobStore struct {
	leaseQueue map[job.Type][]*job.Job
	completed  []uuid.UUID
	failed     []failCall
}

type failCall struct {
	id            uuid.UUID
	msg           string
	nextVisibleAt *time.Time
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{leaseQueue: map[job.Type][]*job.Job{}}
}

func (f *fakeJobStore) Enqueue(ctx context.Context, j *job.Job) error {
	f.leaseQueue[j.Type] = append(f.leaseQueue[j.Type], j)
	return nil
}

func (f *fakeJobStore) Lease(ctx context.Context, t job.Type, n int, visibilityTimeout time.Duration) ([]*job.Job, error) {
	jobs := f.leaseQueue[t]
	f.leaseQueue[t] = nil

	return jobs, nil
}

func (f *fakeJobStore) Complete(ctx context.Context, id uuid.UUID) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, nextVisibleAt *time.Time) error {
	f.failed = append(f.failed, failCall{id: id, msg: errMsg, nextVisibleAt: nextVisibleAt})
	return nil
}

func (f *fakeJobStore) Cancel(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeJobStore) FindByID(ctx context.Context, id uuid.UUID) (*job.Job, error) { return nil, nil }

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any)     {}
func (noopLogger) Info(msg string, fields ...any)      {}
func (noopLogger) Warn(msg string, fields ...any)      {}
func (noopLogger) Error(msg string, fields ...any)     {}
func (noopLogger) WithFields(fields ...any) log.Logger { return noopLogger{} }
func (noopLogger) Sync() error                         { return nil }

func fastBackoff() retry.Config {
	return retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, JitterFactor: 0}
}

func TestRunOnceCompletesSuccessfulJob(t *testing.T) {
	store := newFakeJobStore()
	j := &job.Job{ID: uuid.New(), Type: job.TypeReindex, MaxAttempts: 1}
	store.leaseQueue[job.TypeReindex] = []*job.Job{j}

	runner := New(store, Config{Backoff: fastBackoff()}, noopLogger{})
	runner.Register(job.TypeReindex, func(ctx context.Context, j *job.Job) error { return nil })

	n, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, store.completed, j.ID)
	assert.Empty(t, store.failed)
}

func TestRunOnceRetriesRetryableFailureWithBackoff(t *testing.T) {
	store := newFakeJobStore()
	j := &job.Job{ID: uuid.New(), Type: job.TypeAntivirusScan, Attempts: 0, MaxAttempts: 5}
	store.leaseQueue[job.TypeAntivirusScan] = []*job.Job{j}

	runner := New(store, Config{Backoff: fastBackoff()}, noopLogger{})
	runner.Register(job.TypeAntivirusScan, func(ctx context.Context, j *job.Job) error {
		return errkind.New(errkind.BackendUnavailable, "scanner down")
	})

	_, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, store.failed, 1)
	assert.NotNil(t, store.failed[0].nextVisibleAt)
	assert.Empty(t, store.completed)
}

func TestRunOnceTerminalFailureWhenAttemptsExhausted(t *testing.T) {
	store := newFakeJobStore()
	j := &job.Job{ID: uuid.New(), Type: job.TypeAntivirusScan, Attempts: 4, MaxAttempts: 5}
	store.leaseQueue[job.TypeAntivirusScan] = []*job.Job{j}

	runner := New(store, Config{Backoff: fastBackoff()}, noopLogger{})
	runner.Register(job.TypeAntivirusScan, func(ctx context.Context, j *job.Job) error {
		return errkind.New(errkind.BackendUnavailable, "scanner down")
	})

	_, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, store.failed, 1)
	assert.Nil(t, store.failed[0].nextVisibleAt)
}

func TestRunOnceNonRetryableFailsImmediately(t *testing.T) {
	store := newFakeJobStore()
	j := &job.Job{ID: uuid.New(), Type: job.TypeReindex, MaxAttempts: 5}
	store.leaseQueue[job.TypeReindex] = []*job.Job{j}

	runner := New(store, Config{Backoff: fastBackoff()}, noopLogger{})
	runner.Register(job.TypeReindex, func(ctx context.Context, j *job.Job) error {
		return errkind.New(errkind.InvalidInput, "bad payload")
	})

	_, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, store.failed, 1)
	assert.Nil(t, store.failed[0].nextVisibleAt)
}
