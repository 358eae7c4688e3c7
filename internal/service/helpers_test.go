package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/haatos/merge-train/internal/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestEntrantStore(t *testing.T) *store.EntrantSQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store.RunMigrations(db, store.DialectSQLite)
	return store.NewEntrantSQLiteStore(db, db)
}

func enqueueEntrant(t *testing.T, s store.EntrantStore, mergeRequestID int64, branch string) *store.Entrant {
	t.Helper()
	e, err := s.CreateEntrant(context.Background(), mergeRequestID, 1, branch, 1)
	require.NoError(t, err)
	return e
}

func freshenEntrant(t *testing.T, s store.EntrantStore, e *store.Entrant, pipelineID int64, ref string) {
	t.Helper()
	require.NoError(t, s.UpdateEntrantPipeline(
		context.Background(), e.EntrantID, pipelineID, &ref,
		[]store.EntrantStatus{store.StatusIdle, store.StatusStale}, nil,
	))
}

func mergeTestEntrant(t *testing.T, s store.EntrantStore, e *store.Entrant, sha string) {
	t.Helper()
	ctx := context.Background()
	freshenEntrant(t, s, e, e.EntrantID*100, "refs/merge-trains/test")
	require.NoError(t, s.UpdateEntrantMergeStarted(ctx, e.EntrantID, time.Now()))
	require.NoError(t, s.UpdateEntrantMerged(ctx, e.EntrantID, sha, time.Now(), time.Second))
}

func readTestEntrant(t *testing.T, s store.EntrantStore, id int64) *store.Entrant {
	t.Helper()
	e, err := s.ReadEntrantByID(context.Background(), id)
	require.NoError(t, err)
	return e
}

// recordingDispatcher keeps dispatched tasks instead of running them.
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []Task
	busy  map[int64]bool
	err   error
}

func (d *recordingDispatcher) Dispatch(t Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *recordingDispatcher) IsBusy(kind TaskKind, entrantID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[entrantID]
}

func (d *recordingDispatcher) entrantIDs(kind TaskKind) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := []int64{}
	for _, t := range d.tasks {
		if t.Kind == kind {
			ids = append(ids, t.EntrantID)
		}
	}
	return ids
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = nil
}

type MockMergeExecutor struct {
	mock.Mock
}

func (m *MockMergeExecutor) ComposeRef(
	ctx context.Context,
	e *store.Entrant,
	base ComposeBase,
	ref string,
) (string, error) {
	args := m.Called(ctx, e, base, ref)
	return args.String(0), args.Error(1)
}

func (m *MockMergeExecutor) CreateMergeCommit(ctx context.Context, e *store.Entrant) (string, error) {
	args := m.Called(ctx, e)
	return args.String(0), args.Error(1)
}

func (m *MockMergeExecutor) AdvanceBranch(ctx context.Context, e *store.Entrant, sha string) error {
	args := m.Called(ctx, e, sha)
	return args.Error(0)
}

func (m *MockMergeExecutor) IsMerged(ctx context.Context, e *store.Entrant, sha string) (bool, error) {
	args := m.Called(ctx, e, sha)
	return args.Bool(0), args.Error(1)
}

func (m *MockMergeExecutor) DeleteRef(ctx context.Context, projectID int64, ref string) error {
	args := m.Called(ctx, projectID, ref)
	return args.Error(0)
}

type MockPipelineClient struct {
	mock.Mock
}

func (m *MockPipelineClient) CreatePipeline(
	ctx context.Context,
	projectID int64,
	ref, sha string,
) (int64, error) {
	args := m.Called(ctx, projectID, ref, sha)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPipelineClient) PipelineStatus(
	ctx context.Context,
	projectID, pipelineID int64,
) (PipelineStatus, error) {
	args := m.Called(ctx, projectID, pipelineID)
	return args.Get(0).(PipelineStatus), args.Error(1)
}

func (m *MockPipelineClient) CancelPipeline(ctx context.Context, projectID, pipelineID int64) error {
	args := m.Called(ctx, projectID, pipelineID)
	return args.Error(0)
}
