package testutil

import (
	"context"

	"github.com/haatos/merge-train/internal/service"
	"github.com/haatos/merge-train/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockTrainService struct {
	mock.Mock
}

func (m *MockTrainService) Enqueue(
	ctx context.Context,
	mergeRequestID, projectID int64,
	branch string,
	userID int64,
) (*store.Entrant, error) {
	args := m.Called(ctx, mergeRequestID, projectID, branch, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Entrant), args.Error(1)
}

func (m *MockTrainService) GetEntrantByID(ctx context.Context, id int64) (*store.Entrant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Entrant), args.Error(1)
}

func (m *MockTrainService) GetEntrantPosition(
	ctx context.Context,
	e *store.Entrant,
) (*service.EntrantPosition, error) {
	args := m.Called(ctx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.EntrantPosition), args.Error(1)
}

func (m *MockTrainService) Destroy(ctx context.Context, entrantID int64) error {
	args := m.Called(ctx, entrantID)
	return args.Error(0)
}

func (m *MockTrainService) OnPipelineReady(ctx context.Context, entrantID, pipelineID int64) error {
	args := m.Called(ctx, entrantID, pipelineID)
	return args.Error(0)
}

func (m *MockTrainService) TryMerge(ctx context.Context, entrantID int64) (service.MergeOutcome, error) {
	args := m.Called(ctx, entrantID)
	return args.Get(0).(service.MergeOutcome), args.Error(1)
}

func (m *MockTrainService) OnPipelineStatus(
	ctx context.Context,
	pipelineID int64,
	status service.PipelineStatus,
) (service.MergeOutcome, error) {
	args := m.Called(ctx, pipelineID, status)
	return args.Get(0).(service.MergeOutcome), args.Error(1)
}

func (m *MockTrainService) OnTargetBranchAdvanced(
	ctx context.Context,
	projectID int64,
	branch, sha string,
) (int, error) {
	args := m.Called(ctx, projectID, branch, sha)
	return args.Int(0), args.Error(1)
}

func (m *MockTrainService) ListTrainLeads(ctx context.Context, projectID int64) ([]*store.Entrant, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).([]*store.Entrant), args.Error(1)
}

func (m *MockTrainService) ListTrain(
	ctx context.Context,
	projectID int64,
	branch string,
) ([]*store.Entrant, error) {
	args := m.Called(ctx, projectID, branch)
	return args.Get(0).([]*store.Entrant), args.Error(1)
}

func (m *MockTrainService) ListHistory(
	ctx context.Context,
	projectID int64,
	branch string,
	limit int64,
) ([]*store.Entrant, error) {
	args := m.Called(ctx, projectID, branch, limit)
	return args.Get(0).([]*store.Entrant), args.Error(1)
}

func (m *MockTrainService) ShaExistsInHistory(
	ctx context.Context,
	projectID int64,
	branch, sha string,
	limit int64,
) (bool, error) {
	args := m.Called(ctx, projectID, branch, sha, limit)
	return args.Bool(0), args.Error(1)
}
