package service

import (
	"context"

	"github.com/haatos/merge-train/internal/store"
)

// ComposeBase is what a staging ref is composed on top of. With both fields
// empty the target branch head is used.
type ComposeBase struct {
	Ref string
	SHA string
}

// MergeExecutor performs git work on behalf of the train.
type MergeExecutor interface {
	// ComposeRef writes the merge of the entrant onto base to ref and
	// returns the resulting commit sha.
	ComposeRef(ctx context.Context, e *store.Entrant, base ComposeBase, ref string) (string, error)
	// CreateMergeCommit returns the commit that will become the new branch
	// head. Nothing is pushed to the target branch yet.
	CreateMergeCommit(ctx context.Context, e *store.Entrant) (string, error)
	AdvanceBranch(ctx context.Context, e *store.Entrant, sha string) error
	IsMerged(ctx context.Context, e *store.Entrant, sha string) (bool, error)
	// DeleteRef must succeed for refs that no longer exist.
	DeleteRef(ctx context.Context, projectID int64, ref string) error
}

type PipelineStatus string

const (
	PipelineQueued    PipelineStatus = "queued"
	PipelineRunning   PipelineStatus = "running"
	PipelineCancelled PipelineStatus = "cancelled"
	PipelineFailed    PipelineStatus = "failed"
	PipelinePassed    PipelineStatus = "passed"
)

func (ps PipelineStatus) IsFinished() bool {
	return ps == PipelineCancelled || ps == PipelineFailed || ps == PipelinePassed
}

func (ps PipelineStatus) IsFailure() bool {
	return ps == PipelineCancelled || ps == PipelineFailed
}

// PipelineClient talks to the CI engine.
type PipelineClient interface {
	CreatePipeline(ctx context.Context, projectID int64, ref, sha string) (int64, error)
	PipelineStatus(ctx context.Context, projectID, pipelineID int64) (PipelineStatus, error)
	CancelPipeline(ctx context.Context, projectID, pipelineID int64) error
}
