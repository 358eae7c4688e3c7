package store

import (
	"context"
	"errors"
	"time"
)

// ErrStatusConflict is returned by compare-and-set updates when the row no
// longer has the expected status (or revision).
var ErrStatusConflict = errors.New("entrant status changed concurrently")

type EntrantWriter interface {
	CreateEntrant(ctx context.Context, mergeRequestID, projectID int64, branch string, userID int64) (*Entrant, error)
	UpdateEntrantStatus(ctx context.Context, id int64, from, to EntrantStatus) error
	UpdateEntrantPipeline(
		ctx context.Context,
		id, pipelineID int64,
		stagingRef *string,
		from []EntrantStatus,
		revision *int64,
	) error
	UpdateEntrantStagingRef(ctx context.Context, id int64, ref *string) error
	UpdateEntrantMergeStarted(ctx context.Context, id int64, startedOn time.Time) error
	UpdateEntrantInProgressSHA(ctx context.Context, id int64, sha string) error
	UpdateEntrantMerged(
		ctx context.Context,
		id int64,
		sha string,
		mergedAt time.Time,
		duration time.Duration,
	) error
	BumpEntrantRevisions(ctx context.Context, ids []int64) error
	DeleteEntrant(ctx context.Context, id int64) error
}

type EntrantReader interface {
	ReadEntrantByID(ctx context.Context, id int64) (*Entrant, error)
	ReadEntrantByPipelineID(ctx context.Context, pipelineID int64) (*Entrant, error)
	ReadActiveEntrantByMergeRequestID(ctx context.Context, mergeRequestID int64) (*Entrant, error)
	ListActiveEntrants(ctx context.Context, projectID int64, branch string) ([]*Entrant, error)
	ListCompleteEntrants(
		ctx context.Context,
		projectID int64,
		branch string,
		limit int64,
		newestFirst bool,
	) ([]*Entrant, error)
	ReadFirstActiveEntrantFromIDs(ctx context.Context, ids []int64) (*Entrant, error)
	ListFirstActiveEntrantPerQueue(ctx context.Context, projectID int64) ([]*Entrant, error)
	ReadMergingEntrant(ctx context.Context, projectID int64, branch string) (*Entrant, error)
	ReadLastMergedEntrant(ctx context.Context, projectID int64, branch string) (*Entrant, error)
	CountActiveEntrants(ctx context.Context, projectID int64, branch string) (int64, error)
	CountCompleteEntrants(ctx context.Context, projectID int64, branch string) (int64, error)
	ListActiveProjectIDs(ctx context.Context) ([]int64, error)
	ListEntrantsByStatus(ctx context.Context, statuses ...EntrantStatus) ([]*Entrant, error)
}

type EntrantStore interface {
	EntrantWriter
	EntrantReader
}
