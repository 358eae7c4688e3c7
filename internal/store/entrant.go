package store

import (
	"fmt"
	"time"
)

type EntrantStatus string

const (
	StatusIdle    EntrantStatus = "idle"
	StatusFresh   EntrantStatus = "fresh"
	StatusStale   EntrantStatus = "stale"
	StatusMerging EntrantStatus = "merging"
	StatusMerged  EntrantStatus = "merged"
)

var (
	ActiveStatuses   = []EntrantStatus{StatusIdle, StatusFresh, StatusStale}
	CompleteStatuses = []EntrantStatus{StatusMerging, StatusMerged}
)

func (s EntrantStatus) IsActive() bool {
	return s == StatusIdle || s == StatusFresh || s == StatusStale
}

func (s EntrantStatus) IsComplete() bool {
	return s == StatusMerging || s == StatusMerged
}

// TrainKey identifies one merge train.
type TrainKey struct {
	ProjectID int64
	Branch    string
}

func (k TrainKey) String() string {
	return fmt.Sprintf("%d:%s", k.ProjectID, k.Branch)
}

// Entrant is one merge request's slot in a merge train. EntrantID is the
// queue order.
type Entrant struct {
	EntrantID       int64         `param:"entrant_id" json:"entrant_id"`
	TargetProjectID int64         `json:"target_project_id"`
	TargetBranch    string        `json:"target_branch"`
	MergeRequestID  int64         `json:"merge_request_id"`
	UserID          int64         `json:"user_id"`
	PipelineID      *int64        `json:"pipeline_id"`
	Status          EntrantStatus `json:"status"`
	// Revision changes whenever the composition ahead of the entrant changes.
	Revision                 int64          `json:"revision"`
	StagingRef               *string        `json:"staging_ref"`
	MergeCommitSHA           *string        `json:"merge_commit_sha"`
	InProgressMergeCommitSHA *string        `json:"in_progress_merge_commit_sha"`
	MergingStartedOn         *time.Time     `json:"merging_started_on"`
	MergedAt                 *time.Time     `json:"merged_at"`
	Duration                 *time.Duration `json:"duration"`
	CreatedOn                time.Time      `json:"created_on"`
	UpdatedOn                time.Time      `json:"updated_on"`
}

func (e *Entrant) Key() TrainKey {
	return TrainKey{ProjectID: e.TargetProjectID, Branch: e.TargetBranch}
}

// MatchesSHA reports whether sha is the finalized or in-progress merge
// commit of e.
func (e *Entrant) MatchesSHA(sha string) bool {
	if sha == "" {
		return false
	}
	return (e.MergeCommitSHA != nil && *e.MergeCommitSHA == sha) ||
		(e.InProgressMergeCommitSHA != nil && *e.InProgressMergeCommitSHA == sha)
}
