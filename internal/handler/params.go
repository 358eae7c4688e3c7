package handler

import "github.com/haatos/merge-train/internal/service"

type EnqueueParams struct {
	MergeRequestID  int64  `json:"merge_request_id"`
	TargetProjectID int64  `json:"target_project_id"`
	TargetBranch    string `json:"target_branch"`
	UserID          int64  `json:"user_id"`
}

type EntrantParams struct {
	EntrantID int64 `param:"entrant_id"`
}

type PipelineReadyParams struct {
	EntrantID  int64 `param:"entrant_id"`
	PipelineID int64 `                   json:"pipeline_id"`
}

type ProjectParams struct {
	ProjectID int64  `param:"project_id"`
	Branch    string `                   query:"branch"`
	SHA       string `                   query:"sha"`
	Limit     int64  `                   query:"limit"`
}

type PipelineHookParams struct {
	PipelineID int64                  `json:"pipeline_id"`
	Status     service.PipelineStatus `json:"status"`
}

type PushHookParams struct {
	ProjectID int64  `json:"project_id"`
	Branch    string `json:"branch"`
	SHA       string `json:"sha"`
}
