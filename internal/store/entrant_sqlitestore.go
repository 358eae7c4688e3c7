package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/haatos/merge-train/internal"
)

const (
	activeStatusList   = "('idle', 'fresh', 'stale')"
	completeStatusList = "('merging', 'merged')"
)

// EntrantSQLiteStore persists entrants. Queries stick to $n placeholders and
// returning clauses, so the same store runs on the pgx driver.
type EntrantSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewEntrantSQLiteStore(rdb, rwdb *sql.DB) *EntrantSQLiteStore {
	return &EntrantSQLiteStore{rdb, rwdb}
}

func (store *EntrantSQLiteStore) CreateEntrant(
	ctx context.Context,
	mergeRequestID, projectID int64,
	branch string,
	userID int64,
) (*Entrant, error) {
	e := &Entrant{
		MergeRequestID:  mergeRequestID,
		TargetProjectID: projectID,
		TargetBranch:    branch,
		UserID:          userID,
		Status:          StatusIdle,
	}
	query := `insert into entrants (
		merge_request_id,
		target_project_id,
		target_branch,
		user_id,
		status
	)
	values ($1, $2, $3, $4, $5)
	returning entrant_id, revision, created_on, updated_on`
	if err := sqlscan.Get(
		ctx, store.rwdb, e, query,
		e.MergeRequestID,
		e.TargetProjectID,
		e.TargetBranch,
		e.UserID,
		e.Status,
	); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) ReadEntrantByID(ctx context.Context, id int64) (*Entrant, error) {
	e := new(Entrant)
	query := "select * from entrants where entrant_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, e, query, id); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) ReadEntrantByPipelineID(
	ctx context.Context,
	pipelineID int64,
) (*Entrant, error) {
	e := new(Entrant)
	query := `select * from entrants
	where pipeline_id = $1
	order by entrant_id desc limit 1`
	if err := sqlscan.Get(ctx, store.rdb, e, query, pipelineID); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) ReadActiveEntrantByMergeRequestID(
	ctx context.Context,
	mergeRequestID int64,
) (*Entrant, error) {
	e := new(Entrant)
	query := `select * from entrants
	where merge_request_id = $1
	and status in ('idle', 'fresh', 'stale', 'merging')`
	if err := sqlscan.Get(ctx, store.rdb, e, query, mergeRequestID); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) UpdateEntrantStatus(
	ctx context.Context,
	id int64,
	from, to EntrantStatus,
) error {
	query := `update entrants
	set status = $1,
		updated_on = $2
	where entrant_id = $3 and status = $4`
	res, err := store.rwdb.ExecContext(ctx, query, to, now(), id, from)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateEntrantPipeline attaches a pipeline and marks the entrant fresh, but
// only while its status is one of from and, when given, its revision matches.
func (store *EntrantSQLiteStore) UpdateEntrantPipeline(
	ctx context.Context,
	id, pipelineID int64,
	stagingRef *string,
	from []EntrantStatus,
	revision *int64,
) error {
	args := []any{StatusFresh, pipelineID, stagingRef, now(), id}
	query := `update entrants
	set status = $1,
		pipeline_id = $2,
		staging_ref = coalesce($3, staging_ref),
		updated_on = $4
	where entrant_id = $5`
	if revision != nil {
		args = append(args, *revision)
		query += fmt.Sprintf(" and revision = $%d", len(args))
	}
	placeholders := make([]string, len(from))
	for i, s := range from {
		args = append(args, s)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query += fmt.Sprintf(" and status in (%s)", strings.Join(placeholders, ", "))

	res, err := store.rwdb.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (store *EntrantSQLiteStore) UpdateEntrantStagingRef(
	ctx context.Context,
	id int64,
	ref *string,
) error {
	query := `update entrants
	set staging_ref = $1,
		updated_on = $2
	where entrant_id = $3`
	_, err := store.rwdb.ExecContext(ctx, query, ref, now(), id)
	return err
}

// UpdateEntrantMergeStarted moves a fresh entrant to merging. Only one caller
// can win the compare-and-set, and it fails while another entrant of the
// same train is merging.
func (store *EntrantSQLiteStore) UpdateEntrantMergeStarted(
	ctx context.Context,
	id int64,
	startedOn time.Time,
) error {
	query := `update entrants
	set status = $1,
		merging_started_on = $2,
		updated_on = $3
	where entrant_id = $4 and status = $5
	and not exists (
		select 1 from entrants m
		where m.target_project_id = entrants.target_project_id
		and m.target_branch = entrants.target_branch
		and m.status = 'merging'
	)`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		StatusMerging,
		startedOn.UTC().Format(internal.DBTimestampLayout),
		now(),
		id,
		StatusFresh,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (store *EntrantSQLiteStore) UpdateEntrantInProgressSHA(
	ctx context.Context,
	id int64,
	sha string,
) error {
	query := `update entrants
	set in_progress_merge_commit_sha = $1,
		updated_on = $2
	where entrant_id = $3 and status = $4`
	res, err := store.rwdb.ExecContext(ctx, query, sha, now(), id, StatusMerging)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpdateEntrantMerged finalizes a merging entrant. merged_at and duration
// are only ever written here, guarded by the merging status.
func (store *EntrantSQLiteStore) UpdateEntrantMerged(
	ctx context.Context,
	id int64,
	sha string,
	mergedAt time.Time,
	duration time.Duration,
) error {
	query := `update entrants
	set status = $1,
		merge_commit_sha = $2,
		merged_at = $3,
		duration = $4,
		updated_on = $5
	where entrant_id = $6 and status = $7 and merged_at is null`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		StatusMerged,
		sha,
		mergedAt.UTC().Format(internal.DBTimestampLayout),
		int64(duration),
		now(),
		id,
		StatusMerging,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (store *EntrantSQLiteStore) BumpEntrantRevisions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{now()}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query := fmt.Sprintf(`update entrants
	set revision = revision + 1,
		updated_on = $1
	where entrant_id in (%s)`, strings.Join(placeholders, ", "))
	_, err := store.rwdb.ExecContext(ctx, query, args...)
	return err
}

func (store *EntrantSQLiteStore) DeleteEntrant(ctx context.Context, id int64) error {
	query := "delete from entrants where entrant_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, id)
	return err
}

func (store *EntrantSQLiteStore) ListActiveEntrants(
	ctx context.Context,
	projectID int64,
	branch string,
) ([]*Entrant, error) {
	query := `select * from entrants
	where target_project_id = $1
	and target_branch = $2
	and status in ` + activeStatusList + `
	order by entrant_id asc`
	entrants := make([]*Entrant, 0)
	err := sqlscan.Select(ctx, store.rdb, &entrants, query, projectID, branch)
	return entrants, err
}

// ListCompleteEntrants lists merging and merged entrants of a train. A limit
// of zero or less lists all of them.
func (store *EntrantSQLiteStore) ListCompleteEntrants(
	ctx context.Context,
	projectID int64,
	branch string,
	limit int64,
	newestFirst bool,
) ([]*Entrant, error) {
	order := "asc"
	if newestFirst {
		order = "desc"
	}
	query := `select * from entrants
	where target_project_id = $1
	and target_branch = $2
	and status in ` + completeStatusList + `
	order by entrant_id ` + order
	args := []any{projectID, branch}
	if limit > 0 {
		query += " limit $3"
		args = append(args, limit)
	}
	entrants := make([]*Entrant, 0)
	err := sqlscan.Select(ctx, store.rdb, &entrants, query, args...)
	return entrants, err
}

func (store *EntrantSQLiteStore) ReadFirstActiveEntrantFromIDs(
	ctx context.Context,
	ids []int64,
) (*Entrant, error) {
	if len(ids) == 0 {
		return nil, sql.ErrNoRows
	}
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`select * from entrants
	where entrant_id in (%s)
	and status in `+activeStatusList+`
	order by entrant_id asc limit 1`, strings.Join(placeholders, ", "))
	e := new(Entrant)
	if err := sqlscan.Get(ctx, store.rdb, e, query, args...); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) ListFirstActiveEntrantPerQueue(
	ctx context.Context,
	projectID int64,
) ([]*Entrant, error) {
	query := `select * from entrants
	where entrant_id in (
		select min(entrant_id) from entrants
		where target_project_id = $1
		and status in ` + activeStatusList + `
		group by target_branch
	)
	order by entrant_id asc`
	entrants := make([]*Entrant, 0)
	err := sqlscan.Select(ctx, store.rdb, &entrants, query, projectID)
	return entrants, err
}

// ReadMergingEntrant reads the entrant of a train that is merging.
func (store *EntrantSQLiteStore) ReadMergingEntrant(
	ctx context.Context,
	projectID int64,
	branch string,
) (*Entrant, error) {
	e := new(Entrant)
	query := `select * from entrants
	where target_project_id = $1
	and target_branch = $2
	and status = $3
	order by entrant_id asc
	limit 1`
	if err := sqlscan.Get(ctx, store.rdb, e, query, projectID, branch, StatusMerging); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) ReadLastMergedEntrant(
	ctx context.Context,
	projectID int64,
	branch string,
) (*Entrant, error) {
	query := `select * from entrants
	where target_project_id = $1
	and target_branch = $2
	and status = $3
	order by entrant_id desc limit 1`
	e := new(Entrant)
	if err := sqlscan.Get(ctx, store.rdb, e, query, projectID, branch, StatusMerged); err != nil {
		return nil, err
	}
	return e, nil
}

func (store *EntrantSQLiteStore) CountActiveEntrants(
	ctx context.Context,
	projectID int64,
	branch string,
) (int64, error) {
	var count int64
	query := `select count(*) from entrants
	where target_project_id = $1
	and target_branch = $2
	and status in ` + activeStatusList
	err := sqlscan.Get(ctx, store.rdb, &count, query, projectID, branch)
	return count, err
}

func (store *EntrantSQLiteStore) CountCompleteEntrants(
	ctx context.Context,
	projectID int64,
	branch string,
) (int64, error) {
	var count int64
	query := `select count(*) from entrants
	where target_project_id = $1
	and target_branch = $2
	and status in ` + completeStatusList
	err := sqlscan.Get(ctx, store.rdb, &count, query, projectID, branch)
	return count, err
}

func (store *EntrantSQLiteStore) ListActiveProjectIDs(ctx context.Context) ([]int64, error) {
	query := `select distinct target_project_id from entrants
	where status in ` + activeStatusList + `
	order by target_project_id`
	ids := make([]int64, 0)
	err := sqlscan.Select(ctx, store.rdb, &ids, query)
	return ids, err
}

func (store *EntrantSQLiteStore) ListEntrantsByStatus(
	ctx context.Context,
	statuses ...EntrantStatus,
) ([]*Entrant, error) {
	entrants := make([]*Entrant, 0)
	if len(statuses) == 0 {
		return entrants, nil
	}
	args := make([]any, len(statuses))
	placeholders := make([]string, len(statuses))
	for i, s := range statuses {
		args[i] = s
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`select * from entrants
	where status in (%s)
	order by entrant_id asc`, strings.Join(placeholders, ", "))
	err := sqlscan.Select(ctx, store.rdb, &entrants, query, args...)
	return entrants, err
}

func now() string {
	return time.Now().UTC().Format(internal.DBTimestampLayout)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrStatusConflict
	}
	return nil
}
