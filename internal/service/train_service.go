package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/merge-train/internal"
	"github.com/haatos/merge-train/internal/store"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrEntrantNotFound    = errors.New("entrant not found")
	errPredecessorPending = errors.New("entrant ahead has no staging ref yet")
)

type MergeOutcome string

const (
	MergeOutcomeMerged          MergeOutcome = "merged"
	MergeOutcomeNotFound        MergeOutcome = "not_found"
	MergeOutcomeNotFirst        MergeOutcome = "not_first"
	MergeOutcomeMergeInProgress MergeOutcome = "merge_in_progress"
	MergeOutcomeNotFresh        MergeOutcome = "not_fresh"
	MergeOutcomePipelinePending MergeOutcome = "pipeline_pending"
	MergeOutcomePipelineFailed  MergeOutcome = "pipeline_failed"
	MergeOutcomeMergeAborted    MergeOutcome = "merge_aborted"
)

type MergeResult struct {
	EntrantID int64        `json:"entrant_id"`
	Outcome   MergeOutcome `json:"outcome"`
}

type TrainServicer interface {
	Enqueue(
		ctx context.Context,
		mergeRequestID, projectID int64,
		branch string,
		userID int64,
	) (*store.Entrant, error)
	GetEntrantByID(ctx context.Context, id int64) (*store.Entrant, error)
	GetEntrantPosition(ctx context.Context, e *store.Entrant) (*EntrantPosition, error)
	Destroy(ctx context.Context, entrantID int64) error
	OnPipelineReady(ctx context.Context, entrantID, pipelineID int64) error
	TryMerge(ctx context.Context, entrantID int64) (MergeOutcome, error)
	OnPipelineStatus(ctx context.Context, pipelineID int64, status PipelineStatus) (MergeOutcome, error)
	OnTargetBranchAdvanced(ctx context.Context, projectID int64, branch, sha string) (int, error)
	ListTrainLeads(ctx context.Context, projectID int64) ([]*store.Entrant, error)
	ListTrain(ctx context.Context, projectID int64, branch string) ([]*store.Entrant, error)
	ListHistory(ctx context.Context, projectID int64, branch string, limit int64) ([]*store.Entrant, error)
	ShaExistsInHistory(ctx context.Context, projectID int64, branch, sha string, limit int64) (bool, error)
}

// EntrantPosition places an entrant within its train. Index, PrevID and
// NextID are nil once the entrant has left the train.
type EntrantPosition struct {
	Index                *int   `json:"index"`
	PrevID               *int64 `json:"prev_id"`
	NextID               *int64 `json:"next_id"`
	TrainLength          int64  `json:"train_length"`
	MergedOrMergingCount int64  `json:"merged_or_merging_count"`
}

// TrainService is the only component that changes entrants. Mutations of one
// train are serialized through the Locker; reads go through TrainIndex and
// History without locking.
type TrainService struct {
	store      store.EntrantStore
	index      *TrainIndex
	history    *History
	locker     Locker
	dispatcher Dispatcher
	executor   MergeExecutor
	pipelines  PipelineClient

	merges       *CancelMap[int64]
	historyLimit int64
	mergeTimeout time.Duration
	now          func() time.Time
}

func NewTrainService(
	entrantStore store.EntrantStore,
	locker Locker,
	dispatcher Dispatcher,
	executor MergeExecutor,
	pipelines PipelineClient,
	historyLimit int64,
	mergeTimeout time.Duration,
) *TrainService {
	return &TrainService{
		store:        entrantStore,
		index:        NewTrainIndex(entrantStore),
		history:      NewHistory(entrantStore, historyLimit),
		locker:       locker,
		dispatcher:   dispatcher,
		executor:     executor,
		pipelines:    pipelines,
		merges:       NewCancelMap[int64](),
		historyLimit: historyLimit,
		mergeTimeout: mergeTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *TrainService) Index() *TrainIndex {
	return s.index
}

func (s *TrainService) History() *History {
	return s.history
}

func (s *TrainService) GetEntrantByID(ctx context.Context, id int64) (*store.Entrant, error) {
	e, ok, err := found(s.store.ReadEntrantByID(ctx, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEntrantNotFound
	}
	return e, nil
}

func (s *TrainService) GetEntrantPosition(ctx context.Context, e *store.Entrant) (*EntrantPosition, error) {
	pos := new(EntrantPosition)
	if index, ok, err := s.index.Index(ctx, e); err != nil {
		return nil, err
	} else if ok {
		pos.Index = &index
	}
	if prev, ok, err := s.index.Prev(ctx, e); err != nil {
		return nil, err
	} else if ok {
		pos.PrevID = &prev.EntrantID
	}
	if next, ok, err := s.index.Next(ctx, e); err != nil {
		return nil, err
	} else if ok {
		pos.NextID = &next.EntrantID
	}
	var err error
	if pos.TrainLength, err = s.index.TotalActiveCount(ctx, e.TargetProjectID, e.TargetBranch); err != nil {
		return nil, err
	}
	if pos.MergedOrMergingCount, err = s.history.TotalMergedOrMergingCount(ctx, e); err != nil {
		return nil, err
	}
	return pos, nil
}

func (s *TrainService) ListTrainLeads(ctx context.Context, projectID int64) ([]*store.Entrant, error) {
	return s.index.FirstPerQueue(ctx, projectID)
}

func (s *TrainService) ListTrain(ctx context.Context, projectID int64, branch string) ([]*store.Entrant, error) {
	return s.index.ActiveEntrants(ctx, projectID, branch)
}

// ListHistory returns the limit most recent complete entrants, newest first.
func (s *TrainService) ListHistory(
	ctx context.Context,
	projectID int64,
	branch string,
	limit int64,
) ([]*store.Entrant, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	return s.store.ListCompleteEntrants(ctx, projectID, branch, limit, true)
}

func (s *TrainService) ShaExistsInHistory(
	ctx context.Context,
	projectID int64,
	branch, sha string,
	limit int64,
) (bool, error) {
	return s.history.ShaExistsInHistory(ctx, projectID, branch, sha, limit)
}

// Enqueue adds a merge request to the tail of the train of its target branch.
func (s *TrainService) Enqueue(
	ctx context.Context,
	mergeRequestID, projectID int64,
	branch string,
	userID int64,
) (*store.Entrant, error) {
	existing, ok, err := found(s.store.ReadActiveEntrantByMergeRequestID(ctx, mergeRequestID))
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, DuplicateEntrantError{MergeRequestID: mergeRequestID, EntrantID: existing.EntrantID}
	}

	e, err := s.store.CreateEntrant(ctx, mergeRequestID, projectID, branch, userID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, DuplicateEntrantError{MergeRequestID: mergeRequestID}
		}
		return nil, err
	}

	s.dispatch(Task{Kind: TaskRevalidate, EntrantID: e.EntrantID})
	return e, nil
}

// OnPipelineReady attaches pipelineID to an idle or stale entrant.
func (s *TrainService) OnPipelineReady(ctx context.Context, entrantID, pipelineID int64) error {
	return s.withTrainLock(ctx, entrantID, func(e *store.Entrant) error {
		if _, err := transitionEntrant(e, EventRefreshPipeline); err != nil {
			return err
		}
		err := s.store.UpdateEntrantPipeline(
			ctx, e.EntrantID, pipelineID, nil, []store.EntrantStatus{e.Status}, nil,
		)
		if errors.Is(err, store.ErrStatusConflict) {
			return s.conflict(ctx, e.EntrantID, EventRefreshPipeline)
		}
		return err
	})
}

// OnTargetBranchAdvanced outdates the train after the target branch moved
// to sha. A sha merged by the train itself is ignored. It returns the number
// of entrants that went stale.
func (s *TrainService) OnTargetBranchAdvanced(
	ctx context.Context,
	projectID int64,
	branch, sha string,
) (int, error) {
	key := store.TrainKey{ProjectID: projectID, Branch: branch}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if sha != "" {
		exists, err := s.history.ShaExistsInHistory(ctx, projectID, branch, sha, s.historyLimit)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, nil
		}
	}

	entrants, err := s.index.ActiveEntrants(ctx, projectID, branch)
	if err != nil {
		return 0, err
	}
	return s.outdateLocked(ctx, entrants)
}

// outdateLocked marks fresh entrants stale, invalidates any composition in
// flight for the rest and schedules revalidation for all of them.
func (s *TrainService) outdateLocked(ctx context.Context, entrants []*store.Entrant) (int, error) {
	if len(entrants) == 0 {
		return 0, nil
	}
	outdated := 0
	ids := make([]int64, 0, len(entrants))
	for _, e := range entrants {
		ids = append(ids, e.EntrantID)
		if !CanTransition(e.Status, EventOutdatePipeline) {
			continue
		}
		to, _ := transitionEntrant(e, EventOutdatePipeline)
		err := s.store.UpdateEntrantStatus(ctx, e.EntrantID, e.Status, to)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return outdated, err
		}
		outdated++
	}
	if err := s.store.BumpEntrantRevisions(ctx, ids); err != nil {
		return outdated, err
	}
	for _, id := range ids {
		s.dispatch(Task{Kind: TaskRevalidate, EntrantID: id})
	}
	return outdated, nil
}

// TryMerge merges the entrant if it leads its train, is fresh and its
// pipeline passed. External failures are reported through the outcome.
func (s *TrainService) TryMerge(ctx context.Context, entrantID int64) (MergeOutcome, error) {
	outcome := MergeOutcomeNotFound
	err := s.withTrainLock(ctx, entrantID, func(e *store.Entrant) error {
		var err error
		outcome, err = s.tryMergeLocked(ctx, e)
		return err
	})
	if errors.Is(err, ErrEntrantNotFound) {
		return MergeOutcomeNotFound, nil
	}
	return outcome, err
}

func (s *TrainService) tryMergeLocked(ctx context.Context, e *store.Entrant) (MergeOutcome, error) {
	if !CanTransition(e.Status, EventStartMerge) {
		return MergeOutcomeNotFresh, nil
	}
	first, err := s.index.IsFirst(ctx, e)
	if err != nil {
		return "", err
	}
	if !first {
		return MergeOutcomeNotFirst, nil
	}
	settled, err := s.settleInterruptedMergeLocked(ctx, e.TargetProjectID, e.TargetBranch)
	if err != nil {
		log.Printf("err settling interrupted merge of train %s: %+v\n", e.Key(), err)
		return MergeOutcomeMergeInProgress, nil
	}
	if settled {
		// settling may have outdated the train
		current, ok, err := found(s.store.ReadEntrantByID(ctx, e.EntrantID))
		if err != nil {
			return "", err
		}
		if !ok {
			return MergeOutcomeNotFound, nil
		}
		if !CanTransition(current.Status, EventStartMerge) {
			return MergeOutcomeNotFresh, nil
		}
		e = current
	}
	if e.PipelineID == nil {
		return MergeOutcomePipelinePending, nil
	}

	status, err := s.pipelines.PipelineStatus(ctx, e.TargetProjectID, *e.PipelineID)
	if err != nil {
		return "", fmt.Errorf("err reading status of pipeline %d: %w", *e.PipelineID, err)
	}
	if status.IsFailure() {
		if err := s.destroyLocked(ctx, e); err != nil {
			return "", err
		}
		return MergeOutcomePipelineFailed, nil
	}
	if status != PipelinePassed {
		return MergeOutcomePipelinePending, nil
	}

	startedOn := s.now()
	if err := s.store.UpdateEntrantMergeStarted(ctx, e.EntrantID, startedOn); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return MergeOutcomeNotFresh, nil
		}
		return "", err
	}
	e.Status = store.StatusMerging
	e.MergingStartedOn = &startedOn

	mergeCtx, cancel := context.WithTimeout(ctx, s.mergeTimeout)
	s.merges.AddCancel(e.EntrantID, cancel)
	defer func() {
		s.merges.RemoveCancel(e.EntrantID)
		cancel()
	}()

	sha, err := s.executor.CreateMergeCommit(mergeCtx, e)
	if err != nil {
		log.Printf("err creating merge commit for entrant %d: %+v\n", e.EntrantID, err)
		return s.abortMergeLocked(ctx, e, "")
	}
	if err := s.store.UpdateEntrantInProgressSHA(ctx, e.EntrantID, sha); err != nil {
		return "", err
	}
	e.InProgressMergeCommitSHA = &sha

	if err := s.executor.AdvanceBranch(mergeCtx, e, sha); err != nil {
		log.Printf("err advancing %s to %s for entrant %d: %+v\n", e.TargetBranch, sha, e.EntrantID, err)
		return s.abortMergeLocked(ctx, e, sha)
	}

	if err := s.finishMergeLocked(context.WithoutCancel(ctx), e, sha); err != nil {
		return "", err
	}
	return MergeOutcomeMerged, nil
}

// abortMergeLocked handles a merge that did not complete cleanly. If the
// branch nevertheless contains sha the merge is finalized, otherwise the
// entrant leaves the train so its follower can lead.
func (s *TrainService) abortMergeLocked(ctx context.Context, e *store.Entrant, sha string) (MergeOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	if sha != "" {
		merged, err := s.executor.IsMerged(ctx, e, sha)
		if err != nil {
			log.Printf("err checking whether %s landed for entrant %d: %+v\n", sha, e.EntrantID, err)
		}
		if merged {
			if err := s.finishMergeLocked(ctx, e, sha); err != nil {
				return "", err
			}
			return MergeOutcomeMerged, nil
		}
	}
	if err := s.removeLocked(ctx, e); err != nil {
		return "", err
	}
	return MergeOutcomeMergeAborted, nil
}

func (s *TrainService) finishMergeLocked(ctx context.Context, e *store.Entrant, sha string) error {
	if _, err := transitionEntrant(e, EventFinishMerge); err != nil {
		return err
	}
	mergedAt := s.now()
	var duration time.Duration
	if e.MergingStartedOn != nil {
		duration = mergedAt.Sub(*e.MergingStartedOn)
	}
	if err := s.store.UpdateEntrantMerged(ctx, e.EntrantID, sha, mergedAt, duration); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return s.conflict(ctx, e.EntrantID, EventFinishMerge)
		}
		return err
	}
	e.Status = store.StatusMerged
	e.MergeCommitSHA = &sha
	e.MergedAt = &mergedAt
	e.Duration = &duration

	s.CleanupRef(ctx, e)
	return nil
}

// Destroy removes an entrant from its train, aborting a merge in flight.
// Destroying an entrant that is already gone is not an error.
func (s *TrainService) Destroy(ctx context.Context, entrantID int64) error {
	s.merges.Call(entrantID)
	err := s.withTrainLock(ctx, entrantID, func(e *store.Entrant) error {
		return s.destroyLocked(ctx, e)
	})
	if errors.Is(err, ErrEntrantNotFound) {
		return nil
	}
	return err
}

func (s *TrainService) destroyLocked(ctx context.Context, e *store.Entrant) error {
	switch e.Status {
	case store.StatusMerged:
		return InvalidTransitionError{EntrantID: e.EntrantID, From: e.Status, Event: "destroy"}
	case store.StatusMerging:
		return s.settleMergeLocked(ctx, e)
	}
	return s.removeLocked(ctx, e)
}

// settleMergeLocked ends a merging entrant whose merge is not running: it is
// finalized when its merge commit reached the branch, removed otherwise.
func (s *TrainService) settleMergeLocked(ctx context.Context, e *store.Entrant) error {
	if e.InProgressMergeCommitSHA != nil {
		merged, err := s.executor.IsMerged(ctx, e, *e.InProgressMergeCommitSHA)
		if err != nil {
			return err
		}
		if merged {
			return s.finishMergeLocked(ctx, e, *e.InProgressMergeCommitSHA)
		}
	}
	return s.removeLocked(ctx, e)
}

// settleInterruptedMergeLocked settles a merging entrant of the train left
// behind by a crash or a failed write. A merge holds the train lock until it
// ends, so with the lock held no merging entrant has a merge running.
func (s *TrainService) settleInterruptedMergeLocked(
	ctx context.Context,
	projectID int64,
	branch string,
) (bool, error) {
	m, ok, err := found(s.store.ReadMergingEntrant(ctx, projectID, branch))
	if err != nil || !ok {
		return false, err
	}
	log.Printf("settling interrupted merge of entrant %d\n", m.EntrantID)
	if err := s.settleMergeLocked(context.WithoutCancel(ctx), m); err != nil {
		return false, err
	}
	return true, nil
}

// removeLocked deletes the entrant, cancels its pipeline, releases its
// staging ref and outdates everything composed on top of it.
func (s *TrainService) removeLocked(ctx context.Context, e *store.Entrant) error {
	var followers []*store.Entrant
	var err error
	if e.Status.IsActive() {
		followers, err = s.index.AllNext(ctx, e)
	} else {
		followers, err = s.index.ActiveEntrants(ctx, e.TargetProjectID, e.TargetBranch)
	}
	if err != nil {
		return err
	}

	if e.PipelineID != nil {
		s.dispatch(Task{
			Kind:       TaskCancelPipeline,
			EntrantID:  e.EntrantID,
			ProjectID:  e.TargetProjectID,
			PipelineID: *e.PipelineID,
		})
	}
	if err := s.store.DeleteEntrant(ctx, e.EntrantID); err != nil {
		return err
	}
	s.CleanupRef(ctx, e)

	_, err = s.outdateLocked(ctx, followers)
	return err
}

// CleanupRef releases the staging ref of e. It is safe to call repeatedly;
// failures are logged and retried on the next call.
func (s *TrainService) CleanupRef(ctx context.Context, e *store.Entrant) {
	if e.StagingRef == nil {
		return
	}
	if err := s.executor.DeleteRef(ctx, e.TargetProjectID, *e.StagingRef); err != nil {
		log.Printf("err deleting staging ref %s of entrant %d: %+v\n", *e.StagingRef, e.EntrantID, err)
		return
	}
	if err := s.store.UpdateEntrantStagingRef(ctx, e.EntrantID, nil); err != nil {
		log.Printf("err clearing staging ref of entrant %d: %+v\n", e.EntrantID, err)
	}
	e.StagingRef = nil
}

// OnPipelineStatus reacts to a CI status report. A failed pipeline of a
// fresh entrant removes it from the train; a passed one triggers a merge
// attempt.
func (s *TrainService) OnPipelineStatus(
	ctx context.Context,
	pipelineID int64,
	status PipelineStatus,
) (MergeOutcome, error) {
	e, ok, err := found(s.store.ReadEntrantByPipelineID(ctx, pipelineID))
	if err != nil {
		return "", err
	}
	if !ok {
		return MergeOutcomeNotFound, nil
	}

	outcome := MergeOutcomeNotFresh
	err = s.withTrainLock(ctx, e.EntrantID, func(current *store.Entrant) error {
		// the entrant may have been revalidated onto another pipeline
		if current.Status != store.StatusFresh ||
			current.PipelineID == nil ||
			*current.PipelineID != pipelineID {
			return nil
		}
		switch {
		case status.IsFailure():
			if err := s.destroyLocked(ctx, current); err != nil {
				return err
			}
			outcome = MergeOutcomePipelineFailed
		case status == PipelinePassed:
			var err error
			outcome, err = s.tryMergeLocked(ctx, current)
			return err
		default:
			outcome = MergeOutcomePipelinePending
		}
		return nil
	})
	if errors.Is(err, ErrEntrantNotFound) {
		return MergeOutcomeNotFound, nil
	}
	return outcome, err
}

// Revalidate composes a new staging ref for an idle or stale entrant and
// attaches a pipeline for it. Composition runs without the train lock; if
// the train changed meanwhile the result is thrown away and the entrant is
// scheduled again.
func (s *TrainService) Revalidate(ctx context.Context, entrantID int64) error {
	e, ok, err := found(s.store.ReadEntrantByID(ctx, entrantID))
	if err != nil || !ok {
		return err
	}
	if !CanTransition(e.Status, EventRefreshPipeline) {
		return nil
	}
	revision := e.Revision

	base, err := s.composeBase(ctx, e)
	if errors.Is(err, errPredecessorPending) {
		// the predecessor reschedules its followers once it has a ref
		return nil
	}
	if err != nil {
		return err
	}
	ref := fmt.Sprintf("%s%d/%s", internal.StagingRefPrefix, e.EntrantID, uuid.NewString())
	sha, err := s.executor.ComposeRef(ctx, e, base, ref)
	if err != nil {
		return errors.Join(err, s.executor.DeleteRef(context.WithoutCancel(ctx), e.TargetProjectID, ref))
	}
	pipelineID, err := s.pipelines.CreatePipeline(ctx, e.TargetProjectID, ref, sha)
	if err != nil {
		return errors.Join(err, s.executor.DeleteRef(context.WithoutCancel(ctx), e.TargetProjectID, ref))
	}

	attached := false
	var obsolete *store.Entrant
	err = s.withTrainLock(ctx, entrantID, func(current *store.Entrant) error {
		if !CanTransition(current.Status, EventRefreshPipeline) || current.Revision != revision {
			return nil
		}
		obsolete = current
		err := s.store.UpdateEntrantPipeline(
			ctx, current.EntrantID, pipelineID, &ref,
			[]store.EntrantStatus{current.Status}, &revision,
		)
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		attached = true

		followers, err := s.index.AllNext(ctx, current)
		if err != nil {
			return err
		}
		_, err = s.outdateLocked(ctx, followers)
		return err
	})
	if err != nil && !errors.Is(err, ErrEntrantNotFound) {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	if !attached {
		s.cancelPipeline(ctx, e.TargetProjectID, pipelineID)
		if err := s.executor.DeleteRef(ctx, e.TargetProjectID, ref); err != nil {
			log.Printf("err deleting rejected staging ref %s: %+v\n", ref, err)
		}
		if !errors.Is(err, ErrEntrantNotFound) {
			s.dispatch(Task{Kind: TaskRevalidate, EntrantID: entrantID})
		}
		return nil
	}

	if obsolete.PipelineID != nil {
		s.cancelPipeline(ctx, obsolete.TargetProjectID, *obsolete.PipelineID)
	}
	if obsolete.StagingRef != nil {
		if err := s.executor.DeleteRef(ctx, obsolete.TargetProjectID, *obsolete.StagingRef); err != nil {
			log.Printf("err deleting obsolete staging ref %s: %+v\n", *obsolete.StagingRef, err)
		}
	}
	return nil
}

// composeBase picks what the entrant is speculatively merged onto: the
// staging ref of the entrant ahead of it, else the merge in flight or the
// last train merge, else the branch head.
func (s *TrainService) composeBase(ctx context.Context, e *store.Entrant) (ComposeBase, error) {
	prev, ok, err := s.index.Prev(ctx, e)
	if err != nil {
		return ComposeBase{}, err
	}
	if ok {
		if prev.StagingRef == nil {
			return ComposeBase{}, errPredecessorPending
		}
		return ComposeBase{Ref: *prev.StagingRef}, nil
	}
	recent, err := s.store.ListCompleteEntrants(ctx, e.TargetProjectID, e.TargetBranch, 1, true)
	if err != nil {
		return ComposeBase{}, err
	}
	if len(recent) == 0 {
		return ComposeBase{}, nil
	}
	last := recent[0]
	switch {
	case last.Status == store.StatusMerging && last.InProgressMergeCommitSHA != nil:
		return ComposeBase{SHA: *last.InProgressMergeCommitSHA}, nil
	case last.Status == store.StatusMerging && last.StagingRef != nil:
		return ComposeBase{Ref: *last.StagingRef}, nil
	case last.MergeCommitSHA != nil:
		return ComposeBase{SHA: *last.MergeCommitSHA}, nil
	}
	return ComposeBase{}, nil
}

// processProjectLimit bounds how many trains of a project merge at once.
const processProjectLimit = 8

// ProcessProject attempts a merge at the head of every train of a project.
// Trains are independent: one failing does not stop the others.
func (s *TrainService) ProcessProject(ctx context.Context, projectID int64) ([]MergeResult, error) {
	leads, err := s.index.FirstPerQueue(ctx, projectID)
	if err != nil {
		return nil, err
	}
	results := make([]MergeResult, len(leads))
	errs := make([]error, len(leads))
	var g errgroup.Group
	g.SetLimit(processProjectLimit)
	for i, lead := range leads {
		g.Go(func() error {
			outcome, err := s.TryMerge(ctx, lead.EntrantID)
			results[i] = MergeResult{EntrantID: lead.EntrantID, Outcome: outcome}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// ProcessTrains is the periodic sweep: settle interrupted merges, merge what
// can be merged and reschedule revalidation that was dropped or failed.
func (s *TrainService) ProcessTrains(ctx context.Context) error {
	var errs []error
	merging, err := s.store.ListEntrantsByStatus(ctx, store.StatusMerging)
	if err != nil {
		return err
	}
	for _, m := range merging {
		err := s.withTrainLock(ctx, m.EntrantID, func(current *store.Entrant) error {
			if current.Status != store.StatusMerging {
				return nil
			}
			_, err := s.settleInterruptedMergeLocked(ctx, current.TargetProjectID, current.TargetBranch)
			return err
		})
		if err != nil && !errors.Is(err, ErrEntrantNotFound) {
			errs = append(errs, err)
		}
	}

	projectIDs, err := s.store.ListActiveProjectIDs(ctx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, projectID := range projectIDs {
		if _, err := s.ProcessProject(ctx, projectID); err != nil {
			errs = append(errs, err)
		}
	}

	waiting, err := s.store.ListEntrantsByStatus(ctx, store.StatusIdle, store.StatusStale)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, e := range waiting {
		if !s.dispatcher.IsBusy(TaskRevalidate, e.EntrantID) {
			s.dispatch(Task{Kind: TaskRevalidate, EntrantID: e.EntrantID})
		}
	}
	return errors.Join(errs...)
}

// HandleTask runs a dispatched task.
func (s *TrainService) HandleTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskRevalidate:
		return s.Revalidate(ctx, t.EntrantID)
	case TaskCancelPipeline:
		s.cancelPipeline(ctx, t.ProjectID, t.PipelineID)
		return nil
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func (s *TrainService) cancelPipeline(ctx context.Context, projectID, pipelineID int64) {
	status, err := s.pipelines.PipelineStatus(ctx, projectID, pipelineID)
	if err != nil {
		log.Printf("err reading status of pipeline %d: %+v\n", pipelineID, err)
		return
	}
	if status.IsFinished() {
		return
	}
	if err := s.pipelines.CancelPipeline(ctx, projectID, pipelineID); err != nil {
		log.Printf("err cancelling pipeline %d: %+v\n", pipelineID, err)
	}
}

func (s *TrainService) dispatch(t Task) {
	if err := s.dispatcher.Dispatch(t); err != nil {
		log.Printf("err dispatching %s task for entrant %d: %+v\n", t.Kind, t.EntrantID, err)
	}
}

// withTrainLock runs fn with the train of the entrant locked and a fresh
// read of the entrant taken under the lock.
func (s *TrainService) withTrainLock(
	ctx context.Context,
	entrantID int64,
	fn func(e *store.Entrant) error,
) error {
	e, err := s.GetEntrantByID(ctx, entrantID)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, e.Key())
	if err != nil {
		return err
	}
	defer unlock()

	e, err = s.GetEntrantByID(ctx, entrantID)
	if err != nil {
		return err
	}
	return fn(e)
}

// conflict re-reads an entrant whose compare-and-set failed and reports the
// transition as invalid from its current status.
func (s *TrainService) conflict(ctx context.Context, entrantID int64, event Event) error {
	e, err := s.GetEntrantByID(ctx, entrantID)
	if err != nil {
		return err
	}
	return InvalidTransitionError{EntrantID: entrantID, From: e.Status, Event: event}
}

func isUniqueConstraintError(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
