package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haatos/merge-train/internal/store"
)

// TrainIndex answers ordering and membership questions about trains. It
// never mutates and never locks; every call reads the store.
type TrainIndex struct {
	store store.EntrantReader
}

func NewTrainIndex(entrantStore store.EntrantReader) *TrainIndex {
	return &TrainIndex{store: entrantStore}
}

// ActiveEntrants is the train: idle, fresh and stale entrants in id order.
func (ti *TrainIndex) ActiveEntrants(
	ctx context.Context,
	projectID int64,
	branch string,
) ([]*store.Entrant, error) {
	return ti.store.ListActiveEntrants(ctx, projectID, branch)
}

// CompleteEntrants lists merging and merged entrants in id order.
func (ti *TrainIndex) CompleteEntrants(
	ctx context.Context,
	projectID int64,
	branch string,
) ([]*store.Entrant, error) {
	return ti.store.ListCompleteEntrants(ctx, projectID, branch, 0, false)
}

func (ti *TrainIndex) FirstInTrain(
	ctx context.Context,
	projectID int64,
	branch string,
) (*store.Entrant, bool, error) {
	entrants, err := ti.store.ListActiveEntrants(ctx, projectID, branch)
	if err != nil {
		return nil, false, err
	}
	if len(entrants) == 0 {
		return nil, false, nil
	}
	return entrants[0], true, nil
}

// FirstInTrainFromSet returns the smallest-id entrant of ids that is still active.
func (ti *TrainIndex) FirstInTrainFromSet(
	ctx context.Context,
	ids []int64,
) (*store.Entrant, bool, error) {
	e, err := ti.store.ReadFirstActiveEntrantFromIDs(ctx, ids)
	return found(e, err)
}

// FirstPerQueue returns the lead entrant of every train of a project.
func (ti *TrainIndex) FirstPerQueue(ctx context.Context, projectID int64) ([]*store.Entrant, error) {
	return ti.store.ListFirstActiveEntrantPerQueue(ctx, projectID)
}

// Index is the zero-based position of e in its train.
func (ti *TrainIndex) Index(ctx context.Context, e *store.Entrant) (int, bool, error) {
	_, pos, err := ti.position(ctx, e)
	if err != nil || pos < 0 {
		return 0, false, err
	}
	return pos, true, nil
}

func (ti *TrainIndex) Next(ctx context.Context, e *store.Entrant) (*store.Entrant, bool, error) {
	entrants, pos, err := ti.position(ctx, e)
	if err != nil || pos < 0 || pos+1 >= len(entrants) {
		return nil, false, err
	}
	return entrants[pos+1], true, nil
}

func (ti *TrainIndex) Prev(ctx context.Context, e *store.Entrant) (*store.Entrant, bool, error) {
	entrants, pos, err := ti.position(ctx, e)
	if err != nil || pos <= 0 {
		return nil, false, err
	}
	return entrants[pos-1], true, nil
}

// AllNext lists every active entrant behind e, nearest first.
func (ti *TrainIndex) AllNext(ctx context.Context, e *store.Entrant) ([]*store.Entrant, error) {
	entrants, pos, err := ti.position(ctx, e)
	if err != nil {
		return nil, err
	}
	if pos < 0 {
		return []*store.Entrant{}, nil
	}
	return entrants[pos+1:], nil
}

// AllPrev lists every active entrant ahead of e in train order.
func (ti *TrainIndex) AllPrev(ctx context.Context, e *store.Entrant) ([]*store.Entrant, error) {
	entrants, pos, err := ti.position(ctx, e)
	if err != nil {
		return nil, err
	}
	if pos < 0 {
		return []*store.Entrant{}, nil
	}
	return entrants[:pos], nil
}

func (ti *TrainIndex) IsFirst(ctx context.Context, e *store.Entrant) (bool, error) {
	pos, ok, err := ti.Index(ctx, e)
	return ok && pos == 0, err
}

// HasPredecessor reports whether e is a follower. Entrants outside the train
// have no predecessor.
func (ti *TrainIndex) HasPredecessor(ctx context.Context, e *store.Entrant) (bool, error) {
	pos, ok, err := ti.Index(ctx, e)
	return ok && pos > 0, err
}

func (ti *TrainIndex) TotalActiveCount(ctx context.Context, projectID int64, branch string) (int64, error) {
	return ti.store.CountActiveEntrants(ctx, projectID, branch)
}

// position returns the train of e and the position of e in it, or -1 when e
// has left the train.
func (ti *TrainIndex) position(ctx context.Context, e *store.Entrant) ([]*store.Entrant, int, error) {
	entrants, err := ti.store.ListActiveEntrants(ctx, e.TargetProjectID, e.TargetBranch)
	if err != nil {
		return nil, -1, err
	}
	for i, other := range entrants {
		if other.EntrantID == e.EntrantID {
			return entrants, i, nil
		}
	}
	return entrants, -1, nil
}

func found(e *store.Entrant, err error) (*store.Entrant, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}
