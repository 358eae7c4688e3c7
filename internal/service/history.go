package service

import (
	"context"

	"github.com/haatos/merge-train/internal/store"
)

// History looks back over the merging and merged entrants of a train.
type History struct {
	store        store.EntrantReader
	defaultLimit int64
}

func NewHistory(entrantStore store.EntrantReader, defaultLimit int64) *History {
	return &History{store: entrantStore, defaultLimit: defaultLimit}
}

// ShaExistsInHistory reports whether sha is the merge commit, finished or in
// progress, of one of the limit most recent complete entrants. Older matches
// are not found.
func (h *History) ShaExistsInHistory(
	ctx context.Context,
	projectID int64,
	branch, sha string,
	limit int64,
) (bool, error) {
	if limit <= 0 {
		limit = h.defaultLimit
	}
	entrants, err := h.store.ListCompleteEntrants(ctx, projectID, branch, limit, true)
	if err != nil {
		return false, err
	}
	for _, e := range entrants {
		if e.MatchesSHA(sha) {
			return true, nil
		}
	}
	return false, nil
}

// LastCompleteEntrant is the most recently merged entrant of a train.
func (h *History) LastCompleteEntrant(
	ctx context.Context,
	projectID int64,
	branch string,
) (*store.Entrant, bool, error) {
	e, err := h.store.ReadLastMergedEntrant(ctx, projectID, branch)
	return found(e, err)
}

// TotalMergedOrMergingCount counts the complete entrants of the train of e,
// plus e itself while it is still active.
func (h *History) TotalMergedOrMergingCount(ctx context.Context, e *store.Entrant) (int64, error) {
	count, err := h.store.CountCompleteEntrants(ctx, e.TargetProjectID, e.TargetBranch)
	if err != nil {
		return 0, err
	}
	current, ok, err := found(h.store.ReadEntrantByID(ctx, e.EntrantID))
	if err != nil {
		return 0, err
	}
	if ok && current.Status.IsActive() {
		count++
	}
	return count, nil
}
