package service

import (
	"errors"
	"fmt"

	"github.com/haatos/merge-train/internal/store"
)

type InvalidTransitionError struct {
	EntrantID int64
	From      store.EntrantStatus
	Event     Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf(
		"invalid transition: cannot %s entrant %d in status %s",
		e.Event, e.EntrantID, e.From,
	)
}

type DuplicateEntrantError struct {
	MergeRequestID int64
	EntrantID      int64
}

func (e DuplicateEntrantError) Error() string {
	if e.EntrantID == 0 {
		return fmt.Sprintf("merge request %d is already in a merge train", e.MergeRequestID)
	}
	return fmt.Sprintf(
		"merge request %d is already in a merge train as entrant %d",
		e.MergeRequestID, e.EntrantID,
	)
}

type ErrTaskQueueFull struct{}

func (e ErrTaskQueueFull) Error() string {
	return "task queue is full"
}

func NewErrTaskQueueFull() *ErrTaskQueueFull {
	return &ErrTaskQueueFull{}
}

var ErrDispatcherStopped = errors.New("task dispatcher is stopped")

func IsInvalidTransition(err error) bool {
	var e InvalidTransitionError
	return errors.As(err, &e)
}

func IsDuplicateEntrant(err error) bool {
	var e DuplicateEntrantError
	return errors.As(err, &e)
}
