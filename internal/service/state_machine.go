package service

import "github.com/haatos/merge-train/internal/store"

type Event string

const (
	EventRefreshPipeline Event = "refresh_pipeline"
	EventOutdatePipeline Event = "outdate_pipeline"
	EventStartMerge      Event = "start_merge"
	EventFinishMerge     Event = "finish_merge"
)

// transitions lists every legal move. Anything missing is rejected.
var transitions = map[Event]map[store.EntrantStatus]store.EntrantStatus{
	EventRefreshPipeline: {
		store.StatusIdle:  store.StatusFresh,
		store.StatusStale: store.StatusFresh,
	},
	EventOutdatePipeline: {
		store.StatusFresh: store.StatusStale,
	},
	EventStartMerge: {
		store.StatusFresh: store.StatusMerging,
	},
	EventFinishMerge: {
		store.StatusMerging: store.StatusMerged,
	},
}

// Transition returns the status an entrant in from moves to on event.
func Transition(from store.EntrantStatus, event Event) (store.EntrantStatus, error) {
	if to, ok := transitions[event][from]; ok {
		return to, nil
	}
	return from, InvalidTransitionError{From: from, Event: event}
}

// CanTransition reports whether event is legal for an entrant in from.
func CanTransition(from store.EntrantStatus, event Event) bool {
	_, err := Transition(from, event)
	return err == nil
}

func transitionEntrant(e *store.Entrant, event Event) (store.EntrantStatus, error) {
	to, err := Transition(e.Status, event)
	if err != nil {
		return e.Status, InvalidTransitionError{EntrantID: e.EntrantID, From: e.Status, Event: event}
	}
	return to, nil
}
