package service

import (
	"testing"

	"github.com/haatos/merge-train/internal/store"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []store.EntrantStatus{
	store.StatusIdle,
	store.StatusFresh,
	store.StatusStale,
	store.StatusMerging,
	store.StatusMerged,
}

var allEvents = []Event{
	EventRefreshPipeline,
	EventOutdatePipeline,
	EventStartMerge,
	EventFinishMerge,
}

func TestTransition(t *testing.T) {
	legal := map[Event]map[store.EntrantStatus]store.EntrantStatus{
		EventRefreshPipeline: {store.StatusIdle: store.StatusFresh, store.StatusStale: store.StatusFresh},
		EventOutdatePipeline: {store.StatusFresh: store.StatusStale},
		EventStartMerge:      {store.StatusFresh: store.StatusMerging},
		EventFinishMerge:     {store.StatusMerging: store.StatusMerged},
	}

	for _, event := range allEvents {
		for _, from := range allStatuses {
			want, ok := legal[event][from]
			if ok {
				t.Run("success - "+string(event)+" from "+string(from), func(t *testing.T) {
					// act
					to, err := Transition(from, event)

					// assert
					assert.NoError(t, err)
					assert.Equal(t, want, to)
					assert.True(t, CanTransition(from, event))
				})
				continue
			}
			t.Run("failure - "+string(event)+" from "+string(from), func(t *testing.T) {
				// act
				to, err := Transition(from, event)

				// assert
				assert.Error(t, err)
				assert.True(t, IsInvalidTransition(err))
				assert.Equal(t, from, to)
				assert.False(t, CanTransition(from, event))
			})
		}
	}
}

func TestTransition_MergedIsTerminal(t *testing.T) {
	for _, event := range allEvents {
		_, err := Transition(store.StatusMerged, event)
		assert.Error(t, err)
	}
}

func TestTransition_NothingReturnsToIdle(t *testing.T) {
	for _, event := range allEvents {
		for _, from := range allStatuses {
			to, err := Transition(from, event)
			if err == nil {
				assert.NotEqual(t, store.StatusIdle, to)
			}
		}
	}
}

func TestTransitionEntrant(t *testing.T) {
	t.Run("failure - error carries entrant id", func(t *testing.T) {
		// arrange
		e := &store.Entrant{EntrantID: 12, Status: store.StatusMerged}

		// act
		_, err := transitionEntrant(e, EventStartMerge)

		// assert
		var ite InvalidTransitionError
		assert.ErrorAs(t, err, &ite)
		assert.Equal(t, int64(12), ite.EntrantID)
		assert.Equal(t, store.StatusMerged, ite.From)
		assert.Equal(t, EventStartMerge, ite.Event)
	})
}
