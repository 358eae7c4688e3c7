package store

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type entrantSQLiteStoreSuite struct {
	entrantStore *EntrantSQLiteStore
	db           *sql.DB
	suite.Suite
}

func TestEntrantSQLiteStore(t *testing.T) {
	suite.Run(t, new(entrantSQLiteStoreSuite))
}

func (suite *entrantSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	suite.db = db

	RunMigrations(db, DialectSQLite)

	suite.entrantStore = NewEntrantSQLiteStore(db, db)
}

func (suite *entrantSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *entrantSQLiteStoreSuite) createEntrant(projectID int64, branch string) *Entrant {
	e, err := suite.entrantStore.CreateEntrant(
		context.Background(), rand.Int63(), projectID, branch, 1,
	)
	suite.Require().NoError(err)
	return e
}

func (suite *entrantSQLiteStoreSuite) mergeEntrant(e *Entrant, sha string) {
	ctx := context.Background()
	suite.Require().NoError(
		suite.entrantStore.UpdateEntrantPipeline(ctx, e.EntrantID, rand.Int63(), nil, []EntrantStatus{StatusIdle}, nil),
	)
	suite.Require().NoError(suite.entrantStore.UpdateEntrantMergeStarted(ctx, e.EntrantID, time.Now()))
	suite.Require().NoError(
		suite.entrantStore.UpdateEntrantMerged(ctx, e.EntrantID, sha, time.Now(), time.Second),
	)
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_CreateEntrant() {
	suite.Run("success - entrant created idle", func() {
		// arrange
		projectID := rand.Int63()

		// act
		e, err := suite.entrantStore.CreateEntrant(context.Background(), 11, projectID, "main", 5)

		// assert
		suite.NoError(err)
		suite.NotNil(e)
		suite.NotZero(e.EntrantID)
		suite.Equal(StatusIdle, e.Status)
		suite.Equal(int64(11), e.MergeRequestID)
		suite.False(e.CreatedOn.IsZero())
	})
	suite.Run("success - ids are strictly increasing", func() {
		// arrange
		projectID := rand.Int63()

		// act
		first := suite.createEntrant(projectID, "main")
		second := suite.createEntrant(projectID, "main")

		// assert
		suite.Less(first.EntrantID, second.EntrantID)
	})
	suite.Run("failure - merge request already has an active entrant", func() {
		// arrange
		mergeRequestID := rand.Int63()
		_, err := suite.entrantStore.CreateEntrant(context.Background(), mergeRequestID, 1, "main", 1)
		suite.NoError(err)

		// act
		e, err := suite.entrantStore.CreateEntrant(context.Background(), mergeRequestID, 2, "dev", 1)

		// assert
		suite.Error(err)
		var sqliteErr *sqlite.Error
		suite.True(errors.As(err, &sqliteErr))
		suite.Equal(sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqliteErr.Code())
		suite.Nil(e)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_ReadEntrantByID() {
	suite.Run("success - entrant is found", func() {
		// arrange
		expected := suite.createEntrant(rand.Int63(), "main")

		// act
		e, err := suite.entrantStore.ReadEntrantByID(context.Background(), expected.EntrantID)

		// assert
		suite.NoError(err)
		suite.Equal(expected.EntrantID, e.EntrantID)
		suite.Equal(expected.TargetBranch, e.TargetBranch)
		suite.Nil(e.PipelineID)
		suite.Nil(e.MergedAt)
		suite.Nil(e.Duration)
	})
	suite.Run("failure - entrant is not found", func() {
		// act
		e, err := suite.entrantStore.ReadEntrantByID(context.Background(), 98765432)

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(e)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_UpdateEntrantStatus() {
	suite.Run("success - status moves when the old status matches", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")
		ctx := context.Background()
		suite.NoError(suite.entrantStore.UpdateEntrantPipeline(ctx, e.EntrantID, 3, nil, []EntrantStatus{StatusIdle}, nil))

		// act
		err := suite.entrantStore.UpdateEntrantStatus(ctx, e.EntrantID, StatusFresh, StatusStale)

		// assert
		suite.NoError(err)
		read, _ := suite.entrantStore.ReadEntrantByID(ctx, e.EntrantID)
		suite.Equal(StatusStale, read.Status)
	})
	suite.Run("failure - conflict when the old status does not match", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")

		// act
		err := suite.entrantStore.UpdateEntrantStatus(
			context.Background(), e.EntrantID, StatusFresh, StatusStale,
		)

		// assert
		suite.True(errors.Is(err, ErrStatusConflict))
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_UpdateEntrantPipeline() {
	suite.Run("success - pipeline attached with matching revision", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")
		revision := e.Revision

		// act
		err := suite.entrantStore.UpdateEntrantPipeline(
			context.Background(), e.EntrantID, 42, nil, []EntrantStatus{StatusIdle, StatusStale}, &revision,
		)

		// assert
		suite.NoError(err)
		read, _ := suite.entrantStore.ReadEntrantByID(context.Background(), e.EntrantID)
		suite.Equal(StatusFresh, read.Status)
		suite.Equal(int64(42), *read.PipelineID)
	})
	suite.Run("failure - revision was bumped while composing", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")
		revision := e.Revision
		suite.NoError(suite.entrantStore.BumpEntrantRevisions(context.Background(), []int64{e.EntrantID}))

		// act
		err := suite.entrantStore.UpdateEntrantPipeline(
			context.Background(), e.EntrantID, 42, nil, []EntrantStatus{StatusIdle}, &revision,
		)

		// assert
		suite.True(errors.Is(err, ErrStatusConflict))
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_UpdateEntrantMerged() {
	suite.Run("success - merged at and duration set once", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")
		ctx := context.Background()

		// act
		suite.mergeEntrant(e, "abc123")
		again := suite.entrantStore.UpdateEntrantMerged(ctx, e.EntrantID, "other", time.Now(), time.Minute)

		// assert
		suite.True(errors.Is(again, ErrStatusConflict))
		read, err := suite.entrantStore.ReadEntrantByID(ctx, e.EntrantID)
		suite.NoError(err)
		suite.Equal(StatusMerged, read.Status)
		suite.Equal("abc123", *read.MergeCommitSHA)
		suite.NotNil(read.MergedAt)
		suite.Equal(time.Second, *read.Duration)
		suite.NotNil(read.MergingStartedOn)
	})
	suite.Run("failure - merge start requires fresh", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")

		// act
		err := suite.entrantStore.UpdateEntrantMergeStarted(context.Background(), e.EntrantID, time.Now())

		// assert
		suite.True(errors.Is(err, ErrStatusConflict))
	})
	suite.Run("failure - merge start waits for the merging entrant of the train", func() {
		// arrange
		ctx := context.Background()
		projectID := rand.Int63()
		first := suite.createEntrant(projectID, "main")
		second := suite.createEntrant(projectID, "main")
		otherBranch := suite.createEntrant(projectID, "dev")
		for _, e := range []*Entrant{first, second, otherBranch} {
			suite.Require().NoError(suite.entrantStore.UpdateEntrantPipeline(
				ctx, e.EntrantID, rand.Int63(), nil, []EntrantStatus{StatusIdle}, nil,
			))
		}
		suite.Require().NoError(suite.entrantStore.UpdateEntrantMergeStarted(ctx, first.EntrantID, time.Now()))

		// act
		err := suite.entrantStore.UpdateEntrantMergeStarted(ctx, second.EntrantID, time.Now())
		otherErr := suite.entrantStore.UpdateEntrantMergeStarted(ctx, otherBranch.EntrantID, time.Now())

		// assert
		suite.True(errors.Is(err, ErrStatusConflict))
		suite.NoError(otherErr)
		read, readErr := suite.entrantStore.ReadEntrantByID(ctx, second.EntrantID)
		suite.NoError(readErr)
		suite.Equal(StatusFresh, read.Status)
		merging, mergingErr := suite.entrantStore.ReadMergingEntrant(ctx, projectID, "main")
		suite.NoError(mergingErr)
		suite.Equal(first.EntrantID, merging.EntrantID)
	})
	suite.Run("failure - train without merging entrant", func() {
		// arrange
		projectID := rand.Int63()
		suite.createEntrant(projectID, "main")

		// act
		_, err := suite.entrantStore.ReadMergingEntrant(context.Background(), projectID, "main")

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_ListActiveEntrants() {
	suite.Run("success - only active entrants of the key in id order", func() {
		// arrange
		projectID := rand.Int63()
		first := suite.createEntrant(projectID, "main")
		merged := suite.createEntrant(projectID, "main")
		suite.mergeEntrant(merged, "sha-merged")
		third := suite.createEntrant(projectID, "main")
		suite.createEntrant(projectID, "other")

		// act
		entrants, err := suite.entrantStore.ListActiveEntrants(context.Background(), projectID, "main")

		// assert
		suite.NoError(err)
		suite.Len(entrants, 2)
		suite.Equal(first.EntrantID, entrants[0].EntrantID)
		suite.Equal(third.EntrantID, entrants[1].EntrantID)
	})
	suite.Run("success - empty train", func() {
		// act
		entrants, err := suite.entrantStore.ListActiveEntrants(context.Background(), rand.Int63(), "main")
		count, countErr := suite.entrantStore.CountActiveEntrants(context.Background(), rand.Int63(), "main")

		// assert
		suite.NoError(err)
		suite.NoError(countErr)
		suite.Empty(entrants)
		suite.Zero(count)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_ListCompleteEntrants() {
	suite.Run("success - newest first with limit", func() {
		// arrange
		projectID := rand.Int63()
		older := suite.createEntrant(projectID, "main")
		suite.mergeEntrant(older, "sha-1")
		newer := suite.createEntrant(projectID, "main")
		suite.mergeEntrant(newer, "sha-2")

		// act
		newest, err := suite.entrantStore.ListCompleteEntrants(context.Background(), projectID, "main", 1, true)
		all, allErr := suite.entrantStore.ListCompleteEntrants(context.Background(), projectID, "main", 0, false)

		// assert
		suite.NoError(err)
		suite.NoError(allErr)
		suite.Len(newest, 1)
		suite.Equal(newer.EntrantID, newest[0].EntrantID)
		suite.Len(all, 2)
		suite.Equal(older.EntrantID, all[0].EntrantID)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_ReadFirstActiveEntrantFromIDs() {
	suite.Run("success - smallest active id wins", func() {
		// arrange
		projectID := rand.Int63()
		merged := suite.createEntrant(projectID, "main")
		suite.mergeEntrant(merged, "sha")
		second := suite.createEntrant(projectID, "main")
		third := suite.createEntrant(projectID, "main")

		// act
		e, err := suite.entrantStore.ReadFirstActiveEntrantFromIDs(
			context.Background(), []int64{third.EntrantID, merged.EntrantID, second.EntrantID},
		)

		// assert
		suite.NoError(err)
		suite.Equal(second.EntrantID, e.EntrantID)
	})
	suite.Run("failure - no active entrant in the set", func() {
		// arrange
		merged := suite.createEntrant(rand.Int63(), "main")
		suite.mergeEntrant(merged, "sha")

		// act
		e, err := suite.entrantStore.ReadFirstActiveEntrantFromIDs(context.Background(), []int64{merged.EntrantID})

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(e)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_ListFirstActiveEntrantPerQueue() {
	suite.Run("success - one lead per branch", func() {
		// arrange
		projectID := rand.Int63()
		mainLead := suite.createEntrant(projectID, "main")
		suite.createEntrant(projectID, "main")
		devLead := suite.createEntrant(projectID, "dev")
		suite.createEntrant(projectID, "dev")

		// act
		leads, err := suite.entrantStore.ListFirstActiveEntrantPerQueue(context.Background(), projectID)

		// assert
		suite.NoError(err)
		suite.Len(leads, 2)
		suite.Equal(mainLead.EntrantID, leads[0].EntrantID)
		suite.Equal(devLead.EntrantID, leads[1].EntrantID)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_DeleteEntrant() {
	suite.Run("success - delete is idempotent", func() {
		// arrange
		e := suite.createEntrant(rand.Int63(), "main")

		// act
		firstErr := suite.entrantStore.DeleteEntrant(context.Background(), e.EntrantID)
		secondErr := suite.entrantStore.DeleteEntrant(context.Background(), e.EntrantID)
		_, readErr := suite.entrantStore.ReadEntrantByID(context.Background(), e.EntrantID)

		// assert
		suite.NoError(firstErr)
		suite.NoError(secondErr)
		suite.True(errors.Is(readErr, sql.ErrNoRows))
	})
	suite.Run("success - merge request can enter again after removal", func() {
		// arrange
		mergeRequestID := rand.Int63()
		e, err := suite.entrantStore.CreateEntrant(context.Background(), mergeRequestID, 1, "main", 1)
		suite.NoError(err)
		suite.NoError(suite.entrantStore.DeleteEntrant(context.Background(), e.EntrantID))

		// act
		again, err := suite.entrantStore.CreateEntrant(context.Background(), mergeRequestID, 1, "main", 1)

		// assert
		suite.NoError(err)
		suite.Greater(again.EntrantID, e.EntrantID)
	})
}

func (suite *entrantSQLiteStoreSuite) TestEntrantSQLiteStore_ReadLastMergedEntrant() {
	suite.Run("success - merging entrants do not count", func() {
		// arrange
		projectID := rand.Int63()
		merged := suite.createEntrant(projectID, "main")
		suite.mergeEntrant(merged, "sha-last")
		merging := suite.createEntrant(projectID, "main")
		ctx := context.Background()
		suite.NoError(suite.entrantStore.UpdateEntrantPipeline(ctx, merging.EntrantID, 9, nil, []EntrantStatus{StatusIdle}, nil))
		suite.NoError(suite.entrantStore.UpdateEntrantMergeStarted(ctx, merging.EntrantID, time.Now()))

		// act
		e, err := suite.entrantStore.ReadLastMergedEntrant(ctx, projectID, "main")
		count, countErr := suite.entrantStore.CountCompleteEntrants(ctx, projectID, "main")

		// assert
		suite.NoError(err)
		suite.NoError(countErr)
		suite.Equal(merged.EntrantID, e.EntrantID)
		suite.Equal(int64(2), count)
	})
}
