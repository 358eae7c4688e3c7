package store

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"log"
)

// AdvisoryLocker serializes train mutations across processes sharing one
// postgres database. Each held lock pins a connection of db, because session
// advisory locks belong to the connection that took them. db must not be the
// pool the locked work writes through, see InitLockDatabase.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key TrainKey) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	lockID := AdvisoryLockID(key)
	if _, err := conn.ExecContext(ctx, "select pg_advisory_lock($1)", lockID); err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	return func() {
		if _, err := conn.ExecContext(
			context.Background(), "select pg_advisory_unlock($1)", lockID,
		); err != nil {
			log.Printf("err releasing advisory lock for train %s: %+v\n", key, err)
		}
		_ = conn.Close()
	}, nil
}

// AdvisoryLockID maps a train key onto the bigint lock space.
func AdvisoryLockID(key TrainKey) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	return int64(h.Sum64())
}
