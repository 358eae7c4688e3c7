package store

import (
	"database/sql"
	"log"
	"runtime"

	"github.com/haatos/merge-train/internal/settings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

func InitDatabase(readonly bool) *sql.DB {
	if settings.Settings.UsePostgres() {
		return initPostgres()
	}

	db, err := sql.Open(settings.DriverSQLite, settings.Settings.SQLiteDbString(readonly))
	if err != nil {
		log.Fatal("fatal error opening sqlite database:", err)
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			log.Fatal(err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			log.Fatal(err)
		}
		db.SetMaxOpenConns(1)
	}

	return db
}

func initPostgres() *sql.DB {
	db, err := sql.Open(settings.DriverPostgres, settings.Settings.PostgresDSN)
	if err != nil {
		log.Fatal("fatal error opening postgres database:", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatal("fatal error connecting to postgres database:", err)
	}
	db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	return db
}

// InitLockDatabase opens the postgres pool AdvisoryLocker takes its
// connections from. A held lock pins a connection until it is released, so
// the work done under the lock must write through a different pool.
func InitLockDatabase(maxLocks int) *sql.DB {
	db := initPostgres()
	db.SetMaxOpenConns(maxLocks)
	db.SetMaxIdleConns(maxLocks)
	return db
}
