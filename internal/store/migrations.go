package store

import (
	"database/sql"
	"log"
	"path"

	assets "github.com/haatos/merge-train"
	"github.com/pressly/goose/v3"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// RunMigrations applies the embedded migrations for dialect.
func RunMigrations(db *sql.DB, dialect string) {
	goose.SetBaseFS(assets.MigrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		log.Fatal(err)
	}
	if err := goose.Up(db, path.Join("migrations", dialect)); err != nil {
		log.Fatal(err)
	}
}
