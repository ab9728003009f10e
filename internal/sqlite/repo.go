// Package sqlite is the default [feedhook.Repository], backed by a single
// sqlite database file.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/migrations"
)

// Ensure Repo implements the Repository interface
var _ feedhook.Repository = (*Repo)(nil)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

// Open connects to the database at path and brings its schema up to date.
//
// Times are written in sqlite's own format so that they compare correctly
// as text, which every time based query relies on.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite", path)
	dbx, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %s", err)
	}

	if err := migrations.Up(dbx); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("error running migrations: %s", err)
	}

	return dbx, nil
}

func (r Repo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const (
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

func isUniqueViolation(err error) bool {
	sqliteErr := &sqlite.Error{}
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.Code() == codeConstraintUnique || sqliteErr.Code() == codeConstraintPrimaryKey
}

// All times are stored in UTC.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
