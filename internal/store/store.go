// Package store persists bids, awards, checkpoints and saved-search history
// in SQLite, locally through modernc.org/sqlite or remotely through libsql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bidaggregator/internal/assert"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/store/db"
)

const (
	report_store_upsert_batch  = "store.upsert-batch"
	report_store_upsert_awards = "store.upsert-awards"
)

var ErrNotFound = errors.New("store: not found")

// Config locates the database: a local file, or a libsql url with an
// optional auth token.
type Config struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// Open opens the configured database. Local databases are limited to one
// connection, sqlite allows a single writer and ":memory:" is per
// connection.
func (config Config) Open() (*sql.DB, error) {
	if config.Url == "" {
		if config.File == "" {
			return nil, fmt.Errorf("store: neither a file nor a url was specified")
		}
		if config.File != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
				return nil, fmt.Errorf("store: create database directory: %w", err)
			}
		}
		database, err := sql.Open("sqlite", config.File)
		if err != nil {
			return nil, err
		}
		database.SetMaxOpenConns(1)
		if _, err := database.Exec("PRAGMA journal_mode=WAL"); err != nil {
			database.Close()
			return nil, fmt.Errorf("store: enable wal: %w", err)
		}
		return database, nil
	}

	values := url.Values{}
	if config.AuthToken != "" {
		values.Add("authToken", config.AuthToken)
	}
	dsn := config.Url
	if len(values) > 0 {
		dsn += "?" + values.Encode()
	}
	return sql.Open("libsql", dsn)
}

type Store struct {
	db    *sql.DB
	qry   *db.Queries
	clock chrono.API
	tel   telemetry.API
	// writes are serialized, every batch is its own transaction
	writeMutex *sync.Mutex
}

func New(database *sql.DB, clock chrono.API, tel telemetry.API) *Store {
	assert.NotNil(database)
	assert.NotNil(clock)
	assert.NotNil(tel)
	return &Store{
		db:         database,
		qry:        db.New(database),
		clock:      clock,
		tel:        telemetry.NewScopedAPI("store", tel),
		writeMutex: &sync.Mutex{},
	}
}

// Init creates any missing table.
func (s *Store) Init(ctx context.Context) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, db.Schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) location() *time.Location {
	return s.clock.Location()
}

// withTx runs fn in a transaction under the write lock.
func (s *Store) withTx(ctx context.Context, fn func(txqry *db.Queries) error) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(s.qry.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

type Stats struct {
	Bids            int
	BidsBySource    map[string]int
	Awards          int
	RawFetches      int
	SavedSearches   int
	SavedSearchRuns int
	IngestRuns      int
	// LastSeenAt is zero for an empty store.
	LastSeenAt time.Time
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	row, err := s.qry.CountRows(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		Bids: int(row.Bids),
		BidsBySource: map[string]int{
			"api":    int(row.ApiBids),
			"scrape": int(row.ScrapeBids),
		},
		Awards:          int(row.Awards),
		RawFetches:      int(row.RawFetches),
		SavedSearches:   int(row.SavedSearches),
		SavedSearchRuns: int(row.SavedSearchRuns),
		IngestRuns:      int(row.IngestRuns),
	}
	if row.LastSeenAt.Valid {
		out.LastSeenAt = time.Unix(row.LastSeenAt.Int64, 0).In(s.location())
	}
	return out, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(bid.DateLayout), Valid: true}
}

func parseDate(value sql.NullString, loc *time.Location) time.Time {
	if !value.Valid || value.String == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(bid.DateLayout, value.String, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}
