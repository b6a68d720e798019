package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/store/db"

	"github.com/goccy/go-json"
)

var ErrSavedSearchExists = errors.New("store: a saved search with this name already exists")

func (s *Store) CreateSavedSearch(ctx context.Context, search bid.SavedSearch) (int64, error) {
	if strings.TrimSpace(search.Name) == "" {
		return 0, fmt.Errorf("store: saved search name is empty")
	}
	if !search.Schedule.Valid() {
		return 0, fmt.Errorf("store: unknown schedule %q", search.Schedule)
	}
	if err := search.Predicate.Validate(); err != nil {
		return 0, err
	}
	predicate, err := json.Marshal(search.Predicate)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.withTx(ctx, func(txqry *db.Queries) error {
		_, err := txqry.GetSavedSearchID(ctx, search.Name)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrSavedSearchExists, search.Name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		id, err = txqry.CreateSavedSearch(ctx, db.CreateSavedSearchParams{
			Name:      search.Name,
			Predicate: string(predicate),
			Schedule:  string(search.Schedule),
			OnlyNew:   search.OnlyNew,
			Enabled:   search.Enabled,
			CreatedAt: s.clock.Now().Unix(),
		})
		return err
	})
	return id, err
}

func (s *Store) fromSavedSearchRow(row db.SavedSearch) (bid.SavedSearch, error) {
	loc := s.location()
	out := bid.SavedSearch{
		ID:        row.ID,
		Name:      row.Name,
		Schedule:  bid.Schedule(row.Schedule),
		OnlyNew:   row.OnlyNew,
		Enabled:   row.Enabled,
		CreatedAt: time.Unix(row.CreatedAt, 0).In(loc),
	}
	if row.LastRunAt.Valid {
		out.LastRunAt = time.Unix(row.LastRunAt.Int64, 0).In(loc)
	}
	if err := json.Unmarshal([]byte(row.Predicate), &out.Predicate); err != nil {
		return bid.SavedSearch{}, fmt.Errorf("decode predicate of saved search %s: %w", row.Name, err)
	}
	for _, t := range []*time.Time{out.Predicate.From, out.Predicate.To} {
		if t != nil {
			*t = t.In(loc)
		}
	}
	return out, nil
}

func (s *Store) GetSavedSearch(ctx context.Context, name string) (bid.SavedSearch, error) {
	row, err := s.qry.GetSavedSearch(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return bid.SavedSearch{}, fmt.Errorf("%w: saved search %s", ErrNotFound, name)
	}
	if err != nil {
		return bid.SavedSearch{}, err
	}
	return s.fromSavedSearchRow(row)
}

// ListSavedSearches returns saved searches ordered by name.
func (s *Store) ListSavedSearches(ctx context.Context, enabledOnly bool) ([]bid.SavedSearch, error) {
	rows, err := s.qry.ListSavedSearches(ctx, enabledOnly)
	if err != nil {
		return nil, err
	}
	out := make([]bid.SavedSearch, 0, len(rows))
	for _, row := range rows {
		search, err := s.fromSavedSearchRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, search)
	}
	return out, nil
}

// DeleteSavedSearch removes a saved search and its history, it reports
// whether the search existed.
func (s *Store) DeleteSavedSearch(ctx context.Context, name string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(txqry *db.Queries) error {
		id, err := txqry.GetSavedSearchID(ctx, name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txqry.DeleteSavedSearchHistory(ctx, id); err != nil {
			return err
		}
		affected, err := txqry.DeleteSavedSearch(ctx, name)
		deleted = affected > 0
		return err
	})
	return deleted, err
}

// Saved search run statuses.
const (
	RunStatusRunning = "running"
	RunStatusOK      = "ok"
	RunStatusFailed  = "failed"
)

// Notification statuses, "partial" only applies to a run.
const (
	NotifyStatusOK      = "ok"
	NotifyStatusPartial = "partial"
	NotifyStatusFailed  = "failed"
)

type SavedSearchRun struct {
	ID               int64
	SavedSearchID    int64
	Predicate        string
	RunAt            time.Time
	HitCount         int
	Status           string
	Error            string
	NotifiedChannels []string
	NotifyStatus     string
	NotifyError      string
}

// StartSavedSearchRun records a run in the running state with a snapshot of
// the predicate it evaluates.
func (s *Store) StartSavedSearchRun(ctx context.Context, search bid.SavedSearch, at time.Time) (int64, error) {
	snapshot, err := json.Marshal(search.Predicate)
	if err != nil {
		return 0, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.CreateSavedSearchRun(ctx, search.ID, string(snapshot), at.Unix())
}

// FinishSavedSearchRun stores the outcome of a run and, when it succeeded,
// moves the saved search's last run time.
func (s *Store) FinishSavedSearchRun(ctx context.Context, run SavedSearchRun) error {
	channels := sql.NullString{}
	if len(run.NotifiedChannels) > 0 {
		encoded, err := json.Marshal(run.NotifiedChannels)
		if err != nil {
			return err
		}
		channels = sql.NullString{String: string(encoded), Valid: true}
	}

	return s.withTx(ctx, func(txqry *db.Queries) error {
		err := txqry.FinishSavedSearchRun(ctx, db.FinishSavedSearchRunParams{
			ID:               run.ID,
			HitCount:         int64(run.HitCount),
			Status:           run.Status,
			ErrorMessage:     nullString(run.Error),
			NotifiedChannels: channels,
			NotifyStatus:     nullString(run.NotifyStatus),
			NotifyError:      nullString(run.NotifyError),
		})
		if err != nil {
			return err
		}
		if run.Status != RunStatusOK {
			return nil
		}
		return txqry.SetSavedSearchLastRun(ctx, run.RunAt.Unix(), run.SavedSearchID)
	})
}

func (s *Store) ListSavedSearchRuns(ctx context.Context, savedSearchID int64) ([]SavedSearchRun, error) {
	rows, err := s.qry.ListSavedSearchRuns(ctx, savedSearchID)
	if err != nil {
		return nil, err
	}
	out := make([]SavedSearchRun, len(rows))
	for i, row := range rows {
		run := SavedSearchRun{
			ID:            row.ID,
			SavedSearchID: row.SavedSearchID,
			Predicate:     row.PredicateSnapshot,
			RunAt:         time.Unix(row.RunAt, 0).In(s.location()),
			HitCount:      int(row.HitCount),
			Status:        row.Status,
			Error:         row.ErrorMessage.String,
			NotifyStatus:  row.NotifyStatus.String,
			NotifyError:   row.NotifyError.String,
		}
		if row.NotifiedChannels.Valid {
			if err := json.Unmarshal([]byte(row.NotifiedChannels.String), &run.NotifiedChannels); err != nil {
				return nil, err
			}
		}
		out[i] = run
	}
	return out, nil
}

// RecordHits stores the bids a run matched.
func (s *Store) RecordHits(ctx context.Context, runID int64, bids []bid.Bid, at time.Time) error {
	if len(bids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(txqry *db.Queries) error {
		for _, b := range bids {
			if err := txqry.CreateSavedSearchHit(ctx, runID, b.ID, b.RawFingerprint, at.Unix()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) MarkHitsNotified(ctx context.Context, runID int64, at time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.MarkHitsNotified(ctx, at.Unix(), runID)
}

type Notification struct {
	RunID     int64
	Channel   string
	Recipient string
	Status    string
	Error     string
	DedupeKey string
	At        time.Time
	// Attempts is only filled when reading.
	Attempts int
}

// RecordNotification stores a delivery attempt. Attempts sharing a dedupe
// key update one row and bump its attempt count.
func (s *Store) RecordNotification(ctx context.Context, n Notification) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.RecordNotification(ctx, db.RecordNotificationParams{
		SavedSearchRunID: n.RunID,
		Channel:          n.Channel,
		Recipient:        n.Recipient,
		Status:           n.Status,
		LastAttemptAt:    n.At.Unix(),
		ErrorMessage:     nullString(n.Error),
		DedupeKey:        n.DedupeKey,
	})
}

func (s *Store) ListNotifications(ctx context.Context, runID int64) ([]Notification, error) {
	rows, err := s.qry.ListNotifications(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, len(rows))
	for i, row := range rows {
		out[i] = Notification{
			RunID:     row.SavedSearchRunID,
			Channel:   row.Channel,
			Recipient: row.Recipient,
			Status:    row.Status,
			Error:     row.ErrorMessage.String,
			DedupeKey: row.DedupeKey,
			At:        time.Unix(row.LastAttemptAt, 0).In(s.location()),
			Attempts:  int(row.AttemptCount),
		}
	}
	return out, nil
}
