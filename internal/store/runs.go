package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/store/db"

	"github.com/goccy/go-json"
)

// GetCheckpoint returns the checkpoint of a query, ok is false when the
// query never completed a range.
func (s *Store) GetCheckpoint(ctx context.Context, source bid.SourceKind, queryKey string) (checkpoint bid.Checkpoint, ok bool, err error) {
	row, err := s.qry.GetCheckpoint(ctx, string(source), queryKey)
	if errors.Is(err, sql.ErrNoRows) {
		return bid.Checkpoint{}, false, nil
	}
	if err != nil {
		return bid.Checkpoint{}, false, err
	}
	loc := s.location()
	return bid.Checkpoint{
		Source:    bid.SourceKind(row.Source),
		QueryKey:  row.QueryKey,
		RangeFrom: parseDate(sql.NullString{String: row.RangeFrom, Valid: true}, loc),
		RangeEnd:  parseDate(sql.NullString{String: row.RangeEnd, Valid: true}, loc),
		UpdatedAt: time.Unix(row.UpdatedAt, 0).In(loc),
	}, true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint bid.Checkpoint) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.SetCheckpoint(ctx, db.Checkpoint{
		Source:    string(checkpoint.Source),
		QueryKey:  checkpoint.QueryKey,
		RangeFrom: checkpoint.RangeFrom.Format(bid.DateLayout),
		RangeEnd:  checkpoint.RangeEnd.Format(bid.DateLayout),
		UpdatedAt: s.clock.Now().Unix(),
	})
}

func (s *Store) ClearCheckpoint(ctx context.Context, source bid.SourceKind, queryKey string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.DeleteCheckpoint(ctx, string(source), queryKey)
}

// RawFetch is one undecoded upstream response kept for audit.
type RawFetch struct {
	Source             bid.SourceKind
	RequestFingerprint string
	Status             int
	ContentType        string
	Payload            []byte
}

// RequestFingerprint hashes a request by source and its non-empty params in
// key order.
func RequestFingerprint(source bid.SourceKind, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha256.Sum256([]byte(string(source) + ":" + strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])
}

func (s *Store) SaveRawFetch(ctx context.Context, raw RawFetch) error {
	sum := sha256.Sum256(raw.Payload)
	payload := raw.Payload
	if payload == nil {
		payload = []byte{}
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.InsertRawFetch(ctx, db.InsertRawFetchParams{
		Source:             string(raw.Source),
		FetchedAt:          s.clock.Now().Unix(),
		RequestFingerprint: raw.RequestFingerprint,
		HttpStatus:         int64(raw.Status),
		ContentType:        raw.ContentType,
		RawHash:            hex.EncodeToString(sum[:]),
		RawPayload:         payload,
	})
}

func (s *Store) StartIngestRun(ctx context.Context, id, kind string, startedAt time.Time) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.CreateIngestRun(ctx, id, kind, startedAt.Unix())
}

// FinishIngestRun stores the JSON encoding of report against the run.
func (s *Store) FinishIngestRun(ctx context.Context, id string, finishedAt time.Time, report any) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("store: encode ingest report: %w", err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.qry.FinishIngestRun(ctx, finishedAt.Unix(), string(encoded), id)
}
