package db

import (
	"context"
	"database/sql"
)

const bidColumns = `id, source, natural_key, case_number, title, organization, org_code,
procurement_type, item_category, published_date, deadline, detail_url,
document_urls, region, description, raw_fingerprint, first_seen_at, last_seen_at`

// BidColumns is the column list ScanBid expects.
const BidColumns = bidColumns

type scanner interface {
	Scan(dest ...any) error
}

func ScanBid(row scanner) (Bid, error) {
	var i Bid
	err := row.Scan(
		&i.ID,
		&i.Source,
		&i.NaturalKey,
		&i.CaseNumber,
		&i.Title,
		&i.Organization,
		&i.OrgCode,
		&i.ProcurementType,
		&i.ItemCategory,
		&i.PublishedDate,
		&i.Deadline,
		&i.DetailUrl,
		&i.DocumentUrls,
		&i.Region,
		&i.Description,
		&i.RawFingerprint,
		&i.FirstSeenAt,
		&i.LastSeenAt,
	)
	return i, err
}

const getBidByKey = `-- name: GetBidByKey :one
select ` + bidColumns + ` from bids
where source = ? and natural_key = ?
`

type GetBidByKeyParams struct {
	Source     string
	NaturalKey string
}

func (q *Queries) GetBidByKey(ctx context.Context, arg GetBidByKeyParams) (Bid, error) {
	row := q.db.QueryRowContext(ctx, getBidByKey, arg.Source, arg.NaturalKey)
	return ScanBid(row)
}

const insertBid = `-- name: InsertBid :execresult
insert into bids (
    source, natural_key, case_number, title, organization, org_code,
    procurement_type, item_category, published_date, deadline, detail_url,
    document_urls, region, description, raw_fingerprint, first_seen_at, last_seen_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict (source, natural_key) do nothing
`

type InsertBidParams struct {
	Source          string
	NaturalKey      string
	CaseNumber      sql.NullString
	Title           string
	Organization    string
	OrgCode         sql.NullString
	ProcurementType sql.NullString
	ItemCategory    sql.NullString
	PublishedDate   sql.NullString
	Deadline        sql.NullString
	DetailUrl       sql.NullString
	DocumentUrls    string
	Region          sql.NullString
	Description     sql.NullString
	RawFingerprint  string
	SeenAt          int64
}

func (q *Queries) InsertBid(ctx context.Context, arg InsertBidParams) (sql.Result, error) {
	return q.db.ExecContext(ctx, insertBid,
		arg.Source,
		arg.NaturalKey,
		arg.CaseNumber,
		arg.Title,
		arg.Organization,
		arg.OrgCode,
		arg.ProcurementType,
		arg.ItemCategory,
		arg.PublishedDate,
		arg.Deadline,
		arg.DetailUrl,
		arg.DocumentUrls,
		arg.Region,
		arg.Description,
		arg.RawFingerprint,
		arg.SeenAt,
		arg.SeenAt,
	)
}

const updateBid = `-- name: UpdateBid :exec
update bids set
    case_number = ?,
    title = ?,
    organization = ?,
    org_code = ?,
    procurement_type = ?,
    item_category = ?,
    published_date = ?,
    deadline = ?,
    detail_url = ?,
    document_urls = ?,
    region = ?,
    description = ?,
    raw_fingerprint = ?,
    last_seen_at = ?
where id = ?
`

type UpdateBidParams struct {
	ID              int64
	CaseNumber      sql.NullString
	Title           string
	Organization    string
	OrgCode         sql.NullString
	ProcurementType sql.NullString
	ItemCategory    sql.NullString
	PublishedDate   sql.NullString
	Deadline        sql.NullString
	DetailUrl       sql.NullString
	DocumentUrls    string
	Region          sql.NullString
	Description     sql.NullString
	RawFingerprint  string
	LastSeenAt      int64
}

func (q *Queries) UpdateBid(ctx context.Context, arg UpdateBidParams) error {
	_, err := q.db.ExecContext(ctx, updateBid,
		arg.CaseNumber,
		arg.Title,
		arg.Organization,
		arg.OrgCode,
		arg.ProcurementType,
		arg.ItemCategory,
		arg.PublishedDate,
		arg.Deadline,
		arg.DetailUrl,
		arg.DocumentUrls,
		arg.Region,
		arg.Description,
		arg.RawFingerprint,
		arg.LastSeenAt,
		arg.ID,
	)
	return err
}

const touchBid = `-- name: TouchBid :exec
update bids set last_seen_at = ? where id = ?
`

func (q *Queries) TouchBid(ctx context.Context, lastSeenAt int64, id int64) error {
	_, err := q.db.ExecContext(ctx, touchBid, lastSeenAt, id)
	return err
}

const getAward = `-- name: GetAward :one
select case_number, title, award_date, award_amount, procurement_type, org_code,
    winner_name, corporate_number, first_seen_at, last_seen_at
from awards where case_number = ?
`

func (q *Queries) GetAward(ctx context.Context, caseNumber string) (Award, error) {
	row := q.db.QueryRowContext(ctx, getAward, caseNumber)
	var i Award
	err := row.Scan(
		&i.CaseNumber,
		&i.Title,
		&i.AwardDate,
		&i.AwardAmount,
		&i.ProcurementType,
		&i.OrgCode,
		&i.WinnerName,
		&i.CorporateNumber,
		&i.FirstSeenAt,
		&i.LastSeenAt,
	)
	return i, err
}

const upsertAward = `-- name: UpsertAward :exec
insert into awards (
    case_number, title, award_date, award_amount, procurement_type, org_code,
    winner_name, corporate_number, first_seen_at, last_seen_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict (case_number) do update set
    title = excluded.title,
    award_date = excluded.award_date,
    award_amount = excluded.award_amount,
    procurement_type = excluded.procurement_type,
    org_code = excluded.org_code,
    winner_name = excluded.winner_name,
    corporate_number = excluded.corporate_number,
    last_seen_at = excluded.last_seen_at
`

type UpsertAwardParams struct {
	CaseNumber      string
	Title           string
	AwardDate       sql.NullString
	AwardAmount     int64
	ProcurementType sql.NullString
	OrgCode         sql.NullString
	WinnerName      sql.NullString
	CorporateNumber sql.NullString
	SeenAt          int64
}

func (q *Queries) UpsertAward(ctx context.Context, arg UpsertAwardParams) error {
	_, err := q.db.ExecContext(ctx, upsertAward,
		arg.CaseNumber,
		arg.Title,
		arg.AwardDate,
		arg.AwardAmount,
		arg.ProcurementType,
		arg.OrgCode,
		arg.WinnerName,
		arg.CorporateNumber,
		arg.SeenAt,
		arg.SeenAt,
	)
	return err
}

const touchAward = `-- name: TouchAward :exec
update awards set last_seen_at = ? where case_number = ?
`

func (q *Queries) TouchAward(ctx context.Context, lastSeenAt int64, caseNumber string) error {
	_, err := q.db.ExecContext(ctx, touchAward, lastSeenAt, caseNumber)
	return err
}

const listAwards = `-- name: ListAwards :many
select case_number, title, award_date, award_amount, procurement_type, org_code,
    winner_name, corporate_number, first_seen_at, last_seen_at
from awards
order by award_date desc, case_number
limit ?
`

func (q *Queries) ListAwards(ctx context.Context, limit int64) ([]Award, error) {
	rows, err := q.db.QueryContext(ctx, listAwards, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Award
	for rows.Next() {
		var i Award
		if err := rows.Scan(
			&i.CaseNumber,
			&i.Title,
			&i.AwardDate,
			&i.AwardAmount,
			&i.ProcurementType,
			&i.OrgCode,
			&i.WinnerName,
			&i.CorporateNumber,
			&i.FirstSeenAt,
			&i.LastSeenAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertRawFetch = `-- name: InsertRawFetch :exec
insert into raw_fetch (
    source, fetched_at, request_fingerprint, http_status, content_type, raw_hash, raw_payload
) values (?, ?, ?, ?, ?, ?, ?)
`

type InsertRawFetchParams struct {
	Source             string
	FetchedAt          int64
	RequestFingerprint string
	HttpStatus         int64
	ContentType        string
	RawHash            string
	RawPayload         []byte
}

func (q *Queries) InsertRawFetch(ctx context.Context, arg InsertRawFetchParams) error {
	_, err := q.db.ExecContext(ctx, insertRawFetch,
		arg.Source,
		arg.FetchedAt,
		arg.RequestFingerprint,
		arg.HttpStatus,
		arg.ContentType,
		arg.RawHash,
		arg.RawPayload,
	)
	return err
}

const getCheckpoint = `-- name: GetCheckpoint :one
select source, query_key, range_from, range_end, updated_at
from checkpoints where source = ? and query_key = ?
`

func (q *Queries) GetCheckpoint(ctx context.Context, source, queryKey string) (Checkpoint, error) {
	row := q.db.QueryRowContext(ctx, getCheckpoint, source, queryKey)
	var i Checkpoint
	err := row.Scan(&i.Source, &i.QueryKey, &i.RangeFrom, &i.RangeEnd, &i.UpdatedAt)
	return i, err
}

const setCheckpoint = `-- name: SetCheckpoint :exec
insert into checkpoints (source, query_key, range_from, range_end, updated_at)
values (?, ?, ?, ?, ?)
on conflict (source, query_key) do update set
    range_from = excluded.range_from,
    range_end = excluded.range_end,
    updated_at = excluded.updated_at
`

func (q *Queries) SetCheckpoint(ctx context.Context, arg Checkpoint) error {
	_, err := q.db.ExecContext(ctx, setCheckpoint,
		arg.Source,
		arg.QueryKey,
		arg.RangeFrom,
		arg.RangeEnd,
		arg.UpdatedAt,
	)
	return err
}

const deleteCheckpoint = `-- name: DeleteCheckpoint :exec
delete from checkpoints where source = ? and query_key = ?
`

func (q *Queries) DeleteCheckpoint(ctx context.Context, source, queryKey string) error {
	_, err := q.db.ExecContext(ctx, deleteCheckpoint, source, queryKey)
	return err
}

const createIngestRun = `-- name: CreateIngestRun :exec
insert into ingest_runs (id, kind, started_at) values (?, ?, ?)
`

func (q *Queries) CreateIngestRun(ctx context.Context, id, kind string, startedAt int64) error {
	_, err := q.db.ExecContext(ctx, createIngestRun, id, kind, startedAt)
	return err
}

const finishIngestRun = `-- name: FinishIngestRun :exec
update ingest_runs set finished_at = ?, report = ? where id = ?
`

func (q *Queries) FinishIngestRun(ctx context.Context, finishedAt int64, report string, id string) error {
	_, err := q.db.ExecContext(ctx, finishIngestRun, finishedAt, report, id)
	return err
}

const savedSearchColumns = `id, name, predicate, schedule, only_new, enabled, last_run_at, created_at, updated_at`

func scanSavedSearch(row scanner) (SavedSearch, error) {
	var i SavedSearch
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Predicate,
		&i.Schedule,
		&i.OnlyNew,
		&i.Enabled,
		&i.LastRunAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createSavedSearch = `-- name: CreateSavedSearch :one
insert into saved_searches (name, predicate, schedule, only_new, enabled, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?)
returning id
`

type CreateSavedSearchParams struct {
	Name      string
	Predicate string
	Schedule  string
	OnlyNew   bool
	Enabled   bool
	CreatedAt int64
}

func (q *Queries) CreateSavedSearch(ctx context.Context, arg CreateSavedSearchParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, createSavedSearch,
		arg.Name,
		arg.Predicate,
		arg.Schedule,
		arg.OnlyNew,
		arg.Enabled,
		arg.CreatedAt,
		arg.CreatedAt,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const getSavedSearch = `-- name: GetSavedSearch :one
select ` + savedSearchColumns + ` from saved_searches where name = ?
`

func (q *Queries) GetSavedSearch(ctx context.Context, name string) (SavedSearch, error) {
	return scanSavedSearch(q.db.QueryRowContext(ctx, getSavedSearch, name))
}

const listSavedSearches = `-- name: ListSavedSearches :many
select ` + savedSearchColumns + ` from saved_searches
where enabled = 1 or ? = 0
order by name
`

func (q *Queries) ListSavedSearches(ctx context.Context, enabledOnly bool) ([]SavedSearch, error) {
	rows, err := q.db.QueryContext(ctx, listSavedSearches, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SavedSearch
	for rows.Next() {
		i, err := scanSavedSearch(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteSavedSearch = `-- name: DeleteSavedSearch :execrows
delete from saved_searches where name = ?
`

func (q *Queries) DeleteSavedSearch(ctx context.Context, name string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteSavedSearch, name)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const setSavedSearchLastRun = `-- name: SetSavedSearchLastRun :exec
update saved_searches set last_run_at = ?, updated_at = ? where id = ?
`

func (q *Queries) SetSavedSearchLastRun(ctx context.Context, lastRunAt int64, id int64) error {
	_, err := q.db.ExecContext(ctx, setSavedSearchLastRun, lastRunAt, lastRunAt, id)
	return err
}

const createSavedSearchRun = `-- name: CreateSavedSearchRun :one
insert into saved_search_runs (saved_search_id, predicate_snapshot, run_at, hit_count, status)
values (?, ?, ?, 0, 'running')
returning id
`

func (q *Queries) CreateSavedSearchRun(ctx context.Context, savedSearchID int64, predicateSnapshot string, runAt int64) (int64, error) {
	row := q.db.QueryRowContext(ctx, createSavedSearchRun, savedSearchID, predicateSnapshot, runAt)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const finishSavedSearchRun = `-- name: FinishSavedSearchRun :exec
update saved_search_runs set
    hit_count = ?,
    status = ?,
    error_message = ?,
    notified_channels = ?,
    notify_status = ?,
    notify_error = ?
where id = ?
`

type FinishSavedSearchRunParams struct {
	ID               int64
	HitCount         int64
	Status           string
	ErrorMessage     sql.NullString
	NotifiedChannels sql.NullString
	NotifyStatus     sql.NullString
	NotifyError      sql.NullString
}

func (q *Queries) FinishSavedSearchRun(ctx context.Context, arg FinishSavedSearchRunParams) error {
	_, err := q.db.ExecContext(ctx, finishSavedSearchRun,
		arg.HitCount,
		arg.Status,
		arg.ErrorMessage,
		arg.NotifiedChannels,
		arg.NotifyStatus,
		arg.NotifyError,
		arg.ID,
	)
	return err
}

const listSavedSearchRuns = `-- name: ListSavedSearchRuns :many
select id, saved_search_id, predicate_snapshot, run_at, hit_count, status,
    error_message, notified_channels, notify_status, notify_error
from saved_search_runs
where saved_search_id = ?
order by run_at desc, id desc
`

func (q *Queries) ListSavedSearchRuns(ctx context.Context, savedSearchID int64) ([]SavedSearchRun, error) {
	rows, err := q.db.QueryContext(ctx, listSavedSearchRuns, savedSearchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SavedSearchRun
	for rows.Next() {
		var i SavedSearchRun
		if err := rows.Scan(
			&i.ID,
			&i.SavedSearchID,
			&i.PredicateSnapshot,
			&i.RunAt,
			&i.HitCount,
			&i.Status,
			&i.ErrorMessage,
			&i.NotifiedChannels,
			&i.NotifyStatus,
			&i.NotifyError,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createSavedSearchHit = `-- name: CreateSavedSearchHit :exec
insert into saved_search_hits (saved_search_run_id, bid_id, raw_fingerprint, matched_at)
values (?, ?, ?, ?)
`

func (q *Queries) CreateSavedSearchHit(ctx context.Context, runID, bidID int64, rawFingerprint string, matchedAt int64) error {
	_, err := q.db.ExecContext(ctx, createSavedSearchHit, runID, bidID, rawFingerprint, matchedAt)
	return err
}

const markHitsNotified = `-- name: MarkHitsNotified :exec
update saved_search_hits set notified_at = ? where saved_search_run_id = ?
`

func (q *Queries) MarkHitsNotified(ctx context.Context, notifiedAt int64, runID int64) error {
	_, err := q.db.ExecContext(ctx, markHitsNotified, notifiedAt, runID)
	return err
}

const recordNotification = `-- name: RecordNotification :exec
insert into saved_search_notifications (
    saved_search_run_id, channel, recipient, status, attempt_count, last_attempt_at, error_message, dedupe_key
) values (?, ?, ?, ?, 1, ?, ?, ?)
on conflict (dedupe_key) do update set
    status = excluded.status,
    attempt_count = saved_search_notifications.attempt_count + 1,
    last_attempt_at = excluded.last_attempt_at,
    error_message = excluded.error_message
`

type RecordNotificationParams struct {
	SavedSearchRunID int64
	Channel          string
	Recipient        string
	Status           string
	LastAttemptAt    int64
	ErrorMessage     sql.NullString
	DedupeKey        string
}

func (q *Queries) RecordNotification(ctx context.Context, arg RecordNotificationParams) error {
	_, err := q.db.ExecContext(ctx, recordNotification,
		arg.SavedSearchRunID,
		arg.Channel,
		arg.Recipient,
		arg.Status,
		arg.LastAttemptAt,
		arg.ErrorMessage,
		arg.DedupeKey,
	)
	return err
}

const listNotifications = `-- name: ListNotifications :many
select id, saved_search_run_id, channel, recipient, status, attempt_count,
    last_attempt_at, error_message, dedupe_key
from saved_search_notifications
where saved_search_run_id = ?
order by id
`

func (q *Queries) ListNotifications(ctx context.Context, runID int64) ([]SavedSearchNotification, error) {
	rows, err := q.db.QueryContext(ctx, listNotifications, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SavedSearchNotification
	for rows.Next() {
		var i SavedSearchNotification
		if err := rows.Scan(
			&i.ID,
			&i.SavedSearchRunID,
			&i.Channel,
			&i.Recipient,
			&i.Status,
			&i.AttemptCount,
			&i.LastAttemptAt,
			&i.ErrorMessage,
			&i.DedupeKey,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countRows = `-- name: CountRows :one
select
    (select count(*) from bids) as bids,
    (select count(*) from bids where source = 'api') as api_bids,
    (select count(*) from bids where source = 'scrape') as scrape_bids,
    (select count(*) from awards) as awards,
    (select count(*) from raw_fetch) as raw_fetches,
    (select count(*) from saved_searches) as saved_searches,
    (select count(*) from saved_search_runs) as saved_search_runs,
    (select count(*) from ingest_runs) as ingest_runs,
    (select max(last_seen_at) from bids) as last_seen_at
`

type CountRowsRow struct {
	Bids            int64
	ApiBids         int64
	ScrapeBids      int64
	Awards          int64
	RawFetches      int64
	SavedSearches   int64
	SavedSearchRuns int64
	IngestRuns      int64
	LastSeenAt      sql.NullInt64
}

func (q *Queries) CountRows(ctx context.Context) (CountRowsRow, error) {
	row := q.db.QueryRowContext(ctx, countRows)
	var i CountRowsRow
	err := row.Scan(
		&i.Bids,
		&i.ApiBids,
		&i.ScrapeBids,
		&i.Awards,
		&i.RawFetches,
		&i.SavedSearches,
		&i.SavedSearchRuns,
		&i.IngestRuns,
		&i.LastSeenAt,
	)
	return i, err
}

const deleteSavedSearchNotifications = `-- name: DeleteSavedSearchNotifications :exec
delete from saved_search_notifications where saved_search_run_id in (
    select id from saved_search_runs where saved_search_id = ?
)
`

const deleteSavedSearchHits = `-- name: DeleteSavedSearchHits :exec
delete from saved_search_hits where saved_search_run_id in (
    select id from saved_search_runs where saved_search_id = ?
)
`

const deleteSavedSearchRuns = `-- name: DeleteSavedSearchRuns :exec
delete from saved_search_runs where saved_search_id = ?
`

// DeleteSavedSearchHistory removes every run of a saved search together with
// its hits and notifications.
func (q *Queries) DeleteSavedSearchHistory(ctx context.Context, savedSearchID int64) error {
	for _, stmt := range []string{
		deleteSavedSearchNotifications,
		deleteSavedSearchHits,
		deleteSavedSearchRuns,
	} {
		if _, err := q.db.ExecContext(ctx, stmt, savedSearchID); err != nil {
			return err
		}
	}
	return nil
}

const getSavedSearchID = `-- name: GetSavedSearchID :one
select id from saved_searches where name = ?
`

func (q *Queries) GetSavedSearchID(ctx context.Context, name string) (int64, error) {
	row := q.db.QueryRowContext(ctx, getSavedSearchID, name)
	var id int64
	err := row.Scan(&id)
	return id, err
}
