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

// UpsertBatch applies one page of bids in a single transaction. A failure or
// cancellation leaves none of the page applied. Results are in input order.
func (s *Store) UpsertBatch(ctx context.Context, bids []bid.Bid) ([]bid.UpsertResult, error) {
	if len(bids) == 0 {
		return nil, nil
	}

	now := s.clock.Now().Unix()
	results := make([]bid.UpsertResult, len(bids))
	err := s.withTx(ctx, func(txqry *db.Queries) error {
		for i, b := range bids {
			result, err := s.upsertBid(ctx, txqry, b, now)
			if err != nil {
				return fmt.Errorf("upsert %s %s: %w", b.Source, b.NaturalKey(), err)
			}
			results[i] = result
		}
		return nil
	})
	if err != nil {
		s.tel.ReportBroken(report_store_upsert_batch, err, len(bids))
		return nil, err
	}
	return results, nil
}

func (s *Store) upsertBid(ctx context.Context, txqry *db.Queries, b bid.Bid, now int64) (bid.UpsertResult, error) {
	params, err := toBidParams(b)
	if err != nil {
		return bid.UpsertResult{}, err
	}
	key := db.GetBidByKeyParams{Source: params.Source, NaturalKey: params.NaturalKey}

	existing, err := txqry.GetBidByKey(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		params.SeenAt = now
		result, err := txqry.InsertBid(ctx, params)
		if err != nil {
			return bid.UpsertResult{}, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return bid.UpsertResult{}, err
		}
		if affected == 1 {
			id, err := result.LastInsertId()
			if err != nil {
				return bid.UpsertResult{}, err
			}
			return bid.UpsertResult{ID: id, Outcome: bid.OutcomeInserted}, nil
		}

		// another writer got there first, treat it as an existing row
		s.tel.ReportDebug("absorbed conflict", bid.ErrStoreConflict.Error(), params.NaturalKey)
		existing, err = txqry.GetBidByKey(ctx, key)
	}
	if err != nil {
		return bid.UpsertResult{}, err
	}

	current, err := fromBidRow(existing, s.location())
	if err != nil {
		return bid.UpsertResult{}, err
	}
	if b.SameContent(current) {
		if err := txqry.TouchBid(ctx, now, existing.ID); err != nil {
			return bid.UpsertResult{}, err
		}
		return bid.UpsertResult{ID: existing.ID, Outcome: bid.OutcomeUnchanged}, nil
	}

	err = txqry.UpdateBid(ctx, db.UpdateBidParams{
		ID:              existing.ID,
		CaseNumber:      params.CaseNumber,
		Title:           params.Title,
		Organization:    params.Organization,
		OrgCode:         params.OrgCode,
		ProcurementType: params.ProcurementType,
		ItemCategory:    params.ItemCategory,
		PublishedDate:   params.PublishedDate,
		Deadline:        params.Deadline,
		DetailUrl:       params.DetailUrl,
		DocumentUrls:    params.DocumentUrls,
		Region:          params.Region,
		Description:     params.Description,
		RawFingerprint:  params.RawFingerprint,
		LastSeenAt:      now,
	})
	if err != nil {
		return bid.UpsertResult{}, err
	}
	return bid.UpsertResult{ID: existing.ID, Outcome: bid.OutcomeUpdated}, nil
}

func toBidParams(b bid.Bid) (db.InsertBidParams, error) {
	documents := b.DocumentURLs
	if documents == nil {
		documents = []string{}
	}
	encoded, err := json.Marshal(documents)
	if err != nil {
		return db.InsertBidParams{}, err
	}

	params := db.InsertBidParams{
		Source:          string(b.Source),
		NaturalKey:      b.NaturalKey(),
		CaseNumber:      nullString(b.CaseNumber),
		Title:           b.Title,
		Organization:    b.Organization,
		OrgCode:         nullString(b.OrgCode),
		ProcurementType: nullString(b.ProcurementType),
		ItemCategory:    nullString(b.ItemCategory),
		PublishedDate:   nullDate(b.PublishedDate),
		DetailUrl:       nullString(b.DetailURL),
		DocumentUrls:    string(encoded),
		Region:          nullString(b.Region),
		Description:     nullString(b.Description),
		RawFingerprint:  b.RawFingerprint,
	}
	if b.Deadline != nil {
		params.Deadline = nullDate(*b.Deadline)
	}
	return params, nil
}

func fromBidRow(row db.Bid, loc *time.Location) (bid.Bid, error) {
	out := bid.Bid{
		ID:              row.ID,
		Source:          bid.SourceKind(row.Source),
		CaseNumber:      row.CaseNumber.String,
		Title:           row.Title,
		Organization:    row.Organization,
		OrgCode:         row.OrgCode.String,
		ProcurementType: row.ProcurementType.String,
		ItemCategory:    row.ItemCategory.String,
		PublishedDate:   parseDate(row.PublishedDate, loc),
		DetailURL:       row.DetailUrl.String,
		Region:          row.Region.String,
		Description:     row.Description.String,
		RawFingerprint:  row.RawFingerprint,
		FirstSeenAt:     time.Unix(row.FirstSeenAt, 0).In(loc),
		LastSeenAt:      time.Unix(row.LastSeenAt, 0).In(loc),
	}
	if deadline := parseDate(row.Deadline, loc); !deadline.IsZero() {
		out.Deadline = &deadline
	}

	var documents []string
	if err := json.Unmarshal([]byte(row.DocumentUrls), &documents); err != nil {
		return bid.Bid{}, fmt.Errorf("decode document urls of bid %d: %w", row.ID, err)
	}
	if len(documents) > 0 {
		out.DocumentURLs = documents
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func likePattern(value string) string {
	return "%" + likeEscaper.Replace(value) + "%"
}

// idList binds row ids as one JSON array parameter read back with
// json_each, so long lists stay clear of SQLite's variable limit.
func idList(ids []int64) string {
	encoded, _ := json.Marshal(ids)
	return string(encoded)
}

const previousHitsOf = `select h.bid_id from saved_search_hits h
join saved_search_runs r on h.saved_search_run_id = r.id
where r.saved_search_id = ?`

// where renders the filter part of a predicate.
func where(p bid.Predicate) (string, []any) {
	var conditions []string
	var args []any

	if p.Keyword != "" {
		pattern := likePattern(p.Keyword)
		conditions = append(conditions, `(title like ? escape '\' or description like ? escape '\')`)
		args = append(args, pattern, pattern)
	}
	if p.From != nil {
		conditions = append(conditions, "published_date >= ?")
		args = append(args, p.From.Format(bid.DateLayout))
	}
	if p.To != nil {
		conditions = append(conditions, "published_date <= ?")
		args = append(args, p.To.Format(bid.DateLayout))
	}
	if p.Organization != "" {
		conditions = append(conditions, `organization like ? escape '\'`)
		args = append(args, likePattern(p.Organization))
	}
	if p.Source != "" && p.Source != "all" {
		conditions = append(conditions, "source = ?")
		args = append(args, string(p.Source))
	}
	if p.IDs != nil {
		if len(p.IDs) == 0 {
			conditions = append(conditions, "0")
		} else {
			conditions = append(conditions, "id in (select value from json_each(?))")
			args = append(args, idList(p.IDs))
		}
	}
	if p.FirstSeenSince != nil {
		conditions = append(conditions, "first_seen_at >= ?")
		args = append(args, p.FirstSeenSince.Unix())
	}
	if len(p.ExcludeIDs) > 0 {
		conditions = append(conditions, "id not in (select value from json_each(?))")
		args = append(args, idList(p.ExcludeIDs))
	}
	if p.ExcludeHitsOf != 0 {
		conditions = append(conditions, "id not in ("+previousHitsOf+")")
		args = append(args, p.ExcludeHitsOf)
	}

	if len(conditions) == 0 {
		return "1 = 1", args
	}
	return strings.Join(conditions, " and "), args
}

func orderBy(order bid.Order) string {
	if order == bid.OrderDeadline {
		return "deadline is null, deadline asc, id asc"
	}
	return "coalesce(published_date, date(first_seen_at, 'unixepoch')) desc, id desc"
}

// QueryBids returns the bids matching p, ordered by p.Order (newest first by
// default; by deadline with unknown deadlines last).
func (s *Store) QueryBids(ctx context.Context, p bid.Predicate) ([]bid.Bid, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	filter, args := where(p)
	query := "select " + db.BidColumns + " from bids where " + filter + " order by " + orderBy(p.Order)
	switch {
	case p.Limit > 0:
		query += " limit ? offset ?"
		args = append(args, p.Limit, p.Offset)
	case p.Offset > 0:
		query += " limit -1 offset ?"
		args = append(args, p.Offset)
	}

	rows, err := s.qry.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query bids: %w", err)
	}
	defer rows.Close()

	var out []bid.Bid
	for rows.Next() {
		row, err := db.ScanBid(rows)
		if err != nil {
			return nil, err
		}
		b, err := fromBidRow(row, s.location())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBids counts the bids matching p, ignoring its limit and offset.
func (s *Store) CountBids(ctx context.Context, p bid.Predicate) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	filter, args := where(p)
	var count int
	err := s.qry.DB().QueryRowContext(ctx, "select count(*) from bids where "+filter, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count bids: %w", err)
	}
	return count, nil
}

// GetBid loads one bid by row id.
func (s *Store) GetBid(ctx context.Context, id int64) (bid.Bid, error) {
	bids, err := s.QueryBids(ctx, bid.Predicate{IDs: []int64{id}})
	if err != nil {
		return bid.Bid{}, err
	}
	if len(bids) == 0 {
		return bid.Bid{}, ErrNotFound
	}
	return bids[0], nil
}
