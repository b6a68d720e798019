package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/store/db"
)

// UpsertAwards applies a batch of award records keyed on case number, with
// the same outcome rules as UpsertBatch.
func (s *Store) UpsertAwards(ctx context.Context, awards []bid.AwardRecord) ([]bid.Outcome, error) {
	if len(awards) == 0 {
		return nil, nil
	}

	now := s.clock.Now().Unix()
	outcomes := make([]bid.Outcome, len(awards))
	err := s.withTx(ctx, func(txqry *db.Queries) error {
		for i, a := range awards {
			outcome, err := s.upsertAward(ctx, txqry, a, now)
			if err != nil {
				return fmt.Errorf("upsert award %s: %w", a.CaseNumber, err)
			}
			outcomes[i] = outcome
		}
		return nil
	})
	if err != nil {
		s.tel.ReportBroken(report_store_upsert_awards, err, len(awards))
		return nil, err
	}
	return outcomes, nil
}

func (s *Store) upsertAward(ctx context.Context, txqry *db.Queries, a bid.AwardRecord, now int64) (bid.Outcome, error) {
	outcome := bid.OutcomeInserted
	existing, err := txqry.GetAward(ctx, a.CaseNumber)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", err
	default:
		if a.SameContent(fromAwardRow(existing, time.UTC)) {
			return bid.OutcomeUnchanged, txqry.TouchAward(ctx, now, a.CaseNumber)
		}
		outcome = bid.OutcomeUpdated
	}

	err = txqry.UpsertAward(ctx, db.UpsertAwardParams{
		CaseNumber:      a.CaseNumber,
		Title:           a.Title,
		AwardDate:       nullDate(a.AwardDate),
		AwardAmount:     a.AwardAmount,
		ProcurementType: nullString(a.ProcurementType),
		OrgCode:         nullString(a.OrgCode),
		WinnerName:      nullString(a.WinnerName),
		CorporateNumber: nullString(a.CorporateNumber),
		SeenAt:          now,
	})
	return outcome, err
}

func fromAwardRow(row db.Award, loc *time.Location) bid.AwardRecord {
	return bid.AwardRecord{
		CaseNumber:      row.CaseNumber,
		Title:           row.Title,
		AwardDate:       parseDate(row.AwardDate, loc),
		AwardAmount:     row.AwardAmount,
		ProcurementType: row.ProcurementType.String,
		OrgCode:         row.OrgCode.String,
		WinnerName:      row.WinnerName.String,
		CorporateNumber: row.CorporateNumber.String,
		FirstSeenAt:     time.Unix(row.FirstSeenAt, 0).In(loc),
		LastSeenAt:      time.Unix(row.LastSeenAt, 0).In(loc),
	}
}

// ListAwards returns the most recent awards first.
func (s *Store) ListAwards(ctx context.Context, limit int) ([]bid.AwardRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.qry.ListAwards(ctx, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]bid.AwardRecord, len(rows))
	for i, row := range rows {
		out[i] = fromAwardRow(row, time.UTC)
	}
	return out, nil
}
