package bid

import (
	"fmt"
	"time"
)

type Order string

const (
	OrderNewest   Order = "newest"
	OrderDeadline Order = "deadline"
)

// Predicate is a store query. Zero fields do not filter.
type Predicate struct {
	Keyword      string     `json:"keyword,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
	Organization string     `json:"org,omitempty"`
	Source       SourceKind `json:"source,omitempty"`
	Order        Order      `json:"order_by,omitempty"`

	// IDs restricts the result to the given rows when non-nil.
	IDs []int64 `json:"-"`
	// FirstSeenSince restricts the result to rows first seen at or after it.
	FirstSeenSince *time.Time `json:"-"`
	// ExcludeIDs removes the given rows from the result.
	ExcludeIDs []int64 `json:"-"`
	// ExcludeHitsOf removes every row an earlier run of the saved search
	// with this id matched.
	ExcludeHitsOf int64 `json:"-"`

	Limit  int `json:"-"`
	Offset int `json:"-"`
}

func (p Predicate) Validate() error {
	switch p.Order {
	case "", OrderNewest, OrderDeadline:
	default:
		return fmt.Errorf("unknown order %q", p.Order)
	}
	if p.Source != "" && p.Source != "all" && !p.Source.Valid() {
		return fmt.Errorf("unknown source %q", p.Source)
	}
	if p.From != nil && p.To != nil && p.To.Before(*p.From) {
		return fmt.Errorf("range end %s is before start %s", p.To.Format(DateLayout), p.From.Format(DateLayout))
	}
	if p.Limit < 0 || p.Offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}
	return nil
}

// ParseDate accepts the CLI and config date layout.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD: %w", value, err)
	}
	return t, nil
}
