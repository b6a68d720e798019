package bid

import (
	"errors"
	"fmt"
)

// ErrTransientNetwork marks a fetch failure worth retrying.
var ErrTransientNetwork = errors.New("transient network failure")

// ErrStoreConflict is raised when two writers race on one natural key. The
// store resolves it by re-reading inside the transaction, it is never fatal.
var ErrStoreConflict = errors.New("store conflict")

// ResultCapExceededError is returned by a capped connector when a query
// matches more rows than the server will return. Callers split the range.
type ResultCapExceededError struct {
	Total int
	Cap   int
}

func (e *ResultCapExceededError) Error() string {
	return fmt.Sprintf("result cap exceeded: %d results, cap %d", e.Total, e.Cap)
}

// CapExceededAtMinimumGranularity describes a single day whose results still
// exceed the cap. It is reported, not raised.
type CapExceededAtMinimumGranularity struct {
	Day   DateRange
	Count int
	Cap   int
}

func (c CapExceededAtMinimumGranularity) String() string {
	return fmt.Sprintf("%s: %d results exceed cap %d at single-day granularity", c.Day.From.Format(DateLayout), c.Count, c.Cap)
}

// StructuralDriftError means a scraped page no longer has the expected
// layout. The page is skipped and never retried. NextPageToken is set when
// the pager could still be read, so later pages remain reachable.
type StructuralDriftError struct {
	PageID        string
	Reason        string
	NextPageToken string
}

func (e *StructuralDriftError) Error() string {
	return fmt.Sprintf("structural drift on page %s: %s", e.PageID, e.Reason)
}

// RejectedError is returned by normalization for records that cannot be
// identified.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("normalization rejected: %s", e.Reason)
}

// APIError is an error reported inside a successful response body.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s", e.Message)
}

// DriftNextPage returns the page token after a drifted page, if the pager
// was still readable.
func DriftNextPage(err error) (string, bool) {
	var target *StructuralDriftError
	if !errors.As(err, &target) || target.NextPageToken == "" {
		return "", false
	}
	return target.NextPageToken, true
}

func IsStructuralDrift(err error) bool {
	var target *StructuralDriftError
	return errors.As(err, &target)
}

func IsRejected(err error) bool {
	var target *RejectedError
	return errors.As(err, &target)
}
