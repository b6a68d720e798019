// Package sources defines the connector capability shared by every
// upstream the aggregator reads from.
package sources

import (
	"context"

	"bidaggregator/internal/bid"
)

// RawRecord is one upstream record before normalization. Fields are keyed
// by the connector's own field names, the normalizer owns the mapping.
type RawRecord struct {
	Fields      map[string]string
	Attachments []Attachment
	// PageID identifies the page the record was read from.
	PageID string
}

func (r RawRecord) Get(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

type Attachment struct {
	Name string
	URI  string
}

// Query is the source-neutral search request. Connectors ignore fields they
// do not support.
type Query struct {
	// Name keys checkpoints, it is not sent upstream.
	Name          string
	Keyword       string
	Organization  string
	LGCode        string
	Category      string
	ProcedureType string
	// Range filters on publication date when valid.
	Range bid.DateRange
}

// Page is one fetched page. An empty NextPageToken means the sequence is
// finished. TotalCount is -1 when the upstream does not report one.
type Page struct {
	Records       []RawRecord
	NextPageToken string
	TotalCount    int
	// Raw is the undecoded response body, kept for audit.
	Raw         []byte
	ContentType string
	Status      int
}

// Connector is implemented by every source. The same query and token always
// address the same page, so a failed fetch can be retried or resumed.
type Connector interface {
	Kind() bid.SourceKind
	FetchPage(ctx context.Context, query Query, pageToken string) (Page, error)
}

// CappedConnector is a connector whose queries return at most Cap rows. When
// a query matches more, FetchPage returns *bid.ResultCapExceededError along
// with the truncated page.
type CappedConnector interface {
	Connector
	Cap() int
	// Count probes the number of matches of the query without fetching rows.
	Count(ctx context.Context, query Query) (int, error)
}

// QueryValidator is implemented by connectors that refuse some queries
// before sending them upstream.
type QueryValidator interface {
	Connector
	ValidateQuery(query Query) error
}

// DetailConnector can enrich a listing record from its detail page.
type DetailConnector interface {
	Connector
	FetchDetail(ctx context.Context, detailURL string) (RawRecord, error)
}

// Files lists the downloadable award archives.
type Files struct {
	Yearly []string
	Diff   []string
}

// AwardConnector downloads award open-data archives.
type AwardConnector interface {
	Connector
	ListAvailableFiles(ctx context.Context) (Files, error)
	Download(ctx context.Context, filename string) ([]bid.AwardRecord, error)
}
