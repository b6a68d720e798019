// Package kkj is the connector for the 官公需情報ポータル search API.
//
// The API answers one XML document per query and never returns more than
// ResultCap rows. Queries matching more are reported with
// *bid.ResultCapExceededError so the caller can split the date range.
package kkj

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"bidaggregator/internal/assert"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/ratelimit"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/sources"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "http://www.kkj.go.jp/api/"
	ResultCap      = 1000
)

const (
	report_client_fetch_page = "client.fetch-page"
	report_client_count      = "client.count"
)

// ErrInvalidQuery is returned for queries the API would refuse.
var ErrInvalidQuery = errors.New("kkj: one of keyword, organization or lg code is required")

type Options struct {
	BaseURL      string
	Limiter      *ratelimit.Limiter
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	UserAgent    string
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.New(time.Second)
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RetryCount == 0 {
		o.RetryCount = 2
	}
	if o.RetryWait == 0 {
		o.RetryWait = time.Second
	}
	if o.RetryMaxWait == 0 {
		o.RetryMaxWait = 10 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "bidaggregator/1.0"
	}
	return o
}

type Client struct {
	http    *resty.Client
	baseURL string
	tel     telemetry.API
}

func New(opts Options, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("kkj", tel)
	opts = opts.withDefaults()

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("kkj: parse base url: %w", err)
	}
	host := base.Host

	httpClient := resty.New()
	httpClient.SetHeader("user-agent", opts.UserAgent)
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetRetryCount(opts.RetryCount)
	httpClient.SetRetryWaitTime(opts.RetryWait)
	httpClient.SetRetryMaxWaitTime(opts.RetryMaxWait)
	httpClient.AddRetryCondition(sources.Retryable)

	// runs before every attempt, retries included
	limiter := opts.Limiter
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Acquire(req.Context(), host)
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Client{http: httpClient, baseURL: opts.BaseURL, tel: tel}, nil
}

func (c *Client) Kind() bid.SourceKind {
	return bid.SourceAPI
}

func (c *Client) Cap() int {
	return ResultCap
}

func (c *Client) ValidateQuery(q sources.Query) error {
	_, err := buildParams(q, ResultCap)
	return err
}

func buildParams(q sources.Query, count int) (map[string]string, error) {
	if q.Keyword == "" && q.Organization == "" && q.LGCode == "" {
		return nil, ErrInvalidQuery
	}
	params := map[string]string{
		"Count": strconv.Itoa(min(count, ResultCap)),
	}
	if q.Keyword != "" {
		params["Query"] = q.Keyword
	}
	if q.Organization != "" {
		params["Organization_Name"] = q.Organization
	}
	if q.LGCode != "" {
		params["LG_Code"] = q.LGCode
	}
	if q.Category != "" {
		params["Category"] = q.Category
	}
	if q.ProcedureType != "" {
		params["Procedure_Type"] = q.ProcedureType
	}
	if q.Range.Valid() {
		params["CFT_Issue_Date"] = q.Range.String()
	}
	return params, nil
}

func (c *Client) search(ctx context.Context, q sources.Query, count int) (response, *resty.Response, error) {
	params, err := buildParams(q, count)
	if err != nil {
		return response{}, nil, err
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(c.baseURL)
	if err := sources.CheckResponse(ctx, res, err); err != nil {
		return response{}, res, fmt.Errorf("kkj: %w", err)
	}

	parsed, err := parseResponse(res.Body())
	if err != nil {
		return response{}, res, err
	}
	return parsed, res, nil
}

// FetchPage runs the query. The API has no pagination, so the only valid
// token is the empty one and the returned page is always the last.
func (c *Client) FetchPage(ctx context.Context, q sources.Query, pageToken string) (sources.Page, error) {
	if pageToken != "" {
		return sources.Page{}, fmt.Errorf("kkj: unexpected page token %q", pageToken)
	}

	parsed, res, err := c.search(ctx, q, ResultCap)
	if err != nil {
		c.tel.ReportBroken(report_client_fetch_page, err, q.Range.String())
		return sources.Page{}, err
	}

	page := sources.Page{
		TotalCount:  parsed.SearchResults.SearchHits,
		Raw:         res.Body(),
		ContentType: res.Header().Get("content-type"),
		Status:      res.StatusCode(),
	}
	pageID := "kkj:" + q.Range.String()
	page.Records = make([]sources.RawRecord, 0, len(parsed.SearchResults.Results))
	for _, r := range parsed.SearchResults.Results {
		page.Records = append(page.Records, r.toRaw(pageID))
	}
	if parsed.SearchResults.SearchHits > ResultCap {
		// the truncated rows are returned too, a caller that cannot narrow
		// the query further may keep them
		return page, &bid.ResultCapExceededError{Total: parsed.SearchResults.SearchHits, Cap: ResultCap}
	}
	c.tel.ReportDebug("fetched page", q.Name, q.Range.String(), len(page.Records), page.TotalCount)
	return page, nil
}

// Count probes the number of matches with a single-row request.
func (c *Client) Count(ctx context.Context, q sources.Query) (int, error) {
	parsed, _, err := c.search(ctx, q, 1)
	if err != nil {
		c.tel.ReportBroken(report_client_count, err, q.Range.String())
		return 0, err
	}
	return parsed.SearchResults.SearchHits, nil
}

func parseResponse(body []byte) (response, error) {
	var parsed response
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return response{}, fmt.Errorf("kkj: decode xml: %w", err)
	}
	if parsed.Error != "" {
		return response{}, &bid.APIError{Message: parsed.Error}
	}
	return parsed, nil
}
