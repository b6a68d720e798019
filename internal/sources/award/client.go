// Package award downloads the p-portal 落札実績 open-data archives: yearly
// full dumps and daily diffs, each a zip of headerless CSV files.
package award

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"bidaggregator/internal/assert"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/ratelimit"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/normalize"
	"bidaggregator/internal/sources"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultListURL     = "https://www.p-portal.go.jp/pps-web-biz/UAB02/OAB0201"
	DefaultDownloadURL = "https://api.p-portal.go.jp/pps-web-biz/UAB03/OAB0301"
)

const (
	report_client_list_files = "client.list-files"
	report_client_download   = "client.download"
)

var (
	downloadCallRegex = regexp.MustCompile(`doDownload\('([^']+)'\)`)
	filenameRegex     = regexp.MustCompile(`^successful_bid_record_info_(diff_(\d{8})|all_(\d{4}))\.zip$`)
)

var ErrInvalidFilename = errors.New("award: not an award archive filename")

type Options struct {
	ListURL      string
	DownloadURL  string
	Limiter      *ratelimit.Limiter
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.ListURL == "" {
		o.ListURL = DefaultListURL
	}
	if o.DownloadURL == "" {
		o.DownloadURL = DefaultDownloadURL
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.New(ratelimit.DefaultInterval)
	}
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
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
	return o
}

type Client struct {
	http *resty.Client
	opts Options
	tel  telemetry.API
}

func New(opts Options, tel telemetry.API) *Client {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("award", tel)
	opts = opts.withDefaults()

	httpClient := resty.New()
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetRetryCount(opts.RetryCount)
	httpClient.SetRetryWaitTime(opts.RetryWait)
	httpClient.SetRetryMaxWaitTime(opts.RetryMaxWait)
	httpClient.AddRetryCondition(sources.Retryable)

	limiter := opts.Limiter
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Acquire(req.Context(), ratelimit.HostKey(req.URL))
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Client{http: httpClient, opts: opts, tel: tel}
}

func (c *Client) Kind() bid.SourceKind {
	return bid.SourceAward
}

// ListAvailableFiles scrapes the open-data page. The first table lists
// yearly archives, the second daily diffs, newest first as published.
func (c *Client) ListAvailableFiles(ctx context.Context) (sources.Files, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(c.opts.ListURL)
	if err := sources.CheckResponse(ctx, res, err); err != nil {
		c.tel.ReportBroken(report_client_list_files, err)
		return sources.Files{}, fmt.Errorf("award: list files: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return sources.Files{}, &bid.StructuralDriftError{PageID: c.opts.ListURL, Reason: err.Error()}
	}
	tables := doc.Find("table")
	if tables.Length() == 0 {
		err := &bid.StructuralDriftError{PageID: c.opts.ListURL, Reason: "no file tables"}
		c.tel.ReportBroken(report_client_list_files, err)
		return sources.Files{}, err
	}

	files := sources.Files{
		Yearly: filenamesIn(tables.Eq(0)),
	}
	if tables.Length() > 1 {
		files.Diff = filenamesIn(tables.Eq(1))
	}
	return files, nil
}

func filenamesIn(table *goquery.Selection) []string {
	var out []string
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		row.Find("a").Each(func(_ int, a *goquery.Selection) {
			onclick, _ := a.Attr("onclick")
			if m := downloadCallRegex.FindStringSubmatch(onclick); m != nil {
				out = append(out, m[1])
			}
		})
	})
	return out
}

// DiffFilename is the archive holding the awards published on day.
func DiffFilename(day time.Time) string {
	return fmt.Sprintf("successful_bid_record_info_diff_%s.zip", day.Format("20060102"))
}

// YearlyFilename is the full archive of a fiscal year.
func YearlyFilename(year int) string {
	return fmt.Sprintf("successful_bid_record_info_all_%d.zip", year)
}

// DiffDate extracts the publication day of a diff archive.
func DiffDate(filename string, loc *time.Location) (time.Time, bool) {
	m := filenameRegex.FindStringSubmatch(filename)
	if m == nil || m[2] == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("20060102", m[2], loc)
	return t, err == nil
}

// LatestDiffs returns up to n diff archives, newest first.
func LatestDiffs(files sources.Files, n int) []string {
	diffs := append([]string(nil), files.Diff...)
	sort.Sort(sort.Reverse(sort.StringSlice(diffs)))
	if n >= 0 && len(diffs) > n {
		diffs = diffs[:n]
	}
	return diffs
}

// FetchPage treats the archive filename as the page token. An empty token
// selects the newest diff archive. Archives are a single page.
func (c *Client) FetchPage(ctx context.Context, _ sources.Query, pageToken string) (sources.Page, error) {
	filename := pageToken
	if filename == "" {
		files, err := c.ListAvailableFiles(ctx)
		if err != nil {
			return sources.Page{}, err
		}
		latest := LatestDiffs(files, 1)
		if len(latest) == 0 {
			return sources.Page{TotalCount: 0}, nil
		}
		filename = latest[0]
	}
	if !filenameRegex.MatchString(filename) {
		return sources.Page{}, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fileversion": "v001",
			"filename":    filename,
		}).
		Get(c.opts.DownloadURL)
	if err := sources.CheckResponse(ctx, res, err); err != nil {
		c.tel.ReportBroken(report_client_download, err, filename)
		return sources.Page{}, fmt.Errorf("award: download %s: %w", filename, err)
	}

	records, err := readArchive(filename, res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_download, err, filename)
		return sources.Page{}, err
	}
	return sources.Page{
		Records:     records,
		TotalCount:  len(records),
		ContentType: res.Header().Get("content-type"),
		Status:      res.StatusCode(),
	}, nil
}

// Download fetches one archive and normalizes its rows. Unparsable rows are
// reported and skipped.
func (c *Client) Download(ctx context.Context, filename string) ([]bid.AwardRecord, error) {
	page, err := c.FetchPage(ctx, sources.Query{}, filename)
	if err != nil {
		return nil, err
	}
	out := make([]bid.AwardRecord, 0, len(page.Records))
	for _, raw := range page.Records {
		record, err := normalize.Award(raw)
		if err != nil {
			c.tel.ReportWarning(report_client_download, err, raw.Get(normalize.AwardCaseNumber))
			continue
		}
		out = append(out, record)
	}
	c.tel.ReportDebug("downloaded archive", filename, len(out))
	return out, nil
}

func readArchive(filename string, body []byte) ([]sources.RawRecord, error) {
	archive, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, &bid.StructuralDriftError{PageID: filename, Reason: fmt.Sprintf("open zip: %v", err)}
	}

	var out []sources.RawRecord
	for _, file := range archive.File {
		if !strings.HasSuffix(strings.ToLower(file.Name), ".csv") {
			continue
		}
		rows, err := readCSV(file)
		if err != nil {
			return nil, &bid.StructuralDriftError{PageID: filename + "/" + file.Name, Reason: err.Error()}
		}
		for _, row := range rows {
			row.PageID = filename
			out = append(out, row)
		}
	}
	return out, nil
}

func readCSV(file *zip.File) ([]sources.RawRecord, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var out []sources.RawRecord
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) < len(normalize.AwardColumns) {
			continue
		}
		fields := make(map[string]string, len(normalize.AwardColumns))
		for i, column := range normalize.AwardColumns {
			fields[column] = strings.TrimSpace(row[i])
		}
		out = append(out, sources.RawRecord{Fields: fields})
	}
	return out, nil
}
