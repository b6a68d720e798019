// Package pportal scrapes the 調達ポータル (p-portal.go.jp) search listing
// and per-case detail pages.
package pportal

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"bidaggregator/internal/assert"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/ratelimit"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/sources"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://www.p-portal.go.jp/pps-web-biz"

	searchPagePath = "/UAA01/OAA0101"
	searchExecPath = "/UAA01/OAA0100"
)

const (
	report_client_init_session = "client.init-session"
	report_client_fetch_page   = "client.fetch-page"
	report_client_fetch_detail = "client.fetch-detail"
)

type Options struct {
	BaseURL          string
	Limiter          *ratelimit.Limiter
	Timeout          time.Duration
	RetryCount       int
	RetryWait        time.Duration
	RetryMaxWait     time.Duration
	ProcurementTypes []string
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Limiter == nil {
		o.Limiter = ratelimit.New(ratelimit.DefaultInterval)
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
	if len(o.ProcurementTypes) == 0 {
		o.ProcurementTypes = DefaultProcurementTypes
	}
	return o
}

type Client struct {
	http    *resty.Client
	opts    Options
	baseURL *url.URL
	tel     telemetry.API

	sessionMutex sync.Mutex
	csrf         string
	initialized  bool

	// detail fetches are serialized on top of the host limiter
	detailMutex sync.Mutex
}

func New(opts Options, tel telemetry.API) (*Client, error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("pportal", tel)
	opts = opts.withDefaults()

	baseURL, err := url.Parse(opts.BaseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("pportal: parse base url: %w", err)
	}
	host := baseURL.Host

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)

	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	httpClient.SetHeader("accept-language", "ja,en-US;q=0.9,en;q=0.8")
	httpClient.SetTimeout(opts.Timeout)
	httpClient.SetRetryCount(opts.RetryCount)
	httpClient.SetRetryWaitTime(opts.RetryWait)
	httpClient.SetRetryMaxWaitTime(opts.RetryMaxWait)
	httpClient.AddRetryCondition(sources.Retryable)

	limiter := opts.Limiter
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Acquire(req.Context(), host)
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Client{
		http:    httpClient,
		opts:    opts,
		baseURL: baseURL,
		tel:     tel,
	}, nil
}

func (c *Client) Kind() bid.SourceKind {
	return bid.SourceScrape
}

func (c *Client) url(path string) string {
	return c.opts.BaseURL + path
}

// initSession loads the search form once to obtain cookies and the CSRF
// token. A missing token is tolerated, the form is posted without it.
func (c *Client) initSession(ctx context.Context) error {
	c.sessionMutex.Lock()
	defer c.sessionMutex.Unlock()
	if c.initialized {
		return nil
	}

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.url(searchPagePath))
	if err := sources.CheckResponse(ctx, res, err); err != nil {
		c.tel.ReportBroken(report_client_init_session, err)
		return fmt.Errorf("pportal: init session: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return &bid.StructuralDriftError{PageID: searchPagePath, Reason: err.Error()}
	}
	csrf, ok := doc.Find("input[name=_csrf]").First().Attr("value")
	if !ok {
		c.tel.ReportWarning(report_client_init_session, "csrf token not found")
	}
	c.csrf = csrf
	c.initialized = true
	return nil
}

func (c *Client) buildForm(q sources.Query) url.Values {
	form := url.Values{}
	c.sessionMutex.Lock()
	if c.csrf != "" {
		form.Add("_csrf", c.csrf)
	}
	c.sessionMutex.Unlock()

	form.Add("searchConditionBean.ankenBunrui", "1")
	form.Add("searchConditionBean.bunrui", "")
	form.Add("searchConditionBean.ankenMeisho", q.Keyword)
	form.Add("searchConditionBean.ankenMeishoKensakuHoho", "1")
	form.Add("searchConditionBean.ankenBango", "")
	form.Add("searchConditionBean.procurementCla", "")
	form.Add("searchConditionBean.procurementOrganNm", "")
	form.Add("searchConditionBean.receiptAddress", "")
	form.Add("searchConditionBean.procurementItemCla", "")

	for _, code := range c.opts.ProcurementTypes {
		form.Add(checkboxGroup(code), code)
	}
	for _, group := range []string{
		"procurementClaBidNotice",
		"requestSubmissionMaterials",
		"requestComment",
		"procurementImplementNotice",
		"successfulBidNotice",
	} {
		form.Add("_searchConditionBean.procurementClaBean."+group, "on")
	}

	if q.Organization != "" {
		if code, ok := OrgCode(q.Organization); ok {
			form.Add("searchConditionBean.govementProcurementOraganBean.procurementOrgNm", code)
		}
	}
	form.Add("_searchConditionBean.govementProcurementOraganBean.procurementOrgNm", "on")

	if q.Range.Valid() {
		form.Add("searchConditionBean.kokaiKaishiYmdFrom", q.Range.From.Format("2006/01/02"))
		form.Add("searchConditionBean.kokaiKaishiYmdTo", q.Range.To.Format("2006/01/02"))
	}
	return form
}

// FetchPage posts the search form for the empty token. Any other token is the
// absolute URL of a later result page taken from the pager.
func (c *Client) FetchPage(ctx context.Context, q sources.Query, pageToken string) (sources.Page, error) {
	if err := c.initSession(ctx); err != nil {
		return sources.Page{}, err
	}

	var (
		res     *resty.Response
		err     error
		pageID  string
		pageURL string
	)
	if pageToken == "" {
		pageID = "1"
		pageURL = c.url(searchExecPath)
		res, err = c.http.R().
			SetContext(ctx).
			SetHeader("referer", c.url(searchPagePath)).
			SetFormDataFromValues(c.buildForm(q)).
			Post(pageURL)
	} else {
		pageID = pageToken
		pageURL = pageToken
		res, err = c.http.R().
			SetContext(ctx).
			SetHeader("referer", c.url(searchExecPath)).
			Get(pageToken)
	}
	if err := sources.CheckResponse(ctx, res, err); err != nil {
		c.tel.ReportBroken(report_client_fetch_page, err, pageID)
		return sources.Page{}, fmt.Errorf("pportal: page %s: %w", pageID, err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return sources.Page{}, fmt.Errorf("pportal: page url %q: %w", pageURL, err)
	}
	result, err := parseResults(base, pageID, res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_fetch_page, err, pageID)
		next, _ := bid.DriftNextPage(err)
		return sources.Page{NextPageToken: next, TotalCount: -1}, err
	}
	c.tel.ReportDebug("fetched page", pageID, len(result.records), result.total)

	return sources.Page{
		Records:       result.records,
		NextPageToken: result.next,
		TotalCount:    result.total,
		Raw:           res.Body(),
		ContentType:   res.Header().Get("content-type"),
		Status:        res.StatusCode(),
	}, nil
}

// FetchDetail loads a case detail page. Calls are serialized so detail
// enrichment never runs faster than one request per limiter interval.
func (c *Client) FetchDetail(ctx context.Context, detailURL string) (sources.RawRecord, error) {
	c.detailMutex.Lock()
	defer c.detailMutex.Unlock()

	if err := c.initSession(ctx); err != nil {
		return sources.RawRecord{}, err
	}

	res, err := c.http.R().
		SetContext(ctx).
		Get(detailURL)
	if err := sources.CheckResponse(ctx, res, err); err != nil {
		c.tel.ReportBroken(report_client_fetch_detail, err, detailURL)
		return sources.RawRecord{}, fmt.Errorf("pportal: detail %s: %w", detailURL, err)
	}

	record, err := parseDetail(ctx, c.baseURL, detailURL, res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_fetch_detail, err, detailURL)
		return sources.RawRecord{}, err
	}
	return record, nil
}
