package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	report_http_request  = "http.request"
	report_http_response = "http.response"
	report_http_status   = "http.status"
	report_http_failure  = "http.failure"
)

// HTTPStats counts the traffic of one instrumented client.
type HTTPStats struct {
	requests atomic.Int64
	failures atomic.Int64
}

func (s *HTTPStats) Requests() int64 { return s.requests.Load() }
func (s *HTTPStats) Failures() int64 { return s.failures.Load() }

// InstrumentResty hooks a connector's client so every request is reported
// as debug, throttling and server errors as warnings and transport errors as
// broken.
func InstrumentResty(client *resty.Client, tel API) *HTTPStats {
	stats := &HTTPStats{}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		n := stats.requests.Add(1)
		tel.ReportDebug(report_http_request, n, req.Method, req.URL, "attempt", req.Attempt)
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		status := res.StatusCode()
		tel.ReportDebug(report_http_response, res.Request.URL, status, res.Time().String())
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			tel.ReportWarning(report_http_status, res.Request.Method, res.Request.URL, status)
		}
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		stats.failures.Add(1)
		var elapsed time.Duration
		if !req.Time.IsZero() {
			elapsed = time.Since(req.Time)
		}
		tel.ReportBroken(report_http_failure, err, req.Method, req.URL, elapsed.String())
	})

	return stats
}
