package sources

import (
	"context"
	"errors"
	"fmt"

	"bidaggregator/internal/bid"

	"github.com/go-resty/resty/v2"
)

// Retryable is the resty retry condition shared by connectors: transport
// failures, 5xx and 429 are retried, cancellation never is.
func Retryable(res *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return res.StatusCode() >= 500 || res.StatusCode() == 429
}

// CheckResponse converts the outcome of a resty call into the error taxonomy.
func CheckResponse(ctx context.Context, res *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", bid.ErrTransientNetwork, err)
	}
	if res.StatusCode() >= 500 || res.StatusCode() == 429 {
		return fmt.Errorf("%w: http %s", bid.ErrTransientNetwork, res.Status())
	}
	if res.IsError() {
		return fmt.Errorf("http %s", res.Status())
	}
	return nil
}
