// Package notify delivers saved-search matches over Slack incoming webhooks
// or SMTP email.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"bidaggregator/internal/bid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bidaggregator/internal/notify")

const (
	ChannelSlack = "slack"
	ChannelEmail = "email"
)

// DefaultMaxItems caps the items of a single notification.
const DefaultMaxItems = 100

var ErrUnsupportedChannel = errors.New("notify: unsupported channel")

// Notifier delivers a titled list of bids to one recipient of a channel.
type Notifier interface {
	Send(ctx context.Context, channel, recipient, title string, items []bid.Bid) error
}

// Sender delivers over one channel.
type Sender interface {
	Send(ctx context.Context, recipient, title string, items []bid.Bid) error
}

// Dispatcher routes a notification to the sender of its channel.
type Dispatcher struct {
	senders map[string]Sender
}

func NewDispatcher(senders map[string]Sender) Dispatcher {
	return Dispatcher{senders: senders}
}

func (d Dispatcher) Send(ctx context.Context, channel, recipient, title string, items []bid.Bid) error {
	ctx, span := tracer.Start(ctx, "Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", channel),
		attribute.Int("items", len(items)),
	)

	sender, ok := d.senders[channel]
	if !ok || sender == nil {
		err := fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unsupported channel")
		return err
	}
	if err := sender.Send(ctx, recipient, title, items); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send notification")
		return fmt.Errorf("notify: %s -> %s: %w", channel, recipient, err)
	}
	return nil
}

// DedupeKey identifies one delivery of one saved search run.
func DedupeKey(savedSearchID, runID int64, channel, recipient string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s:%s", savedSearchID, runID, channel, recipient)))
	return hex.EncodeToString(sum[:])
}

// dateLine picks the deadline, falling back to the publication date.
func dateLine(b bid.Bid) string {
	switch {
	case b.Deadline != nil:
		return "締切: " + b.Deadline.Format(bid.DateLayout)
	case !b.PublishedDate.IsZero():
		return "公開日: " + b.PublishedDate.Format(bid.DateLayout)
	}
	return ""
}
