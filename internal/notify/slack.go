package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"bidaggregator/internal/bid"
	"bidaggregator/lib/textutil"

	"github.com/slack-go/slack"
)

// a webhook message carries at most 50 blocks
const slackItemsPerMessage = 40

// Slack posts to incoming webhooks, the recipient is the webhook url.
type Slack struct {
	client *http.Client
}

// NewSlack creates a sender, a nil client means http.DefaultClient.
func NewSlack(client *http.Client) Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return Slack{client: client}
}

func (s Slack) Send(ctx context.Context, webhookURL, title string, items []bid.Bid) error {
	if len(items) == 0 {
		return nil
	}
	for _, msg := range SlackMessages(title, items) {
		if err := slack.PostWebhookCustomHTTPContext(ctx, webhookURL, s.client, msg); err != nil {
			return err
		}
	}
	return nil
}

// SlackMessages renders the items as one or more block messages, the first
// one carrying the header.
func SlackMessages(title string, items []bid.Bid) []*slack.WebhookMessage {
	var out []*slack.WebhookMessage
	for start := 0; start < len(items); start += slackItemsPerMessage {
		end := min(start+slackItemsPerMessage, len(items))

		var blocks []slack.Block
		if start == 0 {
			blocks = append(blocks,
				slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, textutil.Truncate("入札情報アラート: "+title, 150), false, false)),
				slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("新着 %d 件の案件があります", len(items)), false, false)),
				slack.NewDividerBlock(),
			)
		}
		for _, b := range items[start:end] {
			blocks = append(blocks, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, slackItemText(b), false, false),
				nil, nil,
			))
		}

		out = append(out, &slack.WebhookMessage{
			Text:   fmt.Sprintf("入札情報アラート: %s (%d/%d)", title, end, len(items)),
			Blocks: &slack.Blocks{BlockSet: blocks},
		})
	}
	return out
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func slackItemText(b bid.Bid) string {
	text := "*" + slackEscaper.Replace(b.Title) + "*\n" + slackEscaper.Replace(b.Organization)
	if line := dateLine(b); line != "" {
		text += " / " + line
	}
	if b.DetailURL != "" {
		text += "\n<" + b.DetailURL + "|詳細を見る>"
	}
	// section text is limited to 3000 characters
	return textutil.Truncate(text, 3000)
}
