package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackProvider is a concrete Provider backed by a Slack workspace: recipients
// are channel IDs or names, and the provider's idempotency contract is
// satisfied by tagging each message with its idempotency key so operators
// can de-duplicate retried sends by eye. Lookup confirms a previously sent
// message is still visible by fetching its permalink; any error from that
// API call is reported as "does not exist" rather than propagated, without
// distinguishing a missing message from other failures.
type SlackProvider struct {
	client *slack.Client
}

// NewSlackProvider builds a SlackProvider authenticated with token.
func NewSlackProvider(token string) *SlackProvider {
	return &SlackProvider{client: slack.New(token)}
}

// Send posts payload to recipient (a Slack channel) and returns the
// channel:timestamp pair Slack uses to address the message, which this
// outbox treats as the provider message id.
func (p *SlackProvider) Send(ctx context.Context, recipient, payload, idempotencyKey string) (string, error) {
	text := fmt.Sprintf("%s\n\n_idempotency-key: %s_", payload, idempotencyKey)
	channel, timestamp, err := p.client.PostMessageContext(ctx, recipient, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("slack send: %w", err)
	}
	return fmt.Sprintf("%s:%s", channel, timestamp), nil
}

// Lookup confirms a previously sent message still exists by resolving its
// permalink.
func (p *SlackProvider) Lookup(ctx context.Context, providerMessageID string) (bool, error) {
	channel, timestamp, ok := strings.Cut(providerMessageID, ":")
	if !ok {
		return false, fmt.Errorf("slack lookup: malformed provider message id %q", providerMessageID)
	}
	_, err := p.client.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: channel, Ts: timestamp})
	if err != nil {
		return false, nil
	}
	return true, nil
}
