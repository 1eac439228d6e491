// Package slack implements the alerting Notifier for Slack using the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/xChokes/mercado-sub000/internal/alerting"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts alerts to a Slack channel.
type Notifier struct {
	client    slackClient
	botToken  string
	channelID string // default channel for messages without explicit channel
	botUserID string
	mu        sync.Mutex
	connected bool
	closed    bool
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	return &Notifier{
		client:    opts.Client,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
	}, nil
}

// Name implements alerting.Notifier.
func (n *Notifier) Name() string { return "slack" }

// Connect verifies the bot token with auth.test.
func (n *Notifier) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return fmt.Errorf("slack: notifier already closed")
	}
	if n.connected {
		return nil
	}

	// Create the real client if not injected (production path).
	if n.client == nil {
		n.client = slackapi.New(n.botToken)
	}

	auth, err := n.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	n.botUserID = auth.UserID
	n.connected = true
	return nil
}

// BotUserID returns the authenticated bot user, empty before Connect.
func (n *Notifier) BotUserID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.botUserID
}

// Notify posts msg, translating events to attachments.
func (n *Notifier) Notify(ctx context.Context, msg alerting.Message) error {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	n.mu.Unlock()

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = n.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close marks the notifier closed. The Web API holds no connection.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.connected = false
	return nil
}

// buildMessageOptions converts an alert to Slack message options.
func buildMessageOptions(msg alerting.Message) []slackapi.MsgOption {
	var options []slackapi.MsgOption

	if len(msg.Events) > 0 {
		var attachments []slackapi.Attachment
		for _, evt := range msg.Events {
			attachments = append(attachments, eventToAttachment(evt))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
		// Use text as fallback.
		if msg.Text != "" {
			options = append(options, slackapi.MsgOptionText(msg.Text, false))
		}
	} else {
		options = append(options, slackapi.MsgOptionText(msg.Text, false))
	}

	return options
}

// eventToAttachment converts an Event to a Slack Attachment.
func eventToAttachment(evt alerting.Event) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}

	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}

	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
