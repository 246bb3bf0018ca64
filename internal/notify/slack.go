// Package notify forwards briefings and escalations to Slack.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Config holds the Slack notifier settings.
type Config struct {
	Enabled  bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	Channel  string `json:"channel" envconfig:"SLACK_CHANNEL"`
}

// slackPoster is the posting side of a slack.Client.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts notifications to one channel.
type Slack struct {
	client  slackPoster
	channel string
}

// NewSlack creates a notifier from config.
func NewSlack(cfg Config) *Slack {
	return &Slack{
		client:  slack.New(cfg.BotToken),
		channel: cfg.Channel,
	}
}

// Notify posts one message; the title renders as a bold first line.
func (s *Slack) Notify(ctx context.Context, title, text string) error {
	body := fmt.Sprintf("*%s*\n%s", title, text)
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(body, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
