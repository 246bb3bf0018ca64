package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/slack-go/slack"
)

type fakePoster struct {
	channel string
	err     error
	calls   int
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channel = channelID
	return channelID, "ts", f.err
}

func TestNotifyPostsToConfiguredChannel(t *testing.T) {
	poster := &fakePoster{}
	s := &Slack{client: poster, channel: "C012345"}

	if err := s.Notify(context.Background(), "CoreClaw briefing", "all quiet"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if poster.calls != 1 || poster.channel != "C012345" {
		t.Fatalf("post mismatch: %+v", poster)
	}
}

func TestNotifyWrapsErrors(t *testing.T) {
	poster := &fakePoster{err: errors.New("channel_not_found")}
	s := &Slack{client: poster, channel: "C0"}

	err := s.Notify(context.Background(), "x", "y")
	if err == nil || !strings.Contains(err.Error(), "slack post") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
