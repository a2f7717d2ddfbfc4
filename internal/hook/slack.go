package hook

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/slack"
)

// HookSlack posts a message to a slack channel when a recipient is banned.
// Send outcomes are not forwarded; the channel would drown.
type HookSlack struct {
	// Token is the slack API token.
	Token string

	// Channel is the destination channel.
	Channel string

	// Username is the posting identity; "smtp-mailer" when empty.
	Username string
}

func (h *HookSlack) Name() string {
	return "slack"
}

func (h *HookSlack) AfterInit() {
}

func (h *HookSlack) AfterSend(*Record) {
}

func (h *HookSlack) AfterBan(b *BanEvent) {
	err := h.notify(fmt.Sprintf("recipient `%s` banned until `%s`",
		b.Recipient, b.Expiry.Format(TimeFormat)))
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
	}
}

func (h *HookSlack) notify(msg string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(h.Token) == 0 {
		return fmt.Errorf("missing slack token")
	}
	if len(h.Channel) == 0 {
		return fmt.Errorf("missing slack channel")
	}

	username := h.Username
	if username == "" {
		username = "smtp-mailer"
	}

	cl := slack.New(h.Token)
	_, err := cl.Chat().PostMessage(h.Channel).Username(username).Text(msg).Do(ctx)
	return err
}
