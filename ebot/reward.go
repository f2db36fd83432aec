package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
)

// RewardError is a validation failure. Reply is the message shown to
// the sender.
type RewardError struct {
	Kind  string
	Reply string
}

func (e *RewardError) Error() string {
	return e.Kind
}

var (
	ErrSelfReward = &RewardError{
		Kind:  "self reward",
		Reply: "Are you kidding me?",
	}
	ErrBotRecipient = &RewardError{
		Kind:  "bot recipient",
		Reply: "Leave the bots out of your games!",
	}
	ErrNoRecipients = errors.New("reward has no recipients")
)

// RewardEvent is a single reward, from one sender to one or more recipients
type RewardEvent struct {
	GuildID    string
	ChannelID  string
	MessageID  string
	Sender     User
	Recipients []User
}

// JumpURL links to the message the reward was given in
func (e RewardEvent) JumpURL() string {
	return jumpURL(e.GuildID, e.ChannelID, e.MessageID)
}

// RewardResult describes what a successful reward did
type RewardResult struct {
	// Recipients credited, deduplicated
	Recipients []User

	// Exempt is set when the sender is in a no-cooldown group
	Exempt bool

	// Limited is set when the sender already had a live cooldown, so no
	// new cooldown was recorded
	Limited bool

	// NotifyFailures counts direct messages that couldn't be delivered
	NotifyFailures int
}

// DirectMessenger delivers direct messages to users
type DirectMessenger interface {
	SendDirect(ctx context.Context, userID string, content string) error
}

// RewardEngine applies reward events to the ledger
type RewardEngine struct {
	ledger       *Ledger
	cooldowns    *Cooldowns
	messenger    DirectMessenger
	exemptGroups []string
	logger       *slog.Logger
}

func NewRewardEngine(
	ledger *Ledger,
	cooldowns *Cooldowns,
	messenger DirectMessenger,
	exemptGroups []string,
	logger *slog.Logger,
) *RewardEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardEngine{
		ledger:       ledger,
		cooldowns:    cooldowns,
		messenger:    messenger,
		exemptGroups: exemptGroups,
		logger:       logger.With(loggerNameKey, "rewards"),
	}
}

// dedupeUsers removes repeated user IDs, keeping the first occurrence
func dedupeUsers(users []User) []User {
	seen := make(map[string]struct{}, len(users))
	rv := make([]User, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		rv = append(rv, u)
	}
	return rv
}

// Validate checks the event without touching any store
func (*RewardEngine) Validate(e RewardEvent) error {
	if len(e.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, r := range e.Recipients {
		if r.ID == e.Sender.ID {
			return ErrSelfReward
		}
	}
	for _, r := range e.Recipients {
		if r.Bot {
			return ErrBotRecipient
		}
	}
	return nil
}

// Reward validates the event, credits each recipient once and the
// sender's given count once for all recipients in a single ledger update,
// and starts a cooldown for
// the sender unless one is already live. A live cooldown doesn't stop the
// recipients from being credited.
//
// Notifications are sent last and are best-effort: failures are logged and
// counted, never returned.
func (r *RewardEngine) Reward(ctx context.Context, e RewardEvent) (RewardResult, error) {
	e.Recipients = dedupeUsers(e.Recipients)
	result := RewardResult{Recipients: e.Recipients}
	logger := contextLoggerOr(ctx, r.logger).With(
		"guild_id", e.GuildID,
		"sender_id", e.Sender.ID,
		"recipients", len(e.Recipients),
	)

	if err := r.Validate(e); err != nil {
		logger.InfoContext(ctx, "rejected reward", tint.Err(err))
		return result, err
	}

	result.Exempt = r.cooldowns.Exempt(e.Sender.Roles, r.exemptGroups)
	if !result.Exempt {
		limited, err := r.cooldowns.IsLimited(ctx, e.Sender, r.exemptGroups)
		if err != nil {
			return result, err
		}
		result.Limited = limited
	}

	recipientIDs := make([]string, 0, len(e.Recipients))
	for _, recipient := range e.Recipients {
		recipientIDs = append(recipientIDs, recipient.ID)
	}
	if err := r.ledger.ApplyReward(ctx, e.GuildID, e.Sender.ID, recipientIDs); err != nil {
		return result, err
	}

	if !result.Exempt && !result.Limited {
		if err := r.cooldowns.Record(ctx, e.Sender.ID); err != nil {
			return result, err
		}
	}
	logger.InfoContext(
		ctx,
		"reward applied",
		"exempt", result.Exempt,
		"limited", result.Limited,
	)

	result.NotifyFailures = r.notify(ctx, logger, e)
	return result, nil
}

func (r *RewardEngine) notify(ctx context.Context, logger *slog.Logger, e RewardEvent) int {
	if r.messenger == nil {
		return 0
	}
	failures := 0
	url := e.JumpURL()

	senderMsg := fmt.Sprintf(
		"You've sent a token of appreciation to: %s!\nIt all happened here: %s",
		mentionList(e.Recipients),
		url,
	)
	if err := r.messenger.SendDirect(ctx, e.Sender.ID, senderMsg); err != nil {
		failures++
		logger.WarnContext(ctx, "error notifying sender", "user_id", e.Sender.ID, tint.Err(err))
	}

	recipientMsg := fmt.Sprintf(
		"You've received a token of appreciation from %s!\nIt all happened here: %s",
		e.Sender.Mention(),
		url,
	)
	for _, recipient := range e.Recipients {
		if err := r.messenger.SendDirect(ctx, recipient.ID, recipientMsg); err != nil {
			failures++
			logger.WarnContext(
				ctx,
				"error notifying recipient",
				"user_id", recipient.ID,
				tint.Err(err),
			)
		}
	}
	return failures
}
