package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"regexp"
	"strconv"
	"sync"
)

const (
	tacoExtensionName = "taco"

	leaderboardCommand   = "leaderboard"
	leaderboardColor     = 0x71368A
	maxEmbedFields       = 25
	leaderboardOptLimit  = "limit"
	leaderboardOptKind   = "kind"
	leaderboardBadFormat = "%q is a positive integer since when?!"
)

// tacoPattern returns the regex that recognizes a reward: one or more
// user mentions followed by the reward emoji. Custom emoji may appear
// as `<:name:id>`.
func tacoPattern(emoji string) *regexp.Regexp {
	return regexp.MustCompile(
		`(^|\s+)(<@!?[0-9]+>\s+)+<?` + regexp.QuoteMeta(emoji) + `([0-9]+>)?\s*`,
	)
}

// tacoExtension turns mention+emoji messages into rewards, and shows
// leaderboards
type tacoExtension struct {
	host *Host
	cfg  *TacoConfig

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func (t *tacoExtension) Init(_ context.Context, ec *ExtensionContext) error {
	t.host = ec.Host
	t.cfg = ec.Host.Config().Taco
	t.patterns = map[string]*regexp.Regexp{}

	if t.host.Rewards() == nil || t.host.Ledger() == nil {
		return errors.New("reward engine not available")
	}

	ec.Listen(
		"reward",
		Trigger{Channel: GuildOnly, Predicate: t.isReward},
		t.reward,
	)
	ec.Listen(
		"leaderboard",
		Trigger{Command: leaderboardCommand, Mention: MentionsBot, Channel: GuildOnly},
		t.leaderboardMessage,
	)

	dmPermission := false
	if err := ec.Command(
		&discordgo.ApplicationCommand{
			Name:         leaderboardCommand,
			Description:  "Show the users with the most tokens of appreciation",
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        leaderboardOptLimit,
					Description: "How many users to show",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        leaderboardOptKind,
					Description: "Rank by tokens received or given",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "received", Value: string(FieldReceived)},
						{Name: "given", Value: string(FieldGiven)},
					},
				},
			},
		},
		t.leaderboardCommand,
	); err != nil {
		return err
	}

	_, err := ec.Schedule(
		"purge-cooldowns",
		Every(t.cfg.PurgeInterval),
		func(ctx context.Context) {
			cooldowns := t.host.Cooldowns()
			if cooldowns == nil {
				return
			}
			if _, perr := cooldowns.Purge(ctx); perr != nil {
				ec.Logger.ErrorContext(ctx, "error purging cooldowns", tint.Err(perr))
			}
		},
	)
	return err
}

func (*tacoExtension) Teardown(context.Context) error {
	return nil
}

func (t *tacoExtension) pattern(guildID string) *regexp.Regexp {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.patterns[guildID]; ok {
		return p
	}
	p := tacoPattern(t.cfg.EmojiFor(guildID))
	t.patterns[guildID] = p
	return p
}

func (t *tacoExtension) isReward(m Message) bool {
	return t.pattern(m.GuildID).MatchString(m.Content)
}

func (t *tacoExtension) reward(ctx context.Context, m Message) error {
	logger := contextLoggerOr(ctx, t.host.Logger())
	logger.InfoContext(ctx, "It's TACO time!!!")

	_, err := t.host.Rewards().Reward(
		ctx,
		RewardEvent{
			GuildID:    m.GuildID,
			ChannelID:  m.ChannelID,
			MessageID:  m.ID,
			Sender:     m.Author,
			Recipients: m.Mentions,
		},
	)
	var rewardErr *RewardError
	switch {
	case errors.As(err, &rewardErr):
		return t.host.Gateway().ReplyTo(ctx, m, rewardErr.Reply)
	case errors.Is(err, ErrNoRecipients):
		return nil
	}
	return err
}

// leaderboardEmbeds renders the guild's top entries. Discord allows 25
// fields per embed, so longer leaderboards are split.
func (t *tacoExtension) leaderboardEmbeds(
	ctx context.Context,
	guildID string,
	field LedgerField,
	limit int,
) ([]Embed, error) {
	entries, err := t.host.Ledger().Top(ctx, guildID, field, limit)
	if err != nil {
		return nil, err
	}

	fields := make([]EmbedField, 0, len(entries))
	for _, entry := range entries {
		fields = append(
			fields,
			EmbedField{
				Name:  fetchDisplayName(ctx, t.host.Gateway(), entry.UserID),
				Value: strconv.FormatInt(entry.Count(field), 10),
			},
		)
	}

	title := fmt.Sprintf("Top %d users with %s", limit, t.cfg.EmojiFor(guildID))
	chunks := chunkItems(maxEmbedFields, fields...)
	if len(chunks) == 0 {
		return []Embed{{Title: title, Color: leaderboardColor}}, nil
	}
	embeds := make([]Embed, 0, len(chunks))
	for _, chunk := range chunks {
		embeds = append(embeds, Embed{Title: title, Color: leaderboardColor, Fields: chunk})
	}
	return embeds, nil
}

// leaderboardMessage handles `@bot leaderboard [limit]`
func (t *tacoExtension) leaderboardMessage(ctx context.Context, m Message) error {
	gw := t.host.Gateway()
	_, args, _ := parseBotCommand(m.Content, gw.BotUser().ID)

	limit := DefaultLeaderboardLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return gw.ReplyTo(ctx, m, fmt.Sprintf(leaderboardBadFormat, args[0]))
		}
		limit = min(n, MaxLeaderboardLimit)
	}

	embeds, err := t.leaderboardEmbeds(ctx, m.GuildID, FieldReceived, limit)
	if err != nil {
		return err
	}
	for _, e := range embeds {
		if err = gw.SendEmbed(ctx, m.ChannelID, e); err != nil {
			return err
		}
	}
	return nil
}

// leaderboardCommand handles `/leaderboard [limit] [kind]`
func (t *tacoExtension) leaderboardCommand(ctx context.Context, i Interaction) error {
	gw := t.host.Gateway()

	limit := DefaultLeaderboardLimit
	if n, ok := i.IntOption(leaderboardOptLimit); ok {
		if n < 1 {
			return gw.Respond(
				ctx,
				i,
				Reply{Content: fmt.Sprintf(leaderboardBadFormat, strconv.FormatInt(n, 10))},
			)
		}
		limit = int(min(n, MaxLeaderboardLimit))
	}

	kind, _ := i.StringOption(leaderboardOptKind)
	field, err := ParseLedgerField(kind)
	if err != nil {
		return gw.Respond(ctx, i, Reply{Content: err.Error(), Ephemeral: true})
	}

	embeds, err := t.leaderboardEmbeds(ctx, i.GuildID, field, limit)
	if err != nil {
		return err
	}
	return gw.Respond(ctx, i, Reply{Embeds: embeds})
}
