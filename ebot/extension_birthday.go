package ebot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
	"time"
)

const (
	birthdayExtensionName = "birthday"
	birthdayCommand       = "birthday"
	birthdayColor         = 0x7289DA
	birthdayEmbedTitle    = ":birthday_cake: Today's birthdays :partying_face:"

	birthdayReplyInvalid   = "That date seems to be invalid!"
	birthdayReplySaved     = "Saved"
	birthdayReplyGuildOnly = "This command only works in servers."
)

// Birthday is a user's birthday within a guild. The year is never stored.
type Birthday struct {
	ModelUintID
	GuildID   string `gorm:"uniqueIndex:idx_birthday_guild_user;not null" json:"guild_id"`
	UserID    string `gorm:"uniqueIndex:idx_birthday_guild_user;not null" json:"user_id"`
	Month     int    `gorm:"index:idx_birthday_date;not null" json:"month"`
	Day       int    `gorm:"index:idx_birthday_date;not null" json:"day"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// BirthdayBackend persists birthdays. Setting a birthday again replaces
// the previous date.
type BirthdayBackend interface {
	SetBirthday(ctx context.Context, guildID, userID string, month, day int) error
	BirthdaysOn(ctx context.Context, guildID string, month, day int) ([]Birthday, error)
}

// validDate reports whether year-month-day is a real calendar date
func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && t.Month() == time.Month(month) && t.Day() == day
}

// birthdayExtension stores birthdays with /birthday, and posts each
// guild's birthdays of the day to its configured channel
type birthdayExtension struct {
	host *Host
	cfg  *BirthdayConfig
	loc  *time.Location
}

func (b *birthdayExtension) Init(_ context.Context, ec *ExtensionContext) error {
	b.host = ec.Host
	b.cfg = ec.Host.Config().Birthday
	if b.host.Store() == nil {
		return errors.New("store not available")
	}

	loc, err := loadLocation(b.cfg.Timezone)
	if err != nil {
		return err
	}
	b.loc = loc

	monthChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, 12)
	for m := time.January; m <= time.December; m++ {
		monthChoices = append(
			monthChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: m.String(), Value: int(m)},
		)
	}
	dmPermission := false
	if err = ec.Command(
		&discordgo.ApplicationCommand{
			Name:         birthdayCommand,
			Description:  "Set the date of your birthday.",
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "year",
					Description: "Only used for validation, not saved",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "month",
					Description: "Month",
					Required:    true,
					Choices:     monthChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "day",
					Description: "Day",
					Required:    true,
				},
			},
		},
		b.setBirthday,
	); err != nil {
		return err
	}

	_, err = ec.Schedule(
		"daily-post",
		DailyAt(b.cfg.PostHour, loc),
		func(ctx context.Context) {
			b.post(ctx, time.Now())
		},
	)
	return err
}

func (*birthdayExtension) Teardown(context.Context) error {
	return nil
}

func (b *birthdayExtension) setBirthday(ctx context.Context, i Interaction) error {
	gw := b.host.Gateway()
	if i.GuildID == "" {
		return gw.Respond(ctx, i, Reply{Content: birthdayReplyGuildOnly, Ephemeral: true})
	}

	year, _ := i.IntOption("year")
	month, _ := i.IntOption("month")
	day, _ := i.IntOption("day")
	if !validDate(int(year), int(month), int(day)) {
		return gw.Respond(ctx, i, Reply{Content: birthdayReplyInvalid})
	}

	if err := b.host.Store().SetBirthday(ctx, i.GuildID, i.User.ID, int(month), int(day)); err != nil {
		return err
	}
	contextLoggerOr(ctx, b.host.Logger()).DebugContext(
		ctx,
		"updated birthday",
		"user_id", i.User.ID,
		"month", month,
		"day", day,
	)
	return gw.Respond(ctx, i, Reply{Content: birthdayReplySaved, Ephemeral: true})
}

// post sends today's birthdays to every configured guild channel. Guilds
// without birthdays today are skipped, as are users that can't be found.
// It returns the number of guilds posted to.
func (b *birthdayExtension) post(ctx context.Context, now time.Time) int {
	gw := b.host.Gateway()
	logger := contextLoggerOr(ctx, b.host.Logger())
	today := now.In(b.loc)

	guildIDs := make([]string, 0, len(b.cfg.ChannelIDs))
	for guildID := range b.cfg.ChannelIDs {
		guildIDs = append(guildIDs, guildID)
	}
	slices.Sort(guildIDs)

	posted := 0
	for _, guildID := range guildIDs {
		glog := logger.With("guild_id", guildID)
		birthdays, err := b.host.Store().BirthdaysOn(
			ctx,
			guildID,
			int(today.Month()),
			today.Day(),
		)
		if err != nil {
			glog.ErrorContext(ctx, "error fetching birthdays", tint.Err(err))
			continue
		}

		embed := Embed{Title: birthdayEmbedTitle, Color: birthdayColor}
		for _, bd := range birthdays {
			u, uerr := gw.FetchUser(ctx, bd.UserID)
			if uerr != nil {
				glog.WarnContext(ctx, "skipping birthday user", "user_id", bd.UserID, tint.Err(uerr))
				continue
			}
			embed.Fields = append(embed.Fields, EmbedField{Name: u.DisplayName()})
		}
		if len(embed.Fields) == 0 {
			continue
		}

		channelID := b.cfg.ChannelIDs[guildID]
		if _, err = gw.FetchChannel(ctx, channelID); err != nil {
			glog.WarnContext(ctx, "invalid birthday channel", "channel_id", channelID, tint.Err(err))
			continue
		}
		for _, chunk := range chunkItems(maxEmbedFields, embed.Fields...) {
			if err = gw.SendEmbed(
				ctx,
				channelID,
				Embed{Title: embed.Title, Color: embed.Color, Fields: chunk},
			); err != nil {
				glog.ErrorContext(ctx, "error posting birthdays", tint.Err(err))
				break
			}
		}
		if err == nil {
			posted++
		}
	}
	return posted
}
