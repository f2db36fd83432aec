package ebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	draculaExtensionName = "dracula"
	draculaInitCommand   = "daily_dracula_init"
	draculaForceCommand  = "daily_dracula_force_post"
	draculaDateOption    = "date"
	draculaDateLayout    = "01-02"

	draculaReplyConfigured    = "Feature configured successfully!"
	draculaReplyWorking       = "Working on it..."
	draculaReplyNotOwner      = "Ah ah ah! You didn't say the magic word!"
	draculaReplyNotConfigured = "Feature not configured yet!"
	draculaReplyBadDate       = "That date seems to be invalid! The format is MM-DD."
)

var (
	errDraculaNotConfigured = errors.New("daily dracula channel not configured")
	errDraculaNoEntry       = errors.New("no daily dracula entry")
)

// loadDraculaEntries reads the MM-DD -> text map from path
func loadDraculaEntries(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading daily dracula file: %w", err)
	}
	entries := map[string]string{}
	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing daily dracula file %q: %w", path, err)
	}
	return entries, nil
}

// draculaMessages frames text with the day's header and footer, split so
// no message exceeds the discord length limit
func draculaMessages(day time.Time, text string) []string {
	label := fmt.Sprintf("%s %d", day.Format("Jan"), day.Day())
	messages := []string{fmt.Sprintf("--- Post start for %s ---", label)}
	messages = append(messages, chunkText(text, discordMaxMessageLength)...)
	return append(messages, fmt.Sprintf("--- Post end for %s ---", label))
}

// draculaExtension posts the day's excerpt of Dracula, which is told in
// dated letters and diary entries
type draculaExtension struct {
	host    *Host
	cfg     *DraculaConfig
	loc     *time.Location
	entries map[string]string

	mu        sync.Mutex
	channelID string
}

func (d *draculaExtension) Init(_ context.Context, ec *ExtensionContext) error {
	d.host = ec.Host
	d.cfg = ec.Host.Config().Dracula

	entries, err := loadDraculaEntries(d.cfg.DataFile)
	if err != nil {
		return err
	}
	d.entries = entries
	d.channelID = d.cfg.ChannelID

	loc, err := loadLocation(d.cfg.Timezone)
	if err != nil {
		return err
	}
	d.loc = loc

	if err = ec.Command(
		&discordgo.ApplicationCommand{
			Name:        draculaInitCommand,
			Description: "Post the daily Dracula entries to this channel",
		},
		d.initChannel,
	); err != nil {
		return err
	}
	if err = ec.Command(
		&discordgo.ApplicationCommand{
			Name:        draculaForceCommand,
			Description: "Post a daily Dracula entry now",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        draculaDateOption,
					Description: "The entry for which date should be posted? (Format is MM-DD)",
				},
			},
		},
		d.forcePost,
	); err != nil {
		return err
	}

	_, err = ec.Schedule(
		"daily-post",
		DailyAt(d.cfg.PostHour, loc),
		func(ctx context.Context) {
			if perr := d.post(ctx, time.Now().In(d.loc)); perr != nil {
				contextLoggerOr(ctx, ec.Logger).ErrorContext(ctx, "daily dracula post failed", tint.Err(perr))
			}
		},
	)
	return err
}

func (*draculaExtension) Teardown(context.Context) error {
	return nil
}

func (d *draculaExtension) channel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelID
}

// entryFor returns the text for day, or errDraculaNoEntry
func (d *draculaExtension) entryFor(day time.Time) (string, error) {
	key := day.Format(draculaDateLayout)
	text, ok := d.entries[key]
	if !ok {
		return "", fmt.Errorf("%w for %s", errDraculaNoEntry, key)
	}
	return text, nil
}

// post sends the entry for day to the configured channel
func (d *draculaExtension) post(ctx context.Context, day time.Time) error {
	channelID := d.channel()
	if channelID == "" {
		return errDraculaNotConfigured
	}
	text, err := d.entryFor(day)
	if err != nil {
		return err
	}

	contextLoggerOr(ctx, d.host.Logger()).DebugContext(ctx, "posting daily dracula", "day", day.Format(draculaDateLayout))
	gw := d.host.Gateway()
	for _, msg := range draculaMessages(day, text) {
		if err = gw.Send(ctx, channelID, msg); err != nil {
			return err
		}
	}
	return nil
}

// parseDraculaDate parses an MM-DD date in the year of now
func parseDraculaDate(date string, now time.Time) (time.Time, error) {
	t, err := time.ParseInLocation(draculaDateLayout, strings.TrimSpace(date), now.Location())
	if err != nil {
		return time.Time{}, err
	}
	day := time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())
	if day.Month() != t.Month() {
		// 02-29 outside a leap year
		return time.Time{}, fmt.Errorf("%s does not exist in %d", date, now.Year())
	}
	return day, nil
}

func (d *draculaExtension) initChannel(ctx context.Context, i Interaction) error {
	gw := d.host.Gateway()
	if !d.host.Config().Discord.IsOwner(i.User.ID) {
		return gw.Respond(ctx, i, Reply{Content: draculaReplyNotOwner, Ephemeral: true})
	}
	d.mu.Lock()
	d.channelID = i.ChannelID
	d.mu.Unlock()
	contextLoggerOr(ctx, d.host.Logger()).InfoContext(ctx, "daily dracula channel set", "channel_id", i.ChannelID)
	return gw.Respond(ctx, i, Reply{Content: draculaReplyConfigured, Ephemeral: true})
}

func (d *draculaExtension) forcePost(ctx context.Context, i Interaction) error {
	gw := d.host.Gateway()
	if !d.host.Config().Discord.IsOwner(i.User.ID) {
		return gw.Respond(ctx, i, Reply{Content: draculaReplyNotOwner, Ephemeral: true})
	}
	if d.channel() == "" {
		return gw.Respond(ctx, i, Reply{Content: draculaReplyNotConfigured, Ephemeral: true})
	}

	day := time.Now().In(d.loc)
	if date, _ := i.StringOption(draculaDateOption); strings.TrimSpace(date) != "" {
		var err error
		if day, err = parseDraculaDate(date, day); err != nil {
			return gw.Respond(ctx, i, Reply{Content: draculaReplyBadDate, Ephemeral: true})
		}
	}
	if _, err := d.entryFor(day); err != nil {
		return gw.Respond(
			ctx,
			i,
			Reply{Content: "No post for " + day.Format(draculaDateLayout), Ephemeral: true},
		)
	}

	if err := gw.Respond(ctx, i, Reply{Content: draculaReplyWorking, Ephemeral: true}); err != nil {
		return err
	}
	return d.post(ctx, day)
}
