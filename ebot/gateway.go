package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
)

// ErrNotFound is returned by a Gateway when a user or channel lookup
// comes back empty.
var ErrNotFound = errors.New("not found")

// User is a chat platform user, as seen by extensions.
type User struct {
	ID         string   `json:"id"`
	Username   string   `json:"username"`
	GlobalName string   `json:"global_name,omitempty"`
	Bot        bool     `json:"bot,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

// Mention returns the markup that mentions the user in a message.
func (u User) Mention() string {
	return "<@" + u.ID + ">"
}

// DisplayName returns the global name if set, falling back to the username.
func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Mention()
}

// Channel is a text channel or a direct message channel.
type Channel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id,omitempty"`
	Name    string `json:"name,omitempty"`
	DM      bool   `json:"dm,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	ID        string
	ChannelID string
	GuildID   string
	Content   string
	Author    User
	Mentions  []User

	// DM is set when the message was received in a direct message channel
	DM bool
}

// JumpURL links back to the message in the discord client.
func (m Message) JumpURL() string {
	return jumpURL(m.GuildID, m.ChannelID, m.ID)
}

// MentionsUser reports whether the message mentions the given user ID.
func (m Message) MentionsUser(userID string) bool {
	for _, u := range m.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return false
}

func jumpURL(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		guildID,
		channelID,
		messageID,
	)
}

// Interaction is an inbound slash command invocation.
type Interaction struct {
	ID        string
	Command   string
	GuildID   string
	ChannelID string
	User      User
	Options   map[string]any
	DM        bool

	raw *discordgo.Interaction
}

// StringOption returns the named option as a string.
func (i Interaction) StringOption(name string) (string, bool) {
	v, ok := i.Options[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntOption returns the named option as an int64. Discord sends integer
// options as JSON numbers, so float64 values are accepted as well.
func (i Interaction) IntOption(name string) (int64, bool) {
	v, ok := i.Options[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// EmbedField is a single name/value row in an Embed.
type EmbedField struct {
	Name  string
	Value string
}

// Embed is a rich message with a title and a list of fields.
type Embed struct {
	Title  string
	Color  int
	Fields []EmbedField
}

func (e Embed) discordEmbed() *discordgo.MessageEmbed {
	me := &discordgo.MessageEmbed{
		Title: e.Title,
		Color: e.Color,
	}
	for _, f := range e.Fields {
		value := f.Value
		if value == "" {
			// discord rejects empty field values
			value = "\u200b"
		}
		me.Fields = append(
			me.Fields,
			&discordgo.MessageEmbedField{Name: f.Name, Value: value},
		)
	}
	return me
}

// Reply is the response to an Interaction.
type Reply struct {
	Content   string
	Embeds    []Embed
	Ephemeral bool
}

// Gateway is the outbound half of the chat platform. Extensions only talk
// to discord through it.
type Gateway interface {
	// BotUser returns the bot's own user, once connected
	BotUser() User

	// Send posts a message to a channel
	Send(ctx context.Context, channelID string, content string) error

	// SendEmbed posts an embed to a channel
	SendEmbed(ctx context.Context, channelID string, embed Embed) error

	// SendDirect sends a direct message to a user
	SendDirect(ctx context.Context, userID string, content string) error

	// ReplyTo replies to a message, in the message's channel
	ReplyTo(ctx context.Context, m Message, content string) error

	// Respond responds to an interaction
	Respond(ctx context.Context, i Interaction, reply Reply) error

	// FetchUser looks up a user, returning ErrNotFound if it doesn't exist
	FetchUser(ctx context.Context, userID string) (User, error)

	// FetchChannel looks up a channel, returning ErrNotFound if it doesn't exist
	FetchChannel(ctx context.Context, channelID string) (Channel, error)

	// SetStatus sets the bot's custom status
	SetStatus(ctx context.Context, status string) error
}

// EventHandlers receives inbound events from a Connection
type EventHandlers struct {
	Message     func(ctx context.Context, m Message)
	Interaction func(ctx context.Context, i Interaction)
}

// Connection is a Gateway that also delivers inbound events and
// manages the slash commands registered with the platform.
type Connection interface {
	Gateway

	// Open connects to the platform, delivering events to handlers
	// until Close is called
	Open(ctx context.Context, handlers EventHandlers) error

	// SyncCommands replaces the registered slash commands
	SyncCommands(ctx context.Context, commands []*discordgo.ApplicationCommand) error

	Close() error
}

// fetchDisplayName looks up a user's display name, falling back to a
// mention when the lookup fails.
func fetchDisplayName(ctx context.Context, gw Gateway, userID string) string {
	u, err := gw.FetchUser(ctx, userID)
	if err != nil {
		return User{ID: userID}.Mention()
	}
	return u.DisplayName()
}

// mentionList renders users as a comma separated list of mentions
func mentionList(users []User) string {
	mentions := make([]string, 0, len(users))
	for _, u := range users {
		mentions = append(mentions, u.Mention())
	}
	return strings.Join(mentions, ", ")
}
