package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrInvalidCredential is returned by Discord.Open when the gateway
// rejects the bot token
var ErrInvalidCredential = errors.New("invalid discord credential")

// Discord is the Connection to the discord gateway and REST API.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	// directLimiter throttles SendDirect
	directLimiter *rate.Limiter

	botUser           atomic.Pointer[User]
	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	handlersMu                  sync.Mutex
	discordgoRemoveHandlerFuncs []func()
	runtimeWG                   sync.WaitGroup
}

// newDiscord initializes a new Discord instance with the provided
// configuration. The session is created on Open unless one is set.
func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.DirectMessageRate > 0 {
		limit = rate.Limit(config.DirectMessageRate)
	}
	burst := config.DirectMessageBurst
	if burst <= 0 {
		burst = 1
	}
	return &Discord{
		config:        config,
		logger:        logger,
		directLimiter: rate.NewLimiter(limit, burst),
	}
}

// newSession initializes a new discordgo session with the configured
// token, HTTP client and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	level := DefaultDiscordgoLogLevel
	if d.config.DiscordGoLogLevel != nil {
		level = d.config.DiscordGoLogLevel.Level()
	}
	session.SetLogLevel(level)
	return session, nil
}

func (d *Discord) BotUser() User {
	if u := d.botUser.Load(); u != nil {
		return *u
	}
	// the application ID is the bot's user ID
	return User{ID: d.config.ApplicationID, Bot: true}
}

func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			u := userFromDiscord(r.User, nil)
			d.botUser.Store(&u)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", d.BotUser().ID,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// Open connects to the gateway. Each inbound event is handed to its
// handler in a new goroutine, so a slow handler never holds up the
// gateway.
func (d *Discord) Open(ctx context.Context, handlers EventHandlers) error {
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}
	ctx = WithLogger(ctx, d.logger)

	d.session.SetIdentify(
		discordgo.Identify{
			Intents:  d.config.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{Status: string(discordgo.StatusOnline)},
		},
	)

	d.handlersMu.Lock()
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if handlers.Message == nil || m.Message == nil {
					return
				}
				msg, ok := messageFromDiscord(m.Message)
				if !ok {
					return
				}
				d.runtimeWG.Add(1)
				go func() {
					defer d.runtimeWG.Done()
					handlers.Message(ctx, msg)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				if handlers.Interaction == nil || i.Interaction == nil {
					return
				}
				if i.Type != discordgo.InteractionApplicationCommand {
					return
				}
				interaction := interactionFromDiscord(i.Interaction)
				d.runtimeWG.Add(1)
				go func() {
					defer d.runtimeWG.Done()
					handlers.Interaction(ctx, interaction)
				}()
			},
		),
	}
	d.handlersMu.Unlock()

	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		if isCredentialError(err) {
			return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if d.config.CustomStatus != "" {
		if err := d.SetStatus(ctx, d.config.CustomStatus); err != nil {
			d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	return nil
}

// isCredentialError reports whether err is the gateway or REST API
// rejecting the bot token
func isCredentialError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusUnauthorized {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "4004") || strings.Contains(msg, "Authentication failed")
}

// Close removes the event handlers, waits for in-flight handlers and
// closes the gateway connection
func (d *Discord) Close() error {
	d.handlersMu.Lock()
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
	d.handlersMu.Unlock()

	d.runtimeWG.Wait()
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

// SyncCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) SyncCommands(
	ctx context.Context,
	commands []*discordgo.ApplicationCommand,
) error {
	if d.session == nil {
		return errors.New("discord session not initialized")
	}
	if commands == nil {
		commands = []*discordgo.ApplicationCommand{}
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error overwriting discord commands: %w", err)
	}
	d.logger.InfoContext(ctx, "synced commands", "count", len(created))
	return nil
}

func (d *Discord) Send(ctx context.Context, channelID string, content string) error {
	_, err := d.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return notFound(err)
}

func (d *Discord) SendEmbed(ctx context.Context, channelID string, embed Embed) error {
	_, err := d.session.ChannelMessageSendEmbed(
		channelID,
		embed.discordEmbed(),
		discordgo.WithContext(ctx),
	)
	return notFound(err)
}

// SendDirect opens (or reuses) the DM channel with the user and sends
// content to it. Calls are throttled by the configured direct message
// rate.
func (d *Discord) SendDirect(ctx context.Context, userID string, content string) error {
	if err := d.directLimiter.Wait(ctx); err != nil {
		return err
	}
	channel, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", notFound(err))
	}
	_, err = d.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx))
	return notFound(err)
}

func (d *Discord) ReplyTo(ctx context.Context, m Message, content string) error {
	_, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		&discordgo.MessageReference{
			MessageID: m.ID,
			ChannelID: m.ChannelID,
			GuildID:   m.GuildID,
		},
		discordgo.WithContext(ctx),
	)
	return notFound(err)
}

func (d *Discord) Respond(ctx context.Context, i Interaction, reply Reply) error {
	if i.raw == nil {
		return errors.New("interaction has no discord payload")
	}
	data := &discordgo.InteractionResponseData{Content: reply.Content}
	for _, e := range reply.Embeds {
		data.Embeds = append(data.Embeds, e.discordEmbed())
	}
	if reply.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return d.session.InteractionRespond(
		i.raw,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
		discordgo.WithContext(ctx),
	)
}

func (d *Discord) FetchUser(ctx context.Context, userID string) (User, error) {
	u, err := d.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return User{}, notFound(err)
	}
	return userFromDiscord(u, nil), nil
}

func (d *Discord) FetchChannel(ctx context.Context, channelID string) (Channel, error) {
	c, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return Channel{}, notFound(err)
	}
	return Channel{
		ID:      c.ID,
		GuildID: c.GuildID,
		Name:    c.Name,
		DM:      c.Type == discordgo.ChannelTypeDM || c.Type == discordgo.ChannelTypeGroupDM,
	}, nil
}

func (d *Discord) SetStatus(_ context.Context, status string) error {
	return d.session.UpdateCustomStatus(status)
}

// notFound maps discord 404 responses to ErrNotFound
func notFound(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func userFromDiscord(u *discordgo.User, member *discordgo.Member) User {
	if u == nil && member != nil {
		u = member.User
	}
	if u == nil {
		return User{}
	}
	rv := User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot || u.System,
	}
	if member != nil {
		rv.Roles = member.Roles
	}
	return rv
}

// messageFromDiscord converts a gateway message. Returns false for
// messages without an author.
func messageFromDiscord(m *discordgo.Message) (Message, bool) {
	author := userFromDiscord(m.Author, m.Member)
	if author.ID == "" {
		return Message{}, false
	}
	msg := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Author:    author,
		DM:        m.GuildID == "",
	}
	for _, u := range m.Mentions {
		msg.Mentions = append(msg.Mentions, userFromDiscord(u, nil))
	}
	return msg, true
}

func interactionFromDiscord(i *discordgo.Interaction) Interaction {
	data := i.ApplicationCommandData()
	rv := Interaction{
		ID:        i.ID,
		Command:   data.Name,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		User:      userFromDiscord(i.User, i.Member),
		Options:   map[string]any{},
		DM:        i.GuildID == "",
		raw:       i,
	}
	for _, opt := range data.Options {
		rv.Options[opt.Name] = opt.Value
	}
	return rv
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to a specified channel.
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate returns the DM channel with the given user,
	// creating it if needed
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// User fetches a user
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// Channel fetches a channel
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(channelID, message, opts...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
	if err != nil {
		d.logger.Error(
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
			"title", embed.Title,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference.MessageID,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"reference", reference.MessageID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}
