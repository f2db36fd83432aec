package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

// mockDiscordSession records the calls made through DiscordSessionHandler,
// and lets tests emit gateway events to the registered handlers
type mockDiscordSession struct {
	mu sync.Mutex

	openErr    error
	sendErr    error
	channelErr error
	channels   map[string]*discordgo.Channel

	opened    bool
	closed    bool
	identify  discordgo.Identify
	status    []string
	sent      []sentMessage
	embeds    []*discordgo.MessageEmbed
	replies   []*discordgo.MessageReference
	responses []*discordgo.InteractionResponse
	commands  []*discordgo.ApplicationCommand
	handlers  map[int]any
	handlerID int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		channels: map[string]*discordgo.Channel{},
		handlers: map[int]any{},
	}
}

func (m *mockDiscordSession) emit(event any) {
	m.mu.Lock()
	handlers := make([]any, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		switch e := event.(type) {
		case *discordgo.Connect:
			if f, ok := h.(func(*discordgo.Session, *discordgo.Connect)); ok {
				f(nil, e)
			}
		case *discordgo.Disconnect:
			if f, ok := h.(func(*discordgo.Session, *discordgo.Disconnect)); ok {
				f(nil, e)
			}
		case *discordgo.Ready:
			if f, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
				f(nil, e)
			}
		case *discordgo.MessageCreate:
			if f, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
				f(nil, e)
			}
		case *discordgo.InteractionCreate:
			if f, ok := h.(func(*discordgo.Session, *discordgo.InteractionCreate)); ok {
				f(nil, e)
			}
		}
	}
}

func (m *mockDiscordSession) handlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Content: message})
	return &discordgo.Message{ID: fmt.Sprintf("m%d", len(m.sent)), ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Content: content})
	m.replies = append(m.replies, reference)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if m.channelErr != nil {
		return nil, m.channelErr
	}
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	if userID == "missing" {
		return nil, restError(http.StatusNotFound)
	}
	return &discordgo.User{ID: userID, Username: "user" + userID}, nil
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channelID]
	if !ok {
		return nil, restError(http.StatusNotFound)
	}
	return c, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = append(m.status, status)
	return nil
}

func (m *mockDiscordSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlerID++
	id := m.handlerID
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(slog.Level) {}

func restError(code int) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{
			StatusCode: code,
			Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		},
	}
}

func newTestDiscord(t *testing.T) (*Discord, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	d := newDiscord(cfg.Discord, slog.New(newLogHandler(nil, slog.LevelWarn)))
	session := newMockDiscordSession()
	d.session = session
	return d, session
}

func TestDiscord_Send(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	ctx := context.Background()

	require.NoError(t, d.Send(ctx, testChannelID, "hello"))
	require.NoError(t, d.SendDirect(ctx, "42", "psst"))
	require.NoError(
		t,
		d.ReplyTo(
			ctx,
			Message{ID: "m1", ChannelID: testChannelID, GuildID: testGuildID},
			"pong",
		),
	)
	require.NoError(
		t,
		d.SendEmbed(
			ctx,
			testChannelID,
			Embed{Title: "Leaderboard", Fields: []EmbedField{{Name: "alice"}}},
		),
	)

	assert.Equal(
		t,
		[]sentMessage{
			{ChannelID: testChannelID, Content: "hello"},
			{ChannelID: "dm-42", Content: "psst"},
			{ChannelID: testChannelID, Content: "pong"},
		},
		session.sent,
	)
	require.Len(t, session.replies, 1)
	assert.Equal(
		t,
		&discordgo.MessageReference{MessageID: "m1", ChannelID: testChannelID, GuildID: testGuildID},
		session.replies[0],
	)
	require.Len(t, session.embeds, 1)
	assert.Equal(t, "Leaderboard", session.embeds[0].Title)
	assert.Equal(t, "\u200b", session.embeds[0].Fields[0].Value)
}

func TestDiscord_NotFound(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	ctx := context.Background()

	session.sendErr = restError(http.StatusNotFound)
	err := d.Send(ctx, "gone", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	session.sendErr = restError(http.StatusForbidden)
	err = d.Send(ctx, testChannelID, "hello")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	session.channelErr = restError(http.StatusNotFound)
	assert.ErrorIs(t, d.SendDirect(ctx, "42", "psst"), ErrNotFound)

	_, err = d.FetchUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.FetchChannel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, notFound(nil))
}

func TestDiscord_Fetch(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	ctx := context.Background()
	session.channels[testDMChannelID] = &discordgo.Channel{
		ID:   testDMChannelID,
		Type: discordgo.ChannelTypeDM,
	}
	session.channels[testChannelID] = &discordgo.Channel{
		ID:      testChannelID,
		GuildID: testGuildID,
		Name:    "general",
		Type:    discordgo.ChannelTypeGuildText,
	}

	c, err := d.FetchChannel(ctx, testDMChannelID)
	require.NoError(t, err)
	assert.True(t, c.DM)

	c, err = d.FetchChannel(ctx, testChannelID)
	require.NoError(t, err)
	assert.Equal(t, Channel{ID: testChannelID, GuildID: testGuildID, Name: "general"}, c)

	u, err := d.FetchUser(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, User{ID: "7", Username: "user7"}, u)
}

func TestDiscord_Respond(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	ctx := context.Background()

	err := d.Respond(ctx, Interaction{ID: "i1", Command: "leaderboard"}, Reply{Content: "hi"})
	assert.Error(t, err)
	assert.Empty(t, session.responses)

	i := interactionFromDiscord(
		&discordgo.Interaction{
			ID:   "i2",
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{Name: "leaderboard"},
		},
	)
	require.NoError(
		t,
		d.Respond(
			ctx,
			i,
			Reply{Content: "hi", Ephemeral: true, Embeds: []Embed{{Title: "Leaderboard"}}},
		),
	)
	require.Len(t, session.responses, 1)
	resp := session.responses[0]
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Equal(t, "hi", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	require.Len(t, resp.Data.Embeds, 1)
}

func TestDiscord_OpenDeliversEvents(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	d.config.CustomStatus = "Counting tacos"
	ctx := context.Background()

	messages := make(chan Message, 1)
	interactions := make(chan Interaction, 1)
	require.NoError(
		t,
		d.Open(
			ctx, EventHandlers{
				Message:     func(_ context.Context, m Message) { messages <- m },
				Interaction: func(_ context.Context, i Interaction) { interactions <- i },
			},
		),
	)
	assert.True(t, session.opened)
	assert.Equal(t, []string{"Counting tacos"}, session.status)
	assert.Equal(t, d.config.GatewayIntents, session.identify.Intents)
	assert.Equal(t, 5, session.handlerCount())

	assert.False(t, d.Connected())
	session.emit(&discordgo.Connect{})
	assert.True(t, d.Connected())
	session.emit(&discordgo.Ready{User: &discordgo.User{ID: "bot-1", Username: "ebot", Bot: true}})
	assert.Equal(t, User{ID: "bot-1", Username: "ebot", Bot: true}, d.BotUser())

	// messages without an author are dropped
	session.emit(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "m0", Content: "?"}})
	session.emit(
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "m1",
				ChannelID: testChannelID,
				GuildID:   testGuildID,
				Content:   "hello",
				Author:    &discordgo.User{ID: "1"},
			},
		},
	)
	select {
	case m := <-messages:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "hello", m.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	session.emit(
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:   "ping",
				Type: discordgo.InteractionPing,
			},
		},
	)
	session.emit(
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				ID:      "i1",
				Type:    discordgo.InteractionApplicationCommand,
				GuildID: testGuildID,
				Member:  &discordgo.Member{User: &discordgo.User{ID: "1"}},
				Data:    discordgo.ApplicationCommandInteractionData{Name: "leaderboard"},
			},
		},
	)
	select {
	case i := <-interactions:
		assert.Equal(t, "i1", i.ID)
		assert.Equal(t, "leaderboard", i.Command)
	case <-time.After(5 * time.Second):
		t.Fatal("interaction not delivered")
	}
	assert.Empty(t, messages)
	assert.Empty(t, interactions)

	session.emit(&discordgo.Disconnect{})
	assert.False(t, d.Connected())

	require.NoError(t, d.Close())
	assert.True(t, session.closed)
	assert.Zero(t, session.handlerCount())
}

func TestDiscord_OpenCredentialError(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	session.openErr = errors.New("websocket: close 4004: Authentication failed.")

	err := d.Open(context.Background(), EventHandlers{})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	session.openErr = errors.New("dial tcp: i/o timeout")
	err = d.Open(context.Background(), EventHandlers{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredential)

	// handlers from the earlier attempts are replaced, not stacked
	assert.Equal(t, 5, session.handlerCount())
}

func TestIsCredentialError(t *testing.T) {
	t.Parallel()
	assert.True(t, isCredentialError(restError(http.StatusUnauthorized)))
	assert.True(t, isCredentialError(fmt.Errorf("open: %w", restError(http.StatusUnauthorized))))
	assert.False(t, isCredentialError(restError(http.StatusNotFound)))
	assert.True(t, isCredentialError(errors.New("Authentication failed")))
	assert.False(t, isCredentialError(errors.New("connection reset")))
}

func TestDiscord_SyncCommands(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)

	require.NoError(t, d.SyncCommands(context.Background(), nil))
	assert.NotNil(t, session.commands)
	assert.Empty(t, session.commands)

	cmds := []*discordgo.ApplicationCommand{{Name: "leaderboard"}}
	require.NoError(t, d.SyncCommands(context.Background(), cmds))
	assert.Equal(t, cmds, session.commands)
}

func TestDiscord_BotUserFallback(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t)
	d.config.ApplicationID = "app-1"
	assert.Equal(t, User{ID: "app-1", Bot: true}, d.BotUser())
}

func TestUserFromDiscord(t *testing.T) {
	t.Parallel()
	assert.Equal(t, User{}, userFromDiscord(nil, nil))
	assert.Equal(
		t,
		User{ID: "1", Username: "alice", GlobalName: "Alice", Roles: []string{"r1"}},
		userFromDiscord(
			nil,
			&discordgo.Member{
				User:  &discordgo.User{ID: "1", Username: "alice", GlobalName: "Alice"},
				Roles: []string{"r1"},
			},
		),
	)
	assert.True(t, userFromDiscord(&discordgo.User{ID: "0", System: true}, nil).Bot)
}

func TestMessageFromDiscord(t *testing.T) {
	t.Parallel()
	msg, ok := messageFromDiscord(
		&discordgo.Message{
			ID:        "m1",
			ChannelID: testDMChannelID,
			Content:   "hello",
			Author:    &discordgo.User{ID: "1"},
			Mentions:  []*discordgo.User{{ID: "2"}, {ID: "3", Bot: true}},
		},
	)
	require.True(t, ok)
	assert.True(t, msg.DM)
	assert.Equal(t, []User{{ID: "2"}, {ID: "3", Bot: true}}, msg.Mentions)

	_, ok = messageFromDiscord(&discordgo.Message{ID: "m2"})
	assert.False(t, ok)
}

func TestInteractionFromDiscord(t *testing.T) {
	t.Parallel()
	raw := &discordgo.Interaction{
		ID:        "i1",
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   testGuildID,
		ChannelID: testChannelID,
		Member:    &discordgo.Member{User: &discordgo.User{ID: "1"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "set",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{Name: "date", Type: discordgo.ApplicationCommandOptionString, Value: "05-03"},
			},
		},
	}

	i := interactionFromDiscord(raw)
	assert.Equal(t, "i1", i.ID)
	assert.Equal(t, "set", i.Command)
	assert.Equal(t, "1", i.User.ID)
	assert.False(t, i.DM)
	assert.Equal(t, map[string]any{"date": "05-03"}, i.Options)
	assert.Same(t, raw, i.raw)
}
