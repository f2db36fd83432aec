package ebot

import (
	"context"
	"errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// newTestHost starts a Host on a temporary SQLite database, talking to a
// mockGateway. configure, if given, runs before the host is built.
func newTestHost(t *testing.T, configure func(cfg *Config)) (*Host, *mockGateway) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	if configure != nil {
		configure(cfg)
	}

	gw := newMockGateway()
	h, err := New(
		cfg,
		WithStore(newTestStore(t)),
		WithConnection(gw),
		WithLogHandler(newLogHandler(nil, slog.LevelWarn)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	t.Cleanup(
		func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.Shutdown(shutdownCtx); err != nil {
				t.Logf("error shutting down: %v", err)
			}
		},
	)
	return h, gw
}

// loadedAs returns the loaded instance of the named extension
func loadedAs[T Extension](t *testing.T, h *Host, name string) T {
	t.Helper()
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	le, ok := h.registry.loaded[name]
	require.True(t, ok, "extension %q not loaded", name)
	ext, ok := le.extension.(T)
	require.True(t, ok, "extension %q is a %T", name, le.extension)
	return ext
}

func guildMessage(author User, content string, mentions ...User) Message {
	return Message{
		ID:        "400000000000000001",
		ChannelID: testChannelID,
		GuildID:   testGuildID,
		Content:   content,
		Author:    author,
		Mentions:  mentions,
	}
}

func botMention() string {
	return "<@" + testBotID + ">"
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StartupErrorConfig, startupErr.Class)

	cfg := DefaultTestConfig(t)
	cfg.StoreType = "redis"
	_, err = New(cfg, WithConnection(newMockGateway()))
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StartupErrorConfig, startupErr.Class)
	assert.Equal(t, 2, startupErr.ExitCode())

	cfg = DefaultTestConfig(t)
	cfg.Discord.Token = ""
	_, err = New(cfg, WithLogHandler(newLogHandler(nil, slog.LevelWarn)))
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StartupErrorCredential, startupErr.Class)
	assert.Equal(t, 3, startupErr.ExitCode())
}

func TestStart_CredentialRejected(t *testing.T) {
	t.Parallel()
	gw := newMockGateway()
	gw.openErr = errors.Join(ErrInvalidCredential, errors.New("4004 Authentication failed"))

	h, err := New(
		DefaultTestConfig(t),
		WithStore(newTestStore(t)),
		WithConnection(gw),
		WithLogHandler(newLogHandler(nil, slog.LevelWarn)),
	)
	require.NoError(t, err)

	err = h.Start(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StartupErrorCredential, startupErr.Class)
}

func TestStart_StoreUnavailable(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	// the parent "directory" is a regular file
	notADir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0600))
	cfg.Database = filepath.Join(notADir, "ebot.sqlite3")

	h, err := New(
		cfg,
		WithConnection(newMockGateway()),
		WithLogHandler(newLogHandler(nil, slog.LevelWarn)),
	)
	require.NoError(t, err)

	err = h.Start(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, StartupErrorStore, startupErr.Class)
	assert.Equal(t, 4, startupErr.ExitCode())
}

func TestHost_StartLoadsExtensions(t *testing.T) {
	t.Parallel()
	h, gw := newTestHost(
		t, func(cfg *Config) {
			cfg.Extensions = []string{AdminExtension, "taco", "doctor", "birthday", "nope"}
		},
	)

	assert.Equal(t, []string{AdminExtension, "taco", "doctor", "birthday"}, h.Extensions().List())
	assert.True(t, gw.opened)
	assert.Equal(t, []string{"birthday", "doctor", "leaderboard"}, gw.LastSync())

	status := h.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, Version, status.Version)
	assert.False(t, status.StartedAt.IsZero())
	assert.Equal(t, 0, status.Sessions)

	// unloading an extension resyncs commands
	_, err := h.Extensions().Unload(context.Background(), "birthday")
	require.NoError(t, err)
	assert.Equal(t, []string{"doctor", "leaderboard"}, gw.LastSync())
}

func TestHost_UnknownCommandReply(t *testing.T) {
	t.Parallel()
	h, gw := newTestHost(t, nil)
	ctx := context.Background()
	user := User{ID: "u1"}
	bot := gw.BotUser()

	h.handleMessage(ctx, guildMessage(user, botMention()+" dance", bot))
	replies := gw.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, unknownCommandReply, replies[0].Content)

	// emoji and plain chatter don't get a reply
	h.handleMessage(ctx, guildMessage(user, botMention()+" 🌮", bot))
	h.handleMessage(ctx, guildMessage(user, botMention()+" <:taco:123>", bot))
	h.handleMessage(ctx, guildMessage(user, "just talking"))
	h.handleMessage(ctx, guildMessage(user, botMention(), bot))
	h.handleMessage(ctx, guildMessage(User{ID: "b2", Bot: true}, botMention()+" dance", bot))
	assert.Len(t, gw.Replies(), 1)
}

func TestHost_UnknownSlashCommand(t *testing.T) {
	t.Parallel()
	h, gw := newTestHost(t, nil)

	h.handleInteraction(context.Background(), Interaction{ID: "i1", Command: "nope", User: User{ID: "u1"}})
	responses := gw.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "i1", responses[0].InteractionID)
	assert.Equal(t, Reply{Content: unknownSlashCommand, Ephemeral: true}, responses[0].Reply)
}

func TestHost_Shutdown(t *testing.T) {
	t.Parallel()
	gw := newMockGateway()
	cfg := DefaultTestConfig(t)
	cfg.Extensions = []string{AdminExtension, "taco"}
	h, err := New(
		cfg,
		WithStore(newTestStore(t)),
		WithConnection(gw),
		WithLogHandler(newLogHandler(nil, slog.LevelWarn)),
	)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Shutdown(context.Background()))
	assert.True(t, gw.closed)
	assert.Empty(t, h.Extensions().List())
	assert.Empty(t, h.Scheduler().Tasks())
	assert.False(t, h.Status().Connected)
}

func TestIsEmojiCommand(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"🌮", "<:taco:1>", "<a:dance:2>", ":taco:"} {
		assert.True(t, isEmojiCommand(s), s)
	}
	for _, s := range []string{"dance", "leaderboard", "42"} {
		assert.False(t, isEmojiCommand(s), s)
	}
}
