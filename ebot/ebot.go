package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Erovia/ebot/ebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	unknownCommandReply   = "Are you trying to initiate a standard human connection, fellow human?"
	unknownSlashCommand   = "Unknown command"
	defaultHandlerTimeout = 2 * time.Minute
)

// StartupErrorClass identifies why the host failed to start
type StartupErrorClass string

const (
	StartupErrorConfig     StartupErrorClass = "config"
	StartupErrorCredential StartupErrorClass = "credential"
	StartupErrorStore      StartupErrorClass = "store"
)

// StartupError is a fatal error raised before the host starts serving
type StartupError struct {
	Class StartupErrorClass
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Class, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status for the error class
func (e *StartupError) ExitCode() int {
	switch e.Class {
	case StartupErrorConfig:
		return 2
	case StartupErrorCredential:
		return 3
	case StartupErrorStore:
		return 4
	default:
		return 1
	}
}

// Host wires the stores, scheduler, dispatcher and extensions together,
// and connects them to discord.
type Host struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	store      Store
	conn       Connection
	dispatcher *Dispatcher
	scheduler  *Scheduler
	registry   *Registry
	sessions   *SessionTable
	responders ResponderFactory
	api        *API

	cooldowns *Cooldowns
	ledger    *Ledger
	rewards   *RewardEngine

	runMu     sync.Mutex
	started   atomic.Bool
	startedAt time.Time
}

// Option customizes a Host
type Option func(h *Host)

// WithStore uses store instead of opening the configured one
func WithStore(store Store) Option {
	return func(h *Host) {
		h.store = store
	}
}

// WithConnection uses conn instead of connecting to discord
func WithConnection(conn Connection) Option {
	return func(h *Host) {
		h.conn = conn
	}
}

// WithResponderFactory sets the responders used for doctor sessions
func WithResponderFactory(factory ResponderFactory) Option {
	return func(h *Host) {
		h.responders = factory
	}
}

// WithLogHandler sets the handler for the host's own logs
func WithLogHandler(handler slog.Handler) Option {
	return func(h *Host) {
		h.logHandler = handler
	}
}

// New validates config and builds a Host. Validation failures are
// returned as a *StartupError.
func New(config *Config, opts ...Option) (*Host, error) {
	if config == nil {
		return nil, &StartupError{Class: StartupErrorConfig, Err: errors.New("missing config")}
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, &StartupError{Class: StartupErrorConfig, Err: err}
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	h := &Host{
		config:   config,
		sessions: NewSessionTable(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.logHandler == nil {
		h.logHandler = newLogHandler(nil, levelOr(config.LogLevel, DefaultLogLevel))
		h.logger = slog.New(h.logHandler)
		slog.SetDefault(h.logger)
	} else {
		h.logger = slog.New(h.logHandler)
	}

	discordLevel := levelOr(config.Discord.LogLevel, DefaultDiscordLogLevel)
	if h.conn == nil {
		if config.Discord.Token == "" {
			return nil, &StartupError{
				Class: StartupErrorCredential,
				Err:   errors.New("discord token is required"),
			}
		}
		config.Discord.httpClient = config.HTTPClient
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			newLogHandler(
				nil,
				levelOr(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
			).WithAttrs(
				[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
			),
		)
		h.conn = newDiscord(
			config.Discord,
			slog.New(newLogHandler(nil, discordLevel)).With(loggerNameKey, "discord"),
		)
	}

	if h.responders == nil {
		h.responders = newResponderFactory(config.Doctor, config.HTTPClient)
	}

	h.dispatcher = NewDispatcher(h.logger)
	h.scheduler = NewScheduler(h.logHandler)
	h.registry = NewRegistry(h.dispatcher, h.scheduler, h, h.logger)
	registerBuiltinExtensions(h.registry)

	if config.API != nil && config.API.Enabled {
		h.api = newAPI(h, config.API)
	}
	return h, nil
}

// registerBuiltinExtensions makes every bundled extension available
func registerBuiltinExtensions(r *Registry) {
	r.Register(AdminExtension, func() Extension { return &adminExtension{} })
	r.Register(tacoExtensionName, func() Extension { return &tacoExtension{} })
	r.Register(doctorExtensionName, func() Extension { return &doctorExtension{} })
	r.Register(birthdayExtensionName, func() Extension { return &birthdayExtension{} })
	r.Register(draculaExtensionName, func() Extension { return &draculaExtension{} })
	r.Register(presenceExtensionName, func() Extension { return &presenceExtension{} })
}

func (h *Host) Config() *Config {
	return h.config
}

func (h *Host) Logger() *slog.Logger {
	return h.logger
}

// Gateway returns the connection extensions use to talk to discord
func (h *Host) Gateway() Gateway {
	return h.conn
}

func (h *Host) Store() Store {
	return h.store
}

func (h *Host) Extensions() *Registry {
	return h.registry
}

func (h *Host) Scheduler() *Scheduler {
	return h.scheduler
}

func (h *Host) Dispatcher() *Dispatcher {
	return h.dispatcher
}

func (h *Host) Sessions() *SessionTable {
	return h.sessions
}

func (h *Host) Responders() ResponderFactory {
	return h.responders
}

func (h *Host) Cooldowns() *Cooldowns {
	return h.cooldowns
}

func (h *Host) Ledger() *Ledger {
	return h.ledger
}

func (h *Host) Rewards() *RewardEngine {
	return h.rewards
}

// Start opens the store, loads the configured extensions and connects to
// discord. Extension failures are logged and never stop the host from
// starting. A missing store or a rejected credential is a *StartupError.
func (h *Host) Start(ctx context.Context) error {
	logger := h.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", h.config))

	startupTimeout := h.config.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}
	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	if h.store == nil {
		store, err := OpenStore(startCtx, h.config, h.logHandler)
		if err != nil {
			logger.ErrorContext(ctx, "error opening store", tint.Err(err))
			return &StartupError{Class: StartupErrorStore, Err: err}
		}
		h.store = store
	}
	if err := h.store.Ping(startCtx); err != nil {
		return &StartupError{Class: StartupErrorStore, Err: err}
	}

	h.cooldowns = NewCooldowns(h.store, h.config.Taco.CooldownTTL, logger)
	h.ledger = NewLedger(h.store, logger)
	h.rewards = NewRewardEngine(
		h.ledger,
		h.cooldowns,
		h.conn,
		h.config.Taco.NoCooldownGroups,
		logger,
	)

	loaded := h.registry.LoadAll(ctx, h.config.Extensions)
	logger.InfoContext(
		ctx,
		"loaded extensions",
		"loaded", loaded,
		"configured", len(h.config.Extensions),
	)

	if err := h.conn.Open(
		ctx,
		EventHandlers{Message: h.handleMessage, Interaction: h.handleInteraction},
	); err != nil {
		h.registry.UnloadAll(ctx)
		if closeErr := h.store.Close(ctx); closeErr != nil {
			logger.ErrorContext(ctx, "error closing store", tint.Err(closeErr))
		}
		if errors.Is(err, ErrInvalidCredential) {
			return &StartupError{Class: StartupErrorCredential, Err: err}
		}
		return err
	}

	h.syncCommands(startCtx)
	h.registry.OnChange(h.syncCommands)
	h.scheduler.Start()

	h.startedAt = time.Now()
	h.started.Store(true)
	logger.InfoContext(ctx, "started", "extensions", h.registry.List())
	return nil
}

// Run starts the host and blocks until ctx is cancelled, then shuts down
func (h *Host) Run(ctx context.Context) error {
	// prevents concurrent runs
	h.runMu.Lock()
	defer h.runMu.Unlock()

	if err := h.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if h.api != nil {
		g.Go(
			func() error {
				err := h.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					h.logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}
	g.Go(
		func() error {
			<-gctx.Done()
			return nil
		},
	)
	runErr := g.Wait()

	shutdownTimeout := h.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, h.Shutdown(shutdownCtx))
}

// Shutdown unloads every extension, stops the scheduler and closes the
// connection and store
func (h *Host) Shutdown(ctx context.Context) error {
	h.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	var errs []error

	h.registry.UnloadAll(ctx)
	if err := h.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing connection: %w", err))
		}
	}
	if h.store != nil {
		if err := h.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error closing store: %w", err))
		}
	}
	h.started.Store(false)

	err := errors.Join(errs...)
	if err != nil {
		h.logger.ErrorContext(ctx, "error shutting down", tint.Err(err))
	}
	h.logger.InfoContext(ctx, "exiting!", "shutdown_duration", time.Since(shutdownStart))
	return err
}

// syncCommands registers the dispatcher's slash commands with discord
func (h *Host) syncCommands(ctx context.Context) {
	if err := h.conn.SyncCommands(ctx, h.dispatcher.Commands()); err != nil {
		h.logger.ErrorContext(ctx, "error syncing commands", tint.Err(err))
	}
}

// handleMessage dispatches m to the matching listeners. Messages that
// look like a command aimed at the bot, but that nothing handled, get
// a canned reply.
func (h *Host) handleMessage(ctx context.Context, m Message) {
	ctx, cancel := context.WithTimeout(ctx, defaultHandlerTimeout)
	defer cancel()
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	botID := h.conn.BotUser().ID
	if h.dispatcher.DispatchMessage(ctx, m, botID) > 0 || m.Author.Bot {
		return
	}
	cmd, _, ok := parseBotCommand(m.Content, botID)
	if !ok || cmd == "" || isEmojiCommand(cmd) {
		return
	}
	if err := h.conn.ReplyTo(ctx, m, unknownCommandReply); err != nil {
		h.logger.WarnContext(ctx, "error replying to unknown command", tint.Err(err))
	}
}

// isEmojiCommand reports whether cmd is an emoji rather than a word
func isEmojiCommand(cmd string) bool {
	if strings.HasPrefix(cmd, "<:") || strings.HasPrefix(cmd, "<a:") ||
		strings.HasPrefix(cmd, ":") {
		return true
	}
	r, _ := utf8.DecodeRuneInString(cmd)
	return unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r)
}

func (h *Host) handleInteraction(ctx context.Context, i Interaction) {
	ctx, cancel := context.WithTimeout(ctx, defaultHandlerTimeout)
	defer cancel()

	err := h.dispatcher.DispatchInteraction(ctx, i)
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownCommand) {
		h.logger.WarnContext(ctx, "unknown command", "command", i.Command)
		if rerr := h.conn.Respond(
			ctx,
			i,
			Reply{Content: unknownSlashCommand, Ephemeral: true},
		); rerr != nil {
			h.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(rerr))
		}
	}
}

// Status summarizes the running host
type Status struct {
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	Connected  bool      `json:"connected"`
	Extensions []string  `json:"extensions"`
	Sessions   int       `json:"sessions"`
}

func (h *Host) Status() Status {
	s := Status{
		Version:    Version,
		StartedAt:  h.startedAt,
		Extensions: h.registry.List(),
		Sessions:   h.sessions.Len(),
	}
	if d, ok := h.conn.(*Discord); ok {
		s.Connected = d.Connected()
	} else {
		s.Connected = h.started.Load()
	}
	return s
}
