package ebot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiPathExtensions      = "/extensions"
	apiPathExtensionLoad   = "/extensions/:name/load"
	apiPathExtensionUnload = "/extensions/:name/unload"
	apiPathExtensionReload = "/extensions/:name/reload"
	apiPathLeaderboard     = "/guilds/:guild_id/leaderboard"
	apiPathTasks           = "/tasks"
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

// API is the admin HTTP server. It exposes the host's status, and lets an
// operator inspect and manage extensions, tasks and leaderboards.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI builds the gin engine and the HTTP server for h. The server
// isn't started until Serve is called.
func newAPI(h *Host, config *APIConfig) *API {
	r := gin.New()

	logger := slog.New(
		newLogHandler(nil, levelOr(config.LogLevel, DefaultAPILogLevel)),
	).With(loggerNameKey, "api")

	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{h: h, logger: logger},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, logger))

	protected.GET(apiPathExtensions, api.handlers.listExtensions)
	protected.POST(apiPathExtensionLoad, api.handlers.loadExtension)
	protected.POST(apiPathExtensionUnload, api.handlers.unloadExtension)
	protected.POST(apiPathExtensionReload, api.handlers.reloadExtension)
	protected.GET(apiPathLeaderboard, api.handlers.leaderboard)
	protected.GET(apiPathTasks, api.handlers.listTasks)

	return api
}

// Serve listens on the configured address and serves until ctx is
// cancelled, then shuts the server down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpServer.Serve(a.listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down api: %w", err)
		}
		if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Handler returns the router, for serving requests without a listener
func (a *API) Handler() http.Handler {
	return a.engine
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	h      *Host
	logger *slog.Logger
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type leaderboardQuery struct {
	Field string `form:"field" binding:"omitempty,oneof=received given"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=50"`
}

type leaderboardResponse struct {
	GuildID string        `json:"guild_id"`
	Field   LedgerField   `json:"field"`
	Entries []LedgerEntry `json:"entries"`
}

type extensionActionResponse struct {
	Extension ExtensionDescriptor `json:"extension"`
	Reloaded  bool                `json:"reloaded,omitempty"`
}

// healthCheck reports the host's status. It isn't authenticated.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, h.h.Status())
}

func (h *APIHandlers) listExtensions(c *gin.Context) {
	c.JSON(http.StatusOK, h.h.Extensions().Descriptors())
}

func (h *APIHandlers) loadExtension(c *gin.Context) {
	name := c.Param("name")
	err := h.h.Extensions().Load(c.Request.Context(), name)
	h.replyExtension(c, name, false, err)
}

func (h *APIHandlers) unloadExtension(c *gin.Context) {
	name := c.Param("name")
	reloaded, err := h.h.Extensions().Unload(c.Request.Context(), name)
	h.replyExtension(c, name, reloaded, err)
}

func (h *APIHandlers) reloadExtension(c *gin.Context) {
	name := c.Param("name")
	err := h.h.Extensions().Reload(c.Request.Context(), name)
	h.replyExtension(c, name, false, err)
}

func (h *APIHandlers) replyExtension(c *gin.Context, name string, reloaded bool, err error) {
	logger := ginContextLogger(c)
	switch {
	case errors.Is(err, ErrExtensionNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	case errors.Is(err, ErrExtensionAlreadyLoaded), errors.Is(err, ErrNotLoaded):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	case err != nil:
		logger.Error("extension action failed", "extension", name, tint.Err(err))
		desc, _ := h.h.Extensions().Descriptor(name)
		c.JSON(
			http.StatusUnprocessableEntity,
			gin.H{"error": err.Error(), "extension": desc},
		)
		return
	}
	desc, _ := h.h.Extensions().Descriptor(name)
	c.JSON(http.StatusOK, extensionActionResponse{Extension: desc, Reloaded: reloaded})
}

// leaderboard returns a guild's top entries. Query parameters:
// field ('received' or 'given') and limit (1-50).
func (h *APIHandlers) leaderboard(c *gin.Context) {
	var q leaderboardQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	field, err := ParseLedgerField(q.Field)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = DefaultLeaderboardLimit
	}

	ledger := h.h.Ledger()
	if ledger == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not started"})
		return
	}
	guildID := c.Param("guild_id")
	entries, err := ledger.Top(c.Request.Context(), guildID, field, q.Limit)
	if err != nil {
		ginContextLogger(c).Error("error fetching leaderboard", tint.Err(err))
		ginReplyError(c, "error fetching leaderboard")
		return
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}
	c.JSON(
		http.StatusOK,
		leaderboardResponse{GuildID: guildID, Field: field, Entries: entries},
	)
}

func (h *APIHandlers) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.h.Scheduler().Tasks())
}

// authMiddleware requires `Authorization: Bearer <secret>`. An empty
// secret rejects every request.
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn(
				"unauthorized request",
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and echoes it in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and response
// status. Requests that recorded errors are logged at error level.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		msg := fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path)

		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(msg, "duration", latency, "errors", errs.Errors(), response)
			return
		}
		requestLogger.Info(msg, "duration", latency, response)
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
