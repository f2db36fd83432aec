package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrDuplicateCommand = errors.New("command already registered")
)

// MessageHandler handles a message matched by a Trigger
type MessageHandler func(ctx context.Context, m Message) error

// CommandHandler handles a slash command interaction
type CommandHandler func(ctx context.Context, i Interaction) error

type listener struct {
	owner   string
	name    string
	trigger Trigger
	handler MessageHandler
}

type command struct {
	owner      string
	definition *discordgo.ApplicationCommand
	handler    CommandHandler
}

// Dispatcher routes inbound events to the handlers extensions register.
// Handlers are isolated from each other: an error or panic in one is
// logged and never reaches the others.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []listener
	commands  map[string]command
	logger    *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		commands: map[string]command{},
		logger:   logger.With(loggerNameKey, "dispatcher"),
	}
}

// AddListener registers a message handler for owner
func (d *Dispatcher) AddListener(
	owner string,
	name string,
	trigger Trigger,
	handler MessageHandler,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(
		d.listeners,
		listener{owner: owner, name: name, trigger: trigger, handler: handler},
	)
}

// AddCommand registers a slash command for owner. Command names are
// unique across all owners.
func (d *Dispatcher) AddCommand(
	owner string,
	definition *discordgo.ApplicationCommand,
	handler CommandHandler,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.commands[definition.Name]; ok {
		return fmt.Errorf(
			"%w: /%s (registered by %s)",
			ErrDuplicateCommand,
			definition.Name,
			existing.owner,
		)
	}
	d.commands[definition.Name] = command{
		owner:      owner,
		definition: definition,
		handler:    handler,
	}
	return nil
}

// Detach removes every listener and command registered by owner
func (d *Dispatcher) Detach(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = slices.DeleteFunc(
		d.listeners,
		func(l listener) bool { return l.owner == owner },
	)
	for name, c := range d.commands {
		if c.owner == owner {
			delete(d.commands, name)
		}
	}
}

// Commands returns the definitions of all registered slash commands,
// sorted by name
func (d *Dispatcher) Commands() []*discordgo.ApplicationCommand {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rv := make([]*discordgo.ApplicationCommand, 0, len(d.commands))
	for _, c := range d.commands {
		rv = append(rv, c.definition)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Name < rv[j].Name })
	return rv
}

// DispatchMessage runs every listener whose trigger matches m, each in
// its own goroutine, and waits for them to finish. It returns the number
// of listeners that matched.
func (d *Dispatcher) DispatchMessage(ctx context.Context, m Message, botID string) int {
	d.mu.RLock()
	var matched []listener
	for _, l := range d.listeners {
		if l.trigger.Match(m, botID) {
			matched = append(matched, l)
		}
	}
	d.mu.RUnlock()

	if len(matched) == 0 {
		return 0
	}

	logger := contextLoggerOr(ctx, d.logger).With(
		"event_id", uuid.NewString(),
		slog.Group("message", messageLogAttrs(m)...),
	)
	logger.DebugContext(ctx, "dispatching message", "listeners", len(matched))

	wg := &sync.WaitGroup{}
	for _, l := range matched {
		wg.Add(1)
		go func(l listener) {
			defer wg.Done()
			hlog := logger.With("extension", l.owner, "listener", l.name)
			hctx := WithLogger(ctx, hlog)
			defer func() {
				if rc := recover(); rc != nil {
					handleRecover(hctx, rc)
				}
			}()
			if err := l.handler(hctx, m); err != nil {
				hlog.ErrorContext(hctx, "listener error", tint.Err(err))
			}
		}(l)
	}
	wg.Wait()
	return len(matched)
}

// DispatchInteraction runs the handler registered for the interaction's
// command. Returns ErrUnknownCommand if there isn't one. Handler panics
// are recovered and returned as errors.
func (d *Dispatcher) DispatchInteraction(ctx context.Context, i Interaction) (err error) {
	d.mu.RLock()
	c, ok := d.commands[i.Command]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, i.Command)
	}

	logger := contextLoggerOr(ctx, d.logger).With(
		"event_id", uuid.NewString(),
		"extension", c.owner,
		slog.Group("interaction", interactionLogAttrs(i)...),
	)
	ctx = WithLogger(ctx, logger)
	logger.DebugContext(ctx, "dispatching interaction")

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			err = panicError(rc)
		}
	}()
	if err = c.handler(ctx, i); err != nil {
		logger.ErrorContext(ctx, "command error", tint.Err(err))
		return fmt.Errorf("/%s: %w", i.Command, err)
	}
	return nil
}
