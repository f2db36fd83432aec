package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

const (
	adminReplyNoSubcommand      = "No subcommand was provided!"
	adminReplyNoExtensionName   = "No extension name was provided!"
	adminReplyUnknownSubcommand = "Unknown subcommand"
	adminReplyReloadedAdmin     = "Admin extension should not be removed, reloading it instead!"
)

var adminLogLevels = map[string]slog.Level{
	"INFO":  slog.LevelInfo,
	"DEBUG": slog.LevelDebug,
}

// adminExtension lets bot owners change the log level and manage
// extensions at runtime, with `@bot manage ...`
type adminExtension struct {
	host   *Host
	logger *slog.Logger
}

func (a *adminExtension) Init(_ context.Context, ec *ExtensionContext) error {
	a.host = ec.Host
	a.logger = ec.Logger
	ec.Listen(
		"manage",
		Trigger{Command: "manage", Mention: MentionsBot},
		a.manage,
	)
	return nil
}

func (*adminExtension) Teardown(context.Context) error {
	return nil
}

func (a *adminExtension) manage(ctx context.Context, m Message) error {
	if !a.host.Config().Discord.IsOwner(m.Author.ID) {
		a.logger.WarnContext(
			ctx,
			"non-owner tried to run an admin command",
			"user_id", m.Author.ID,
			"username", m.Author.Username,
		)
		return nil
	}

	_, args, _ := parseBotCommand(m.Content, a.host.Gateway().BotUser().ID)
	if len(args) == 0 {
		return nil
	}

	var reply string
	switch topic := strings.ToLower(args[0]); topic {
	case "logging":
		reply = a.setLogLevel(ctx, args[1:])
	case "cog", "cogs", "extension", "extensions":
		reply = a.extensions(ctx, args[1:])
	default:
		a.logger.DebugContext(ctx, "unknown manage topic", "topic", topic)
		return nil
	}
	return a.host.Gateway().ReplyTo(ctx, m, reply)
}

func (a *adminExtension) setLogLevel(ctx context.Context, args []string) string {
	lv := a.host.Config().LogLevel
	if lv == nil {
		return "Logging can't be changed at runtime."
	}
	if len(args) == 0 {
		return fmt.Sprintf("Effective log level is %s", lv.Level())
	}

	name := strings.ToUpper(args[0])
	level, ok := adminLogLevels[name]
	if !ok {
		return "The valid options for logging verbosity are [INFO DEBUG]."
	}
	lv.Set(level)
	a.logger.InfoContext(ctx, "log level changed", "level", level)
	return fmt.Sprintf("Set log level to %s!\nEffective log level is %s", name, lv.Level())
}

func (a *adminExtension) extensions(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return adminReplyNoSubcommand
	}
	registry := a.host.Extensions()

	switch strings.ToLower(args[0]) {
	case "list":
		return "The currently loaded extensions are: \n" + strings.Join(registry.List(), "\n")
	case "remove":
		if len(args) < 2 {
			return adminReplyNoExtensionName
		}
		name := args[1]
		reloaded, err := registry.Unload(ctx, name)
		switch {
		case reloaded:
			if err != nil {
				a.logger.ErrorContext(ctx, "error reloading admin extension", tint.Err(err))
			}
			return adminReplyReloadedAdmin
		case errors.Is(err, ErrNotLoaded), errors.Is(err, ErrExtensionNotFound):
			return fmt.Sprintf("Extension %q was not found. Not doing anything.", name)
		case err != nil:
			// the extension is unloaded even when its teardown fails
			a.logger.WarnContext(ctx, "extension teardown failed", "extension", name, tint.Err(err))
		}
		return fmt.Sprintf("Extension %q had been removed.", name)
	case "add":
		if len(args) < 2 {
			return adminReplyNoExtensionName
		}
		name := args[1]
		if err := registry.Load(ctx, name); err != nil {
			a.logger.ErrorContext(ctx, "error loading extension", "extension", name, tint.Err(err))
			return fmt.Sprintf("Error while loading %q extension!\n%s", name, err)
		}
		return fmt.Sprintf("Extension %q had been added.", name)
	default:
		return adminReplyUnknownSubcommand
	}
}
