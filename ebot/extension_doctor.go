package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	doctorExtensionName = "doctor"
	doctorCommand       = "doctor"

	doctorReplyDMOnly   = "This command only works in DMs."
	doctorReplyStarted  = "A new session has been started!"
	doctorReplyStopped  = "The session has been stopped."
	doctorReplyTimedOut = "This session has timed out due to inactivity."
)

// doctorExtension runs one conversation per user, in direct messages.
// Sessions are toggled with `@bot doctor` or `/doctor`, and closed after
// a period of inactivity.
type doctorExtension struct {
	host *Host
	cfg  *DoctorConfig
}

func (d *doctorExtension) Init(_ context.Context, ec *ExtensionContext) error {
	d.host = ec.Host
	d.cfg = ec.Host.Config().Doctor
	if d.host.Responders() == nil {
		return errors.New("no responder configured")
	}

	ec.Listen(
		"toggle",
		Trigger{Command: doctorCommand, Mention: MentionsBot},
		d.toggleMessage,
	)
	ec.Listen(
		"converse",
		Trigger{Mention: NotMentionsBot, Channel: DirectOnly},
		d.converse,
	)

	if err := ec.Command(
		&discordgo.ApplicationCommand{
			Name:        doctorCommand,
			Description: "Start or stop a session with the doctor (DMs only)",
		},
		d.toggleCommand,
	); err != nil {
		return err
	}

	_, err := ec.Schedule(
		"sweep-sessions",
		Every(d.cfg.SweepInterval),
		d.sweep,
	)
	return err
}

func (*doctorExtension) Teardown(context.Context) error {
	return nil
}

// toggle closes the user's session if there is one, and opens one
// otherwise. It returns the messages to send, in order.
func (d *doctorExtension) toggle(userID, channelID string) ([]string, error) {
	sessions := d.host.Sessions()
	if s, ok := sessions.Close(userID); ok {
		return []string{s.Responder().Final(), doctorReplyStopped}, nil
	}
	s, _, err := sessions.TouchOrCreate(userID, channelID, d.host.Responders())
	if err != nil {
		return nil, fmt.Errorf("error starting session: %w", err)
	}
	return []string{doctorReplyStarted, s.Responder().Initial()}, nil
}

func (d *doctorExtension) toggleMessage(ctx context.Context, m Message) error {
	gw := d.host.Gateway()
	if !m.DM {
		return gw.ReplyTo(ctx, m, doctorReplyDMOnly)
	}
	replies, err := d.toggle(m.Author.ID, m.ChannelID)
	if err != nil {
		return err
	}
	for _, r := range replies {
		if err = gw.Send(ctx, m.ChannelID, r); err != nil {
			return err
		}
	}
	return nil
}

func (d *doctorExtension) toggleCommand(ctx context.Context, i Interaction) error {
	gw := d.host.Gateway()
	if !i.DM {
		return gw.Respond(ctx, i, Reply{Content: doctorReplyDMOnly, Ephemeral: true})
	}
	replies, err := d.toggle(i.User.ID, i.ChannelID)
	if err != nil {
		return err
	}
	if err = gw.Respond(ctx, i, Reply{Content: replies[0]}); err != nil {
		return err
	}
	for _, r := range replies[1:] {
		if err = gw.Send(ctx, i.ChannelID, r); err != nil {
			return err
		}
	}
	return nil
}

// converse forwards free text to the user's session, if they have one
func (d *doctorExtension) converse(ctx context.Context, m Message) error {
	reply, ok, err := d.host.Sessions().Advance(ctx, m.Author.ID, m.Content)
	if !ok {
		return nil
	}
	if err != nil {
		return err
	}
	return d.host.Gateway().ReplyTo(ctx, m, reply)
}

func (d *doctorExtension) sweep(ctx context.Context) {
	gw := d.host.Gateway()
	logger := contextLoggerOr(ctx, d.host.Logger())
	evicted := d.host.Sessions().Sweep(
		ctx,
		d.cfg.IdleTimeout,
		func(ctx context.Context, s *Session) {
			for _, msg := range []string{s.Responder().Final(), doctorReplyTimedOut} {
				if err := gw.Send(ctx, s.ChannelID, msg); err != nil {
					logger.WarnContext(
						ctx,
						"error notifying session timeout",
						"user_id", s.UserID,
						tint.Err(err),
					)
				}
			}
		},
	)
	if evicted > 0 {
		logger.InfoContext(ctx, "closed idle sessions", "count", evicted)
	}
}
