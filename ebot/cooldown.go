package ebot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// CooldownBackend persists cooldown records. A record is live while its
// recorded_at is after the `since` passed to LiveCooldown.
type CooldownBackend interface {
	// LiveCooldown reports whether actorID has a record newer than since
	LiveCooldown(ctx context.Context, actorID string, since time.Time) (bool, error)

	// InsertCooldown stores a new record for actorID
	InsertCooldown(ctx context.Context, actorID string, at time.Time) error

	// PurgeCooldowns deletes records at or before the given time
	PurgeCooldowns(ctx context.Context, before time.Time) (int64, error)
}

// Cooldown is a persisted cooldown record
type Cooldown struct {
	ModelUintID
	ActorID string `gorm:"index;not null" json:"actor_id"`

	// RecordedAt is the unix time, in milliseconds, the record was created
	RecordedAt int64 `gorm:"index;not null" json:"recorded_at"`
}

// Cooldowns rate limits actors. An actor is limited while a record
// created within the last TTL exists for them.
type Cooldowns struct {
	backend CooldownBackend
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewCooldowns(
	backend CooldownBackend,
	ttl time.Duration,
	logger *slog.Logger,
) *Cooldowns {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultCooldownTTL
	}
	return &Cooldowns{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With(loggerNameKey, "cooldowns"),
	}
}

// TTL returns how long a record stays live
func (c *Cooldowns) TTL() time.Duration {
	return c.ttl
}

// Exempt reports whether any of roles is in exemptGroups
func (*Cooldowns) Exempt(roles []string, exemptGroups []string) bool {
	for _, r := range roles {
		if slices.Contains(exemptGroups, r) {
			return true
		}
	}
	return false
}

// IsLimited reports whether the actor currently has a live cooldown.
// Members of an exempt group are never limited, and the store isn't
// consulted for them.
func (c *Cooldowns) IsLimited(
	ctx context.Context,
	actor User,
	exemptGroups []string,
) (bool, error) {
	if c.Exempt(actor.Roles, exemptGroups) {
		c.logger.DebugContext(ctx, "actor is exempt from cooldowns", "actor_id", actor.ID)
		return false, nil
	}
	since := c.now().Add(-c.ttl)
	live, err := c.backend.LiveCooldown(ctx, actor.ID, since)
	if err != nil {
		return false, fmt.Errorf("error checking cooldown for %s: %w", actor.ID, err)
	}
	c.logger.DebugContext(ctx, "checked cooldown", "actor_id", actor.ID, "limited", live)
	return live, nil
}

// Record starts a new cooldown for the actor
func (c *Cooldowns) Record(ctx context.Context, actorID string) error {
	if err := c.backend.InsertCooldown(ctx, actorID, c.now()); err != nil {
		return fmt.Errorf("error recording cooldown for %s: %w", actorID, err)
	}
	c.logger.InfoContext(ctx, "recorded cooldown", "actor_id", actorID, "ttl", c.ttl)
	return nil
}

// Purge deletes expired records
func (c *Cooldowns) Purge(ctx context.Context) (int64, error) {
	n, err := c.backend.PurgeCooldowns(ctx, c.now().Add(-c.ttl))
	if err != nil {
		return 0, fmt.Errorf("error purging cooldowns: %w", err)
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "purged expired cooldowns", "deleted", n)
	}
	return n, nil
}
