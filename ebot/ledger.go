package ebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// LedgerField names one of the counters on a LedgerEntry
type LedgerField string

const (
	FieldReceived LedgerField = "received"
	FieldGiven    LedgerField = "given"
)

var (
	ErrInvalidLedgerField = errors.New("invalid ledger field")
	ErrInvalidDelta       = errors.New("delta must be positive")
)

// ParseLedgerField parses 'received' or 'given', case-insensitively.
// An empty string parses as FieldReceived.
func ParseLedgerField(s string) (LedgerField, error) {
	switch LedgerField(strings.ToLower(strings.TrimSpace(s))) {
	case "", FieldReceived:
		return FieldReceived, nil
	case FieldGiven:
		return FieldGiven, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLedgerField, s)
	}
}

func (f LedgerField) valid() bool {
	return f == FieldReceived || f == FieldGiven
}

// LedgerEntry holds a user's reward counters within a guild
type LedgerEntry struct {
	ModelUintID
	GuildID   string `gorm:"uniqueIndex:idx_ledger_guild_user;not null" json:"guild_id"`
	UserID    string `gorm:"uniqueIndex:idx_ledger_guild_user;not null" json:"user_id"`
	Received  int64  `gorm:"not null;default:0" json:"received"`
	Given     int64  `gorm:"not null;default:0" json:"given"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// Count returns the value of the given counter
func (e LedgerEntry) Count(field LedgerField) int64 {
	switch field {
	case FieldGiven:
		return e.Given
	default:
		return e.Received
	}
}

// LedgerBackend persists ledger entries. IncrementLedger must be atomic:
// concurrent increments for the same entry can't lose updates or create
// duplicate entries. ApplyReward credits each recipient's received
// count and the sender's given count as one unit: either every increment
// is stored or none is.
type LedgerBackend interface {
	IncrementLedger(ctx context.Context, guildID, userID string, field LedgerField, delta int64) error
	ApplyReward(ctx context.Context, guildID, senderID string, recipientIDs []string) error
	TopLedger(ctx context.Context, guildID string, field LedgerField, limit int) ([]LedgerEntry, error)
	GetLedger(ctx context.Context, guildID, userID string) (LedgerEntry, error)
}

// Ledger tracks per-guild reward counters
type Ledger struct {
	backend LedgerBackend
	logger  *slog.Logger
}

func NewLedger(backend LedgerBackend, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{backend: backend, logger: logger.With(loggerNameKey, "ledger")}
}

// ApplyReward adds one to each recipient's received count and
// len(recipientIDs) to the sender's given count, atomically
func (l *Ledger) ApplyReward(
	ctx context.Context,
	guildID string,
	senderID string,
	recipientIDs []string,
) error {
	if len(recipientIDs) == 0 {
		return ErrNoRecipients
	}
	if err := l.backend.ApplyReward(ctx, guildID, senderID, recipientIDs); err != nil {
		return fmt.Errorf("error applying reward from %s: %w", senderID, err)
	}
	l.logger.DebugContext(
		ctx,
		"applied reward",
		"guild_id", guildID,
		"sender_id", senderID,
		"recipients", len(recipientIDs),
	)
	return nil
}

// Increment adds delta to the user's counter, creating the entry if
// it doesn't exist yet
func (l *Ledger) Increment(
	ctx context.Context,
	guildID string,
	userID string,
	field LedgerField,
	delta int64,
) error {
	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLedgerField, field)
	}
	if delta <= 0 {
		return ErrInvalidDelta
	}
	if err := l.backend.IncrementLedger(ctx, guildID, userID, field, delta); err != nil {
		return fmt.Errorf("error incrementing %s for %s: %w", field, userID, err)
	}
	l.logger.DebugContext(
		ctx,
		"incremented ledger",
		"guild_id", guildID,
		"user_id", userID,
		"field", field,
		"delta", delta,
	)
	return nil
}

// Top returns the guild's entries with a non-zero field, highest first.
// Ties are ordered by which entry was created first. limit is clamped
// to [1, MaxLeaderboardLimit].
func (l *Ledger) Top(
	ctx context.Context,
	guildID string,
	field LedgerField,
	limit int,
) ([]LedgerEntry, error) {
	if !field.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLedgerField, field)
	}
	limit = max(1, min(limit, MaxLeaderboardLimit))
	return l.backend.TopLedger(ctx, guildID, field, limit)
}

// Get returns the user's entry, or ErrNotFound
func (l *Ledger) Get(ctx context.Context, guildID, userID string) (LedgerEntry, error) {
	return l.backend.GetLedger(ctx, guildID, userID)
}
