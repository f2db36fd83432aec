package ebot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	gormLogger := newGORMLogger(
		newLogHandler(nil, slog.LevelWarn),
		DefaultDatabaseSlowThreshold,
	)
	db, err := CreateDB(context.Background(), storeTypeSQLite, dbPath, gormLogger)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// newTestStore returns a Store backed by a new SQLite database
func newTestStore(t testing.TB) *database {
	t.Helper()
	return NewDatabase(setupTestDB(t), slog.New(newLogHandler(nil, slog.LevelWarn)), false)
}

func TestCreateDB_Migrates(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	for _, model := range []any{&Cooldown{}, &LedgerEntry{}, &Birthday{}} {
		assert.True(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}
	assert.True(t, db.Migrator().HasIndex(&LedgerEntry{}, "idx_ledger_guild_user"))
	assert.True(t, db.Migrator().HasIndex(&Birthday{}, "idx_birthday_guild_user"))
}

func TestGetDB_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := getDB("oracle", "whatever", nil)
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestOpenStore(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	ctx := context.Background()

	store, err := OpenStore(ctx, cfg, newLogHandler(nil, slog.LevelWarn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(ctx) })
	require.NoError(t, store.Ping(ctx))

	cfg.StoreType = "redis"
	_, err = OpenStore(ctx, cfg, newLogHandler(nil, slog.LevelWarn))
	assert.ErrorContains(t, err, "unsupported store type")
}

func TestDatabase_Cooldowns(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	live, err := store.LiveCooldown(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, live)

	require.NoError(t, store.InsertCooldown(ctx, "u1", now))
	live, err = store.LiveCooldown(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, live)

	live, err = store.LiveCooldown(ctx, "u2", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, live)

	// a record exactly at `since` is no longer live
	live, err = store.LiveCooldown(ctx, "u1", now)
	require.NoError(t, err)
	assert.False(t, live)

	require.NoError(t, store.InsertCooldown(ctx, "u2", now.Add(time.Hour)))
	deleted, err := store.PurgeCooldowns(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []Cooldown
	require.NoError(t, store.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "u2", remaining[0].ActorID)
}

func TestDatabase_IncrementLedgerUpsert(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementLedger(ctx, "g1", "u1", FieldReceived, 1))
	require.NoError(t, store.IncrementLedger(ctx, "g1", "u1", FieldReceived, 2))
	require.NoError(t, store.IncrementLedger(ctx, "g1", "u1", FieldGiven, 5))
	require.NoError(t, store.IncrementLedger(ctx, "g2", "u1", FieldReceived, 7))

	entry, err := store.GetLedger(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Received)
	assert.Equal(t, int64(5), entry.Given)
	assert.NotZero(t, entry.CreatedAt)

	other, err := store.GetLedger(ctx, "g2", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), other.Received)
	assert.Equal(t, int64(0), other.Given)

	var count int64
	require.NoError(t, store.DB().Model(&LedgerEntry{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	_, err = store.GetLedger(ctx, "g1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(
		t,
		store.IncrementLedger(ctx, "g1", "u1", LedgerField("stolen"), 1),
		ErrInvalidLedgerField,
	)
}

// failLedgerWrite makes the nth write to ledger_entries fail
func failLedgerWrite(t testing.TB, db *gorm.DB, nth int32) {
	t.Helper()
	var writes atomic.Int32
	err := db.Callback().Create().Before("gorm:create").Register(
		"ebot_test:fail_ledger_write",
		func(tx *gorm.DB) {
			if tx.Statement.Table != "ledger_entries" {
				return
			}
			if writes.Add(1) == nth {
				_ = tx.AddError(errors.New("disk I/O error"))
			}
		},
	)
	require.NoError(t, err)
}

func TestDatabase_ApplyReward(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ApplyReward(ctx, "g1", "alice", []string{"bob", "carol"}))
	require.NoError(t, store.ApplyReward(ctx, "g1", "bob", []string{"alice"}))

	alice, err := store.GetLedger(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), alice.Given)
	assert.Equal(t, int64(1), alice.Received)

	bob, err := store.GetLedger(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bob.Given)
	assert.Equal(t, int64(1), bob.Received)
}

func TestDatabase_ApplyRewardRollsBack(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.IncrementLedger(ctx, "g1", "bob", FieldReceived, 3))
	failLedgerWrite(t, store.DB(), 2)

	err := store.ApplyReward(ctx, "g1", "alice", []string{"bob", "carol"})
	require.Error(t, err)

	bob, err := store.GetLedger(ctx, "g1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bob.Received)
	_, err = store.GetLedger(ctx, "g1", "carol")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetLedger(ctx, "g1", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDatabase_Birthdays(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetBirthday(ctx, "g1", "u1", 3, 14))
	require.NoError(t, store.SetBirthday(ctx, "g1", "u2", 3, 14))
	require.NoError(t, store.SetBirthday(ctx, "g2", "u3", 3, 14))

	// setting it again replaces the date
	require.NoError(t, store.SetBirthday(ctx, "g1", "u2", 12, 1))

	birthdays, err := store.BirthdaysOn(ctx, "g1", 3, 14)
	require.NoError(t, err)
	require.Len(t, birthdays, 1)
	assert.Equal(t, "u1", birthdays[0].UserID)

	birthdays, err = store.BirthdaysOn(ctx, "g1", 12, 1)
	require.NoError(t, err)
	require.Len(t, birthdays, 1)
	assert.Equal(t, "u2", birthdays[0].UserID)

	var count int64
	require.NoError(t, store.DB().Model(&Birthday{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}
