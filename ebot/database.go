package ebot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	storeTypeSQLite   = "sqlite"
	storeTypePostgres = "postgres"
	storeTypeMongoDB  = "mongodb"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma busy_timeout = 5000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// Store is the persistence layer shared by every extension
type Store interface {
	CooldownBackend
	LedgerBackend
	BirthdayBackend

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database is the gorm-backed Store, used for sqlite and postgres.
//
// SQLite only allows one writer at a time, so unless concurrent writes are
// enabled, writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
	now                    func() time.Time
}

// NewDatabase wraps an open gorm connection as a Store
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: enableConcurrentWrites,
		now:                    time.Now,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *database) Close(_ context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *database) LiveCooldown(
	ctx context.Context,
	actorID string,
	since time.Time,
) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).
		Model(&Cooldown{}).
		Where("actor_id = ? AND recorded_at > ?", actorID, since.UnixMilli()).
		Count(&count).Error
	return count > 0, err
}

func (d *database) InsertCooldown(
	ctx context.Context,
	actorID string,
	at time.Time,
) error {
	d.Lock()
	defer d.Unlock()
	return d.db.WithContext(ctx).Create(
		&Cooldown{ActorID: actorID, RecordedAt: at.UnixMilli()},
	).Error
}

func (d *database) PurgeCooldowns(ctx context.Context, before time.Time) (int64, error) {
	d.Lock()
	defer d.Unlock()
	rv := d.db.WithContext(ctx).
		Where("recorded_at <= ?", before.UnixMilli()).
		Delete(&Cooldown{})
	return rv.RowsAffected, rv.Error
}

// IncrementLedger performs a single INSERT ... ON CONFLICT DO UPDATE, so
// concurrent increments of the same entry are applied by the database.
func (d *database) IncrementLedger(
	ctx context.Context,
	guildID string,
	userID string,
	field LedgerField,
	delta int64,
) error {
	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLedgerField, field)
	}
	d.Lock()
	defer d.Unlock()
	return d.incrementLedger(d.db.WithContext(ctx), guildID, userID, field, delta)
}

// ApplyReward runs every increment of the reward in one transaction
func (d *database) ApplyReward(
	ctx context.Context,
	guildID string,
	senderID string,
	recipientIDs []string,
) error {
	d.Lock()
	defer d.Unlock()
	return d.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			for _, recipientID := range recipientIDs {
				if err := d.incrementLedger(tx, guildID, recipientID, FieldReceived, 1); err != nil {
					return err
				}
			}
			return d.incrementLedger(tx, guildID, senderID, FieldGiven, int64(len(recipientIDs)))
		},
	)
}

func (d *database) incrementLedger(
	db *gorm.DB,
	guildID string,
	userID string,
	field LedgerField,
	delta int64,
) error {
	entry := LedgerEntry{GuildID: guildID, UserID: userID}
	switch field {
	case FieldReceived:
		entry.Received = delta
	case FieldGiven:
		entry.Given = delta
	}
	column := string(field)
	return db.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(
				map[string]any{
					column:       gorm.Expr("ledger_entries."+column+" + ?", delta),
					"updated_at": d.now().UnixMilli(),
				},
			),
		},
	).Create(&entry).Error
}

func (d *database) TopLedger(
	ctx context.Context,
	guildID string,
	field LedgerField,
	limit int,
) ([]LedgerEntry, error) {
	if !field.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLedgerField, field)
	}
	column := string(field)
	var entries []LedgerEntry
	err := d.db.WithContext(ctx).
		Where("guild_id = ? AND "+column+" > 0", guildID).
		Order(column + " desc").
		Order("id asc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (d *database) GetLedger(
	ctx context.Context,
	guildID string,
	userID string,
) (LedgerEntry, error) {
	var entry LedgerEntry
	err := d.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entry, ErrNotFound
	}
	return entry, err
}

func (d *database) SetBirthday(
	ctx context.Context,
	guildID string,
	userID string,
	month int,
	day int,
) error {
	d.Lock()
	defer d.Unlock()
	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"month", "day", "updated_at"}),
		},
	).Create(&Birthday{GuildID: guildID, UserID: userID, Month: month, Day: day}).Error
}

func (d *database) BirthdaysOn(
	ctx context.Context,
	guildID string,
	month int,
	day int,
) ([]Birthday, error) {
	var birthdays []Birthday
	err := d.db.WithContext(ctx).
		Where("guild_id = ? AND month = ? AND day = ?", guildID, month, day).
		Order("id asc").
		Find(&birthdays).Error
	return birthdays, err
}

// CreateDB opens the database, applies connection settings and migrates
// the schema.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	if gormLogger == nil {
		gormLogger = newGORMLogger(
			newLogHandler(nil, DefaultDatabaseLogLevel),
			DefaultDatabaseSlowThreshold,
		)
	}
	gormLogger.logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	if databaseType == storeTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	err = db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&Cooldown{},
				&LedgerEntry{},
				&Birthday{},
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case storeTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case storeTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, storeTypeSQLite, storeTypePostgres,
		)
	}
}

// OpenStore connects to the store configured in cfg
func OpenStore(ctx context.Context, cfg *Config, handler slog.Handler) (Store, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	logger := slog.New(handler)
	switch cfg.StoreType {
	case storeTypeMongoDB:
		store, err := NewMongoStore(ctx, cfg.Database, cfg.Taco.CooldownTTL, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case storeTypeSQLite, storeTypePostgres:
		gormLogger := newGORMLogger(
			newLogHandler(nil, levelOr(cfg.DatabaseLogLevel, DefaultDatabaseLogLevel)),
			cfg.DatabaseSlowThreshold,
		)
		db, err := CreateDB(ctx, cfg.StoreType, cfg.Database, gormLogger)
		if err != nil {
			return nil, err
		}
		store := NewDatabase(db, logger, cfg.StoreType == storeTypePostgres)
		if err = store.Ping(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %q", cfg.StoreType)
	}
}
