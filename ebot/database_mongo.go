package ebot

import (
	"context"
	"errors"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"log/slog"
	"time"
)

const (
	mongoSystemDatabase      = "system"
	mongoCooldownCollection  = "cooldown"
	mongoLedgerCollection    = "tacos"
	mongoBirthdayCollection  = "birthdays"
	mongoFieldActorID        = "actor_id"
	mongoFieldRecordedAt     = "recorded_at"
	mongoFieldCreatedAt      = "created_at"
	mongoFieldUpdatedAt      = "updated_at"
	mongoIncrementMaxRetries = 3
)

// mongoStore keeps cooldowns in system.cooldown, expired by a TTL index,
// and guild data in a database named after the guild ID.
type mongoStore struct {
	client *mongo.Client
	logger *slog.Logger
	now    func() time.Time
}

type mongoCooldown struct {
	ActorID    string    `bson:"actor_id"`
	RecordedAt time.Time `bson:"recorded_at"`
}

type mongoLedgerEntry struct {
	UserID    string    `bson:"_id"`
	Received  int64     `bson:"received"`
	Given     int64     `bson:"given"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (e mongoLedgerEntry) ledgerEntry(guildID string) LedgerEntry {
	return LedgerEntry{
		GuildID:   guildID,
		UserID:    e.UserID,
		Received:  e.Received,
		Given:     e.Given,
		CreatedAt: e.CreatedAt.UnixMilli(),
		UpdatedAt: e.UpdatedAt.UnixMilli(),
	}
}

type mongoBirthday struct {
	UserID string `bson:"_id"`
	Month  int    `bson:"month"`
	Day    int    `bson:"day"`
}

// NewMongoStore connects to uri, verifies the connection and ensures the
// cooldown indexes exist. The TTL index expires records ttl after
// recorded_at.
func NewMongoStore(
	ctx context.Context,
	uri string,
	ttl time.Duration,
	logger *slog.Logger,
) (*mongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "mongodb")

	opts := options.Client().ApplyURI(uri).SetLoggerOptions(
		options.Logger().
			SetSink(mongoLogSink{logger: logger}).
			SetComponentLevel(options.LogComponentConnection, options.LogLevelInfo),
	)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongodb: %w", err)
	}
	s := &mongoStore{client: client, logger: logger, now: time.Now}

	if err = s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging mongodb: %w", err)
	}
	if err = s.ensureCooldownIndexes(ctx, ttl); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) cooldowns() *mongo.Collection {
	return s.client.Database(mongoSystemDatabase).Collection(mongoCooldownCollection)
}

func (s *mongoStore) ledger(guildID string) *mongo.Collection {
	return s.client.Database(guildID).Collection(mongoLedgerCollection)
}

func (s *mongoStore) birthdays(guildID string) *mongo.Collection {
	return s.client.Database(guildID).Collection(mongoBirthdayCollection)
}

func (s *mongoStore) ensureCooldownIndexes(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCooldownTTL
	}
	col := s.cooldowns()
	ttlIndex := mongo.IndexModel{
		Keys: bson.D{{Key: mongoFieldRecordedAt, Value: 1}},
		Options: options.Index().
			SetName("recorded_at_ttl").
			SetExpireAfterSeconds(int32(ttl.Seconds())),
	}

	_, err := col.Indexes().CreateMany(
		ctx,
		[]mongo.IndexModel{
			ttlIndex,
			{Keys: bson.D{{Key: mongoFieldActorID, Value: 1}}},
		},
	)
	if err == nil {
		return nil
	}

	// an existing TTL index with a different expiry conflicts, so
	// replace it
	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) || (cmdErr.Name != "IndexOptionsConflict" && cmdErr.Code != 85) {
		return fmt.Errorf("error creating cooldown indexes: %w", err)
	}
	s.logger.WarnContext(ctx, "replacing cooldown TTL index", "ttl", ttl)
	if _, err = col.Indexes().DropOne(ctx, "recorded_at_ttl"); err != nil {
		return fmt.Errorf("error dropping cooldown TTL index: %w", err)
	}
	if _, err = col.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return fmt.Errorf("error creating cooldown TTL index: %w", err)
	}
	return nil
}

func (s *mongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// LiveCooldown also filters on recorded_at, since the TTL monitor only
// runs about once a minute.
func (s *mongoStore) LiveCooldown(
	ctx context.Context,
	actorID string,
	since time.Time,
) (bool, error) {
	n, err := s.cooldowns().CountDocuments(
		ctx,
		bson.D{
			{Key: mongoFieldActorID, Value: actorID},
			{Key: mongoFieldRecordedAt, Value: bson.D{{Key: "$gt", Value: since.UTC()}}},
		},
		options.Count().SetLimit(1),
	)
	return n > 0, err
}

func (s *mongoStore) InsertCooldown(ctx context.Context, actorID string, at time.Time) error {
	_, err := s.cooldowns().InsertOne(
		ctx,
		mongoCooldown{ActorID: actorID, RecordedAt: at.UTC()},
	)
	return err
}

func (s *mongoStore) PurgeCooldowns(ctx context.Context, before time.Time) (int64, error) {
	rv, err := s.cooldowns().DeleteMany(
		ctx,
		bson.D{{Key: mongoFieldRecordedAt, Value: bson.D{{Key: "$lte", Value: before.UTC()}}}},
	)
	if err != nil {
		return 0, err
	}
	return rv.DeletedCount, nil
}

// IncrementLedger upserts with $inc. Two concurrent upserts of a missing
// entry can race on the _id index, in which case the loser retries and
// lands on the update path.
func (s *mongoStore) IncrementLedger(
	ctx context.Context,
	guildID string,
	userID string,
	field LedgerField,
	delta int64,
) error {
	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLedgerField, field)
	}
	other := FieldGiven
	if field == FieldGiven {
		other = FieldReceived
	}
	now := s.now().UTC()
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: string(field), Value: delta}}},
		{Key: "$set", Value: bson.D{{Key: mongoFieldUpdatedAt, Value: now}}},
		{
			Key: "$setOnInsert", Value: bson.D{
				{Key: string(other), Value: int64(0)},
				{Key: mongoFieldCreatedAt, Value: now},
			},
		},
	}

	var err error
	for attempt := 0; attempt < mongoIncrementMaxRetries; attempt++ {
		_, err = s.ledger(guildID).UpdateOne(
			ctx,
			bson.D{{Key: "_id", Value: userID}},
			update,
			options.Update().SetUpsert(true),
		)
		if err == nil || !mongo.IsDuplicateKeyError(err) {
			return err
		}
		s.logger.DebugContext(
			ctx,
			"duplicate key on ledger upsert, retrying",
			"guild_id", guildID,
			"user_id", userID,
			"attempt", attempt+1,
		)
	}
	return err
}

// ApplyReward runs the reward's increments in a multi-document
// transaction. Transactions need a replica set or mongos. On a standalone
// server the increments are applied one by one, and a failure partway
// through leaves the earlier ones in place.
func (s *mongoStore) ApplyReward(
	ctx context.Context,
	guildID string,
	senderID string,
	recipientIDs []string,
) error {
	apply := func(ctx context.Context) error {
		for _, recipientID := range recipientIDs {
			if err := s.IncrementLedger(ctx, guildID, recipientID, FieldReceived, 1); err != nil {
				return err
			}
		}
		return s.IncrementLedger(ctx, guildID, senderID, FieldGiven, int64(len(recipientIDs)))
	}

	err := s.client.UseSession(
		ctx, func(sc mongo.SessionContext) error {
			_, err := sc.WithTransaction(
				sc, func(sc mongo.SessionContext) (any, error) {
					return nil, apply(sc)
				},
			)
			return err
		},
	)
	if !isTransactionUnsupported(err) {
		return err
	}
	s.logger.WarnContext(
		ctx,
		"transactions unsupported, applying reward without one",
		"guild_id", guildID,
		"sender_id", senderID,
	)
	return apply(ctx)
}

// isTransactionUnsupported reports whether err is a standalone server
// rejecting a transaction (IllegalOperation)
func isTransactionUnsupported(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Code == 20
}

func (s *mongoStore) TopLedger(
	ctx context.Context,
	guildID string,
	field LedgerField,
	limit int,
) ([]LedgerEntry, error) {
	if !field.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLedgerField, field)
	}
	cur, err := s.ledger(guildID).Find(
		ctx,
		bson.D{{Key: string(field), Value: bson.D{{Key: "$gt", Value: 0}}}},
		options.Find().
			SetSort(
				bson.D{
					{Key: string(field), Value: -1},
					{Key: mongoFieldCreatedAt, Value: 1},
					{Key: "_id", Value: 1},
				},
			).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoLedgerEntry
	if err = cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	entries := make([]LedgerEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.ledgerEntry(guildID))
	}
	return entries, nil
}

func (s *mongoStore) GetLedger(ctx context.Context, guildID, userID string) (LedgerEntry, error) {
	var doc mongoLedgerEntry
	err := s.ledger(guildID).FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntry{}, err
	}
	return doc.ledgerEntry(guildID), nil
}

func (s *mongoStore) SetBirthday(
	ctx context.Context,
	guildID string,
	userID string,
	month int,
	day int,
) error {
	_, err := s.birthdays(guildID).UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "month", Value: month}, {Key: "day", Value: day}}}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) BirthdaysOn(
	ctx context.Context,
	guildID string,
	month int,
	day int,
) ([]Birthday, error) {
	cur, err := s.birthdays(guildID).Find(
		ctx,
		bson.D{{Key: "month", Value: month}, {Key: "day", Value: day}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []mongoBirthday
	if err = cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	birthdays := make([]Birthday, 0, len(docs))
	for _, doc := range docs {
		birthdays = append(
			birthdays,
			Birthday{GuildID: guildID, UserID: doc.UserID, Month: doc.Month, Day: doc.Day},
		)
	}
	return birthdays, nil
}
