package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

// maxMutateAttempts bounds the optimistic retry loop of MutateConfiguration.
const maxMutateAttempts = 5

// Store is the MongoDB backend. Batch updates run in a multi-document
// transaction and therefore need a replica set.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ backend.Store = (*Store)(nil)

type tenantDoc struct {
	ID                 string    `bson:"_id"`
	DatabaseName       string    `bson:"database_name"`
	Active             bool      `bson:"active"`
	SendOnlyNewDefects bool      `bson:"send_only_new_defects"`
	AddedAt            time.Time `bson:"added_at"`
}

type recipientDoc struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty"`
	Email              string             `bson:"email"`
	DatabaseName       string             `bson:"database_name"`
	SendOnlyNewDefects bool               `bson:"send_only_new_defects"`
	CreatedAt          time.Time          `bson:"created_at"`
}

type entryDoc struct {
	Email        string    `bson:"email"`
	DefectFilter string    `bson:"defect_filter"`
	AddedAt      time.Time `bson:"added_at"`
}

type configurationDoc struct {
	ID           string     `bson:"_id"`
	DatabaseName string     `bson:"database_name"`
	Recipients   []entryDoc `bson:"recipients"`
	Active       bool       `bson:"active"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
	Revision     int64      `bson:"revision"`
}

func New(ctx context.Context, proj config.Project, logger *zap.Logger) (*Store, error) {
	uri := strings.TrimSpace(proj.Mongo.URI)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := &Store{client: client, db: client.Database(proj.Mongo.Database), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		logger.Warn("mongo index setup failed", zap.Error(err))
	}
	logger.Info("connected to MongoDB", zap.String("database", proj.Mongo.Database))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(backend.RecipientsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "database_name", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "database_name", Value: 1}, {Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(backend.TenantsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "database_name", Value: 1}},
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) TenantExists(ctx context.Context, tenant string) (bool, error) {
	n, err := s.db.Collection(backend.TenantsCollection).CountDocuments(ctx, bson.M{"database_name": tenant}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CreateTenant(ctx context.Context, t recipients.Tenant) error {
	doc := tenantDoc{
		ID:                 t.Name,
		DatabaseName:       t.Name,
		Active:             t.Active,
		SendOnlyNewDefects: t.SendOnlyNewDefects,
		AddedAt:            stamp(t.AddedAt),
	}
	_, err := s.db.Collection(backend.TenantsCollection).InsertOne(ctx, doc)
	return insertError(err, backend.ErrTenantExists)
}

func (s *Store) ListRecipients(ctx context.Context, tenant string) ([]recipients.Recipient, error) {
	return s.findRecipients(ctx, bson.M{"database_name": tenant})
}

func (s *Store) FindRecipients(ctx context.Context, tenant, email string) ([]recipients.Recipient, error) {
	return s.findRecipients(ctx, bson.M{"database_name": tenant, "email": email})
}

func (s *Store) findRecipients(ctx context.Context, filter bson.M) ([]recipients.Recipient, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.db.Collection(backend.RecipientsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []recipientDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]recipients.Recipient, 0, len(docs))
	for _, d := range docs {
		out = append(out, recipients.Recipient{
			ID:                 d.ID.Hex(),
			Email:              d.Email,
			Tenant:             d.DatabaseName,
			SendOnlyNewDefects: d.SendOnlyNewDefects,
			CreatedAt:          d.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) AddRecipient(ctx context.Context, r recipients.Recipient) (string, error) {
	doc := recipientDoc{
		ID:                 primitive.NewObjectID(),
		Email:              r.Email,
		DatabaseName:       r.Tenant,
		SendOnlyNewDefects: r.SendOnlyNewDefects,
		CreatedAt:          stamp(r.CreatedAt),
	}
	if _, err := s.db.Collection(backend.RecipientsCollection).InsertOne(ctx, doc); err != nil {
		return "", insertError(err, fmt.Errorf("%w: %s", recipients.ErrDuplicateRecipient, r.Email))
	}
	return doc.ID.Hex(), nil
}

func (s *Store) DeleteRecipient(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(id))
	if err != nil {
		return nil
	}
	_, err = s.db.Collection(backend.RecipientsCollection).DeleteOne(ctx, bson.M{"_id": oid})
	return err
}

func (s *Store) SetSendOnlyNewDefects(ctx context.Context, ids []string, value bool) error {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return fmt.Errorf("%w: %s", backend.ErrRecipientNotFound, id)
		}
		oids = append(oids, oid)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	coll := s.db.Collection(backend.RecipientsCollection)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := coll.UpdateMany(sc,
			bson.M{"_id": bson.M{"$in": oids}},
			bson.M{"$set": bson.M{"send_only_new_defects": value}},
		)
		if err != nil {
			return nil, err
		}
		return nil, checkMatched(res.MatchedCount, len(oids))
	})
	return err
}

func (s *Store) LoadConfiguration(ctx context.Context, tenant string) (recipients.Configuration, error) {
	var d configurationDoc
	err := s.db.Collection(backend.ConfigurationsCollection).FindOne(ctx, bson.M{"_id": tenant}).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return recipients.Configuration{}, backend.ErrConfigurationNotFound
		}
		return recipients.Configuration{}, err
	}
	return decodeConfiguration(d), nil
}

func (s *Store) CreateConfiguration(ctx context.Context, c recipients.Configuration) error {
	now := time.Now().UTC()
	d := encodeConfiguration(c)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	d.Revision = 1
	_, err := s.db.Collection(backend.ConfigurationsCollection).InsertOne(ctx, d)
	return insertError(err, backend.ErrConfigurationExists)
}

// MutateConfiguration replaces the document only if its revision is unchanged
// since it was read, retrying a bounded number of times.
func (s *Store) MutateConfiguration(ctx context.Context, tenant string, fn func(*recipients.Configuration) error) error {
	coll := s.db.Collection(backend.ConfigurationsCollection)
	err := retryRevision(maxMutateAttempts, func(attempt int) (bool, error) {
		cfg, err := s.LoadConfiguration(ctx, tenant)
		if err != nil {
			return false, err
		}
		createdAt, revision := cfg.CreatedAt, cfg.Revision
		if err := fn(&cfg); err != nil {
			return false, err
		}
		cfg.Tenant = tenant
		d := encodeConfiguration(cfg)
		d.CreatedAt = createdAt
		d.UpdatedAt = time.Now().UTC()
		d.Revision = revision + 1

		res, err := coll.ReplaceOne(ctx, bson.M{"_id": tenant, "revision": revision}, d)
		if err != nil {
			return false, err
		}
		if res.MatchedCount == 1 {
			return true, nil
		}
		s.logger.Debug("configuration revision moved, retrying",
			zap.String("database", tenant),
			zap.Int64("revision", revision),
			zap.Int("attempt", attempt),
		)
		return false, nil
	})
	if errors.Is(err, backend.ErrConflict) {
		return fmt.Errorf("%w: %s", err, tenant)
	}
	return err
}

// retryRevision calls try until it commits, fails, or runs out of attempts.
func retryRevision(attempts int, try func(attempt int) (committed bool, err error)) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		committed, err := try(attempt)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
	return backend.ErrConflict
}

// checkMatched fails an update that did not reach every listed document, so the
// surrounding transaction aborts.
func checkMatched(matched int64, want int) error {
	if matched != int64(want) {
		return fmt.Errorf("%w: matched %d of %d", backend.ErrRecipientNotFound, matched, want)
	}
	return nil
}

func insertError(err, duplicate error) error {
	if mongo.IsDuplicateKeyError(err) {
		return duplicate
	}
	return err
}

func decodeConfiguration(d configurationDoc) recipients.Configuration {
	cfg := recipients.Configuration{
		Tenant:     d.DatabaseName,
		Recipients: make([]recipients.Entry, 0, len(d.Recipients)),
		Active:     d.Active,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		Revision:   d.Revision,
	}
	if cfg.Tenant == "" {
		cfg.Tenant = d.ID
	}
	for _, e := range d.Recipients {
		f, err := recipients.ParseDefectFilter(e.DefectFilter)
		if err != nil {
			f = recipients.FilterNew
		}
		cfg.Recipients = append(cfg.Recipients, recipients.Entry{Email: e.Email, DefectFilter: f, AddedAt: e.AddedAt})
	}
	return cfg
}

func encodeConfiguration(c recipients.Configuration) configurationDoc {
	d := configurationDoc{
		ID:           c.Tenant,
		DatabaseName: c.Tenant,
		Recipients:   make([]entryDoc, 0, len(c.Recipients)),
		Active:       c.Active,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Revision:     c.Revision,
	}
	for _, e := range c.Recipients {
		d.Recipients = append(d.Recipients, entryDoc{
			Email:        e.Email,
			DefectFilter: string(e.DefectFilter),
			AddedAt:      e.AddedAt,
		})
	}
	return d
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
