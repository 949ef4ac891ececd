package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

// Store is the Firestore backend. Registry and configuration documents use the
// database name as their document id so creation is conditional.
type Store struct {
	client *firestore.Client
}

var _ backend.Store = (*Store)(nil)

type tenantDoc struct {
	DatabaseName       string    `firestore:"database_name"`
	Active             bool      `firestore:"active"`
	SendOnlyNewDefects bool      `firestore:"send_only_new_defects"`
	AddedAt            time.Time `firestore:"added_at,serverTimestamp"`
}

type recipientDoc struct {
	Email              string    `firestore:"email"`
	DatabaseName       string    `firestore:"database_name"`
	SendOnlyNewDefects bool      `firestore:"send_only_new_defects"`
	CreatedAt          time.Time `firestore:"created_at,serverTimestamp"`
}

type entryDoc struct {
	Email        string    `firestore:"email"`
	DefectFilter string    `firestore:"defect_filter"`
	AddedAt      time.Time `firestore:"added_at"`
}

type configurationDoc struct {
	DatabaseName string     `firestore:"database_name"`
	Recipients   []entryDoc `firestore:"recipients"`
	Active       bool       `firestore:"active"`
	CreatedAt    time.Time  `firestore:"created_at,serverTimestamp"`
	UpdatedAt    time.Time  `firestore:"updated_at,serverTimestamp"`
	Revision     int64      `firestore:"revision"`
}

func New(ctx context.Context, proj config.Project) (*Store, error) {
	projectID := strings.TrimSpace(proj.Firestore.ProjectID)
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	var opts []option.ClientOption
	if f := strings.TrimSpace(proj.Firestore.CredentialsFile); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	it := s.client.Collection(backend.TenantsCollection).Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.client.Close()
}

// TenantExists queries by database_name. Records written by the add-in carry
// generated document ids, so the id alone cannot be trusted.
func (s *Store) TenantExists(ctx context.Context, tenant string) (bool, error) {
	it := s.client.Collection(backend.TenantsCollection).
		Where("database_name", "==", tenant).
		Limit(1).
		Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil {
		if errors.Is(err, iterator.Done) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateTenant writes under the database name so two racing creators collide.
func (s *Store) CreateTenant(ctx context.Context, t recipients.Tenant) error {
	_, err := s.client.Collection(backend.TenantsCollection).Doc(t.Name).Create(ctx, tenantDoc{
		DatabaseName:       t.Name,
		Active:             t.Active,
		SendOnlyNewDefects: t.SendOnlyNewDefects,
	})
	return createError(err, backend.ErrTenantExists)
}

func (s *Store) ListRecipients(ctx context.Context, tenant string) ([]recipients.Recipient, error) {
	q := s.client.Collection(backend.RecipientsCollection).Where("database_name", "==", tenant)
	return collect(q.Documents(ctx))
}

func (s *Store) FindRecipients(ctx context.Context, tenant, email string) ([]recipients.Recipient, error) {
	q := s.client.Collection(backend.RecipientsCollection).
		Where("database_name", "==", tenant).
		Where("email", "==", email)
	return collect(q.Documents(ctx))
}

func (s *Store) AddRecipient(ctx context.Context, r recipients.Recipient) (string, error) {
	ref, _, err := s.client.Collection(backend.RecipientsCollection).Add(ctx, recipientDoc{
		Email:              r.Email,
		DatabaseName:       r.Tenant,
		SendOnlyNewDefects: r.SendOnlyNewDefects,
	})
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (s *Store) DeleteRecipient(ctx context.Context, id string) error {
	_, err := s.client.Collection(backend.RecipientsCollection).Doc(id).Delete(ctx)
	return err
}

// SetSendOnlyNewDefects updates every listed document in one transaction. A
// document deleted since it was listed aborts the whole update.
func (s *Store) SetSendOnlyNewDefects(ctx context.Context, ids []string, value bool) error {
	coll := s.client.Collection(backend.RecipientsCollection)
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, coll.Doc(id))
	}
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		if gone := missing(snaps); len(gone) > 0 {
			return fmt.Errorf("%w: %s", backend.ErrRecipientNotFound, strings.Join(gone, ", "))
		}
		for _, ref := range refs {
			if err := tx.Update(ref, []firestore.Update{{Path: "send_only_new_defects", Value: value}}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadConfiguration(ctx context.Context, tenant string) (recipients.Configuration, error) {
	snap, err := s.client.Collection(backend.ConfigurationsCollection).Doc(tenant).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return recipients.Configuration{}, backend.ErrConfigurationNotFound
		}
		return recipients.Configuration{}, err
	}
	return decodeConfiguration(snap)
}

func (s *Store) CreateConfiguration(ctx context.Context, c recipients.Configuration) error {
	doc := encodeConfiguration(c)
	doc.Revision = 1
	_, err := s.client.Collection(backend.ConfigurationsCollection).Doc(c.Tenant).Create(ctx, doc)
	return createError(err, backend.ErrConfigurationExists)
}

// MutateConfiguration applies fn inside a transaction; Firestore retries it when
// another writer commits first.
func (s *Store) MutateConfiguration(ctx context.Context, tenant string, fn func(*recipients.Configuration) error) error {
	ref := s.client.Collection(backend.ConfigurationsCollection).Doc(tenant)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return backend.ErrConfigurationNotFound
			}
			return err
		}
		cfg, err := decodeConfiguration(snap)
		if err != nil {
			return err
		}
		createdAt, revision := cfg.CreatedAt, cfg.Revision
		if err := fn(&cfg); err != nil {
			return err
		}
		cfg.Tenant = tenant
		doc := encodeConfiguration(cfg)
		doc.CreatedAt = createdAt
		doc.Revision = revision + 1
		return tx.Set(ref, doc)
	})
}

func createError(err, exists error) error {
	if status.Code(err) == codes.AlreadyExists {
		return exists
	}
	return err
}

// missing reports the ids whose snapshots no longer exist.
func missing(snaps []*firestore.DocumentSnapshot) []string {
	var out []string
	for _, snap := range snaps {
		if !snap.Exists() {
			out = append(out, snap.Ref.ID)
		}
	}
	return out
}

func collect(it *firestore.DocumentIterator) ([]recipients.Recipient, error) {
	defer it.Stop()
	out := []recipients.Recipient{}
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var d recipientDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode recipient %s: %w", snap.Ref.ID, err)
		}
		out = append(out, recipients.Recipient{
			ID:                 snap.Ref.ID,
			Email:              d.Email,
			Tenant:             d.DatabaseName,
			SendOnlyNewDefects: d.SendOnlyNewDefects,
			CreatedAt:          d.CreatedAt,
		})
	}
}

func decodeConfiguration(snap *firestore.DocumentSnapshot) (recipients.Configuration, error) {
	var d configurationDoc
	if err := snap.DataTo(&d); err != nil {
		return recipients.Configuration{}, fmt.Errorf("decode configuration %s: %w", snap.Ref.ID, err)
	}
	cfg := recipients.Configuration{
		Tenant:     d.DatabaseName,
		Recipients: make([]recipients.Entry, 0, len(d.Recipients)),
		Active:     d.Active,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		Revision:   d.Revision,
	}
	if cfg.Tenant == "" {
		cfg.Tenant = snap.Ref.ID
	}
	for _, e := range d.Recipients {
		f, err := recipients.ParseDefectFilter(e.DefectFilter)
		if err != nil {
			f = recipients.FilterNew
		}
		cfg.Recipients = append(cfg.Recipients, recipients.Entry{Email: e.Email, DefectFilter: f, AddedAt: e.AddedAt})
	}
	return cfg, nil
}

// encodeConfiguration leaves UpdatedAt zero so the server stamps it.
func encodeConfiguration(c recipients.Configuration) configurationDoc {
	d := configurationDoc{
		DatabaseName: c.Tenant,
		Recipients:   make([]entryDoc, 0, len(c.Recipients)),
		Active:       c.Active,
		CreatedAt:    c.CreatedAt,
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
