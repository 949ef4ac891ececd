package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

// Store is an in-process document store used for local development and tests.
type Store struct {
	mu             sync.Mutex
	now            func() time.Time
	fail           error
	tenants        map[string]recipients.Tenant // by document id
	recipients     map[string]recipients.Recipient
	seq            map[string]int64
	next           int64
	configurations map[string]recipients.Configuration
}

var _ backend.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:            func() time.Time { return time.Now().UTC() },
		tenants:        map[string]recipients.Tenant{},
		recipients:     map[string]recipients.Recipient{},
		seq:            map[string]int64{},
		configurations: map[string]recipients.Configuration{},
	}
}

// SetClock replaces the write-time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Fail makes every following call return err until Fail(nil).
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) TenantExists(_ context.Context, tenant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return false, s.fail
	}
	for _, t := range s.tenants {
		if t.Name == tenant {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateTenant(_ context.Context, t recipients.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.tenants[t.Name]; ok {
		return backend.ErrTenantExists
	}
	if t.AddedAt.IsZero() {
		t.AddedAt = s.now()
	}
	s.tenants[t.Name] = t
	return nil
}

// SeedTenant stores a registry record under an arbitrary id, the way records
// written by other clients with generated ids look.
func (s *Store) SeedTenant(id string, t recipients.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.AddedAt.IsZero() {
		t.AddedAt = s.now()
	}
	s.tenants[id] = t
}

// TenantCount is the number of registry records, for tests.
func (s *Store) TenantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants)
}

func (s *Store) ListRecipients(_ context.Context, tenant string) ([]recipients.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return s.filterLocked(func(r recipients.Recipient) bool { return r.Tenant == tenant }), nil
}

func (s *Store) FindRecipients(_ context.Context, tenant, email string) ([]recipients.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return s.filterLocked(func(r recipients.Recipient) bool {
		return r.Tenant == tenant && r.Email == email
	}), nil
}

func (s *Store) AddRecipient(_ context.Context, r recipients.Recipient) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	r.ID = uuid.NewString()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.next++
	s.seq[r.ID] = s.next
	s.recipients[r.ID] = r
	return r.ID, nil
}

func (s *Store) DeleteRecipient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	delete(s.recipients, id)
	delete(s.seq, id)
	return nil
}

func (s *Store) SetSendOnlyNewDefects(_ context.Context, ids []string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, id := range ids {
		if _, ok := s.recipients[id]; !ok {
			return backend.ErrRecipientNotFound
		}
	}
	for _, id := range ids {
		r := s.recipients[id]
		r.SendOnlyNewDefects = value
		s.recipients[id] = r
	}
	return nil
}

func (s *Store) LoadConfiguration(_ context.Context, tenant string) (recipients.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return recipients.Configuration{}, s.fail
	}
	c, ok := s.configurations[tenant]
	if !ok {
		return recipients.Configuration{}, backend.ErrConfigurationNotFound
	}
	return cloneConfiguration(c), nil
}

func (s *Store) CreateConfiguration(_ context.Context, c recipients.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.configurations[c.Tenant]; ok {
		return backend.ErrConfigurationExists
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Revision = 1
	s.configurations[c.Tenant] = cloneConfiguration(c)
	return nil
}

func (s *Store) MutateConfiguration(_ context.Context, tenant string, fn func(*recipients.Configuration) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	current, ok := s.configurations[tenant]
	if !ok {
		return backend.ErrConfigurationNotFound
	}
	next := cloneConfiguration(current)
	if err := fn(&next); err != nil {
		return err
	}
	next.Tenant = current.Tenant
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now()
	next.Revision = current.Revision + 1
	s.configurations[tenant] = next
	return nil
}

func (s *Store) filterLocked(keep func(recipients.Recipient) bool) []recipients.Recipient {
	out := []recipients.Recipient{}
	for _, r := range s.recipients {
		if keep(r) {
			out = append(out, r)
		}
	}
	// Map iteration is random; insertion sequence stands in for the store's
	// natural document order.
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

func cloneConfiguration(c recipients.Configuration) recipients.Configuration {
	out := c
	out.Tenant = strings.TrimSpace(c.Tenant)
	out.Recipients = append([]recipients.Entry{}, c.Recipients...)
	return out
}
