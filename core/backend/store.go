package backend

import (
	"context"
	"errors"

	"github.com/jasonchiu/dvirmail/feature/recipients"
)

const (
	TenantsCollection        = "geotab_databases"
	RecipientsCollection     = "dvir_recipients"
	ConfigurationsCollection = "dvir_configurations"
)

var (
	ErrTenantExists          = errors.New("tenant record already exists")
	ErrConfigurationNotFound = errors.New("configuration not found")
	ErrConfigurationExists   = errors.New("configuration already exists")
	ErrRecipientNotFound     = errors.New("recipient document not found")
	ErrConflict              = errors.New("concurrent modification")
)

// Store is the document-database surface the repository needs. Flat-shape and
// embedded-shape methods live side by side so one client serves either layout.
// Zero timestamps on records are replaced with the store's write time.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	TenantExists(ctx context.Context, tenant string) (bool, error)
	CreateTenant(ctx context.Context, t recipients.Tenant) error

	ListRecipients(ctx context.Context, tenant string) ([]recipients.Recipient, error)
	FindRecipients(ctx context.Context, tenant, email string) ([]recipients.Recipient, error)
	AddRecipient(ctx context.Context, r recipients.Recipient) (string, error)
	DeleteRecipient(ctx context.Context, id string) error
	// SetSendOnlyNewDefects updates every listed document or none of them.
	SetSendOnlyNewDefects(ctx context.Context, ids []string, value bool) error

	LoadConfiguration(ctx context.Context, tenant string) (recipients.Configuration, error)
	CreateConfiguration(ctx context.Context, c recipients.Configuration) error
	// MutateConfiguration applies fn to the current document and writes the result
	// atomically. fn may run more than once and must not have side effects.
	MutateConfiguration(ctx context.Context, tenant string, fn func(*recipients.Configuration) error) error
}
