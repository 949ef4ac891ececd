package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/core/lock"
	"github.com/jasonchiu/dvirmail/core/metrics"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

// Repository reconciles a tenant's recipient list with the remote store.
type Repository interface {
	// EnsureTenantConfigured creates the tenant's record on first use and reports
	// whether it did. Empty and demo tenants are ignored.
	EnsureTenantConfigured(ctx context.Context, tenant string) (bool, error)
	Load(ctx context.Context, tenant string) (recipients.Listing, error)
	// AddRecipient returns the identifier RemoveRecipient accepts.
	AddRecipient(ctx context.Context, tenant, email string, filter recipients.DefectFilter) (string, error)
	RemoveRecipient(ctx context.Context, tenant, id string) error
	UpdateSharedSetting(ctx context.Context, tenant string, sendOnlyNewDefects bool) error
	Ping(ctx context.Context) error
}

const (
	ShapeFlat     = "flat"
	ShapeEmbedded = "embedded"
)

type Options struct {
	Store   backend.Store
	Locker  lock.Locker
	Logger  *zap.Logger
	Timeout time.Duration
}

func New(shape string, opts Options) (Repository, error) {
	b := newBase(opts)
	switch strings.ToLower(strings.TrimSpace(shape)) {
	case "", ShapeFlat:
		return &Flat{base: b}, nil
	case ShapeEmbedded:
		return &Embedded{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown storage shape %q", shape)
	}
}

type base struct {
	store   backend.Store
	locker  lock.Locker
	logger  *zap.Logger
	timeout time.Duration
}

func newBase(opts Options) base {
	b := base{
		store:   opts.Store,
		locker:  opts.Locker,
		logger:  opts.Logger,
		timeout: opts.Timeout,
	}
	if b.locker == nil {
		b.locker = lock.NewLocal()
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.timeout <= 0 {
		b.timeout = 10 * time.Second
	}
	return b
}

func (b *base) Ping(ctx context.Context) (err error) {
	defer b.finish("ping", "", time.Now(), &err)
	if b.store == nil {
		return fmt.Errorf("%w: store client not initialized", recipients.ErrRemoteUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", recipients.ErrRemoteUnavailable, err)
	}
	return nil
}

// begin validates the store and tenant and bounds the operation with the
// configured timeout.
func (b *base) begin(ctx context.Context, tenant string) (context.Context, context.CancelFunc, string, error) {
	t := strings.TrimSpace(tenant)
	if b.store == nil {
		return ctx, func() {}, t, fmt.Errorf("%w: store client not initialized", recipients.ErrRemoteUnavailable)
	}
	if t == "" {
		return ctx, func() {}, t, fmt.Errorf("%w: no tenant database", recipients.ErrRemoteUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return ctx, cancel, t, nil
}

func (b *base) beginWrite(ctx context.Context, tenant string) (context.Context, context.CancelFunc, string, error) {
	ctx, cancel, t, err := b.begin(ctx, tenant)
	if err != nil {
		return ctx, cancel, t, err
	}
	if !recipients.Persistable(t) {
		cancel()
		return ctx, func() {}, t, fmt.Errorf("%w: %s", recipients.ErrReadOnlyTenant, t)
	}
	return ctx, cancel, t, nil
}

func (b *base) withTenantLock(ctx context.Context, tenant string, fn func(context.Context) error) error {
	release, err := b.locker.Lock(ctx, tenant)
	if err != nil {
		return fmt.Errorf("%w: tenant lock: %w", recipients.ErrRemoteUnavailable, err)
	}
	defer release()
	return fn(ctx)
}

func (b *base) finish(op, tenant string, started time.Time, errp *error) {
	err := *errp
	metrics.Observe(op, started, err)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.Duration("took", time.Since(started)),
	}
	if tenant != "" {
		fields = append(fields, zap.String("database", tenant))
	}
	switch {
	case err == nil:
		b.logger.Debug("repository operation", fields...)
	case isCallerError(err):
		b.logger.Warn("repository operation rejected", append(fields, zap.Error(err))...)
	default:
		b.logger.Error("repository operation failed", append(fields, zap.Error(err))...)
	}
}

func isCallerError(err error) bool {
	return errors.Is(err, recipients.ErrDuplicateRecipient) ||
		errors.Is(err, recipients.ErrInvalidEmail) ||
		errors.Is(err, recipients.ErrInvalidDefectFilter) ||
		errors.Is(err, recipients.ErrReadOnlyTenant) ||
		errors.Is(err, recipients.ErrConfigurationMissing)
}

func queryFailed(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", recipients.ErrQueryFailed, what, err)
}

func writeFailed(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", recipients.ErrWriteFailed, what, err)
}

func normalizeFilter(f recipients.DefectFilter) (recipients.DefectFilter, error) {
	return recipients.ParseDefectFilter(string(f))
}
