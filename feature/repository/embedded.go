package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

// errUnchanged aborts a configuration mutation that would not change anything.
var errUnchanged = errors.New("configuration unchanged")

// Embedded keeps a tenant's recipients as an ordered array on its single
// dvir_configurations document.
type Embedded struct {
	base
}

var _ Repository = (*Embedded)(nil)

func (e *Embedded) EnsureTenantConfigured(ctx context.Context, tenant string) (created bool, err error) {
	tenant = strings.TrimSpace(tenant)
	if !recipients.Persistable(tenant) {
		return false, nil
	}
	defer e.finish("ensure", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := e.begin(ctx, tenant)
	defer cancel()
	if err != nil {
		return false, err
	}

	err = e.withTenantLock(ctx, tenant, func(ctx context.Context) error {
		_, err := e.store.LoadConfiguration(ctx, tenant)
		if err == nil {
			return nil
		}
		if !errors.Is(err, backend.ErrConfigurationNotFound) {
			return queryFailed("load configuration", err)
		}
		if err := e.store.CreateConfiguration(ctx, recipients.NewConfiguration(tenant)); err != nil {
			if errors.Is(err, backend.ErrConfigurationExists) {
				return nil
			}
			return writeFailed("create configuration", err)
		}
		created = true
		return nil
	})
	if created {
		e.logger.Info("configuration created", zap.String("database", tenant))
	}
	return created, err
}

func (e *Embedded) Load(ctx context.Context, tenant string) (out recipients.Listing, err error) {
	tenant = strings.TrimSpace(tenant)
	defer e.finish("load", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := e.begin(ctx, tenant)
	defer cancel()
	if err != nil {
		return recipients.Listing{}, err
	}
	empty := recipients.Listing{Tenant: tenant, Recipients: []recipients.Recipient{}, SendOnlyNewDefects: true}
	if tenant == recipients.DemoTenant {
		return empty, nil
	}

	cfg, err := e.store.LoadConfiguration(ctx, tenant)
	if err != nil {
		if errors.Is(err, backend.ErrConfigurationNotFound) {
			return empty, nil
		}
		return recipients.Listing{}, queryFailed("load configuration", err)
	}
	cfg.Tenant = tenant
	return cfg.Listing(), nil
}

func (e *Embedded) AddRecipient(ctx context.Context, tenant, email string, filter recipients.DefectFilter) (id string, err error) {
	tenant = strings.TrimSpace(tenant)
	defer e.finish("add", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := e.beginWrite(ctx, tenant)
	defer cancel()
	if err != nil {
		return "", err
	}
	addr, err := recipients.NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	filter, err = normalizeFilter(filter)
	if err != nil {
		return "", err
	}

	err = e.mutate(ctx, tenant, func(cfg *recipients.Configuration) error {
		return cfg.Add(recipients.Entry{
			Email:        addr,
			DefectFilter: filter,
			AddedAt:      time.Now().UTC(),
		})
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("recipient added", zap.String("database", tenant), zap.String("email", addr))
	return addr, nil
}

func (e *Embedded) RemoveRecipient(ctx context.Context, tenant, id string) (err error) {
	tenant = strings.TrimSpace(tenant)
	defer e.finish("remove", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := e.beginWrite(ctx, tenant)
	defer cancel()
	if err != nil {
		return err
	}
	email := strings.TrimSpace(id)

	err = e.mutate(ctx, tenant, func(cfg *recipients.Configuration) error {
		if !cfg.Remove(email) {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err == nil {
		e.logger.Info("recipient removed", zap.String("database", tenant), zap.String("email", email))
	}
	return err
}

// UpdateSharedSetting rewrites the defect filter of every entry in one
// document write.
func (e *Embedded) UpdateSharedSetting(ctx context.Context, tenant string, sendOnlyNewDefects bool) (err error) {
	tenant = strings.TrimSpace(tenant)
	defer e.finish("update_setting", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := e.beginWrite(ctx, tenant)
	defer cancel()
	if err != nil {
		return err
	}

	err = e.mutate(ctx, tenant, func(cfg *recipients.Configuration) error {
		if len(cfg.Recipients) == 0 {
			return errUnchanged
		}
		cfg.SetFilter(recipients.FilterFor(sendOnlyNewDefects))
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func (e *Embedded) mutate(ctx context.Context, tenant string, fn func(*recipients.Configuration) error) error {
	return e.withTenantLock(ctx, tenant, func(ctx context.Context) error {
		err := e.store.MutateConfiguration(ctx, tenant, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, backend.ErrConfigurationNotFound):
			return fmt.Errorf("%w: %s", recipients.ErrConfigurationMissing, tenant)
		case errors.Is(err, errUnchanged),
			errors.Is(err, recipients.ErrDuplicateRecipient),
			errors.Is(err, recipients.ErrInvalidEmail),
			errors.Is(err, recipients.ErrInvalidDefectFilter):
			return err
		default:
			return writeFailed("update configuration", err)
		}
	})
}
