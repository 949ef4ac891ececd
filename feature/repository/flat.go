package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

// Flat keeps one document per recipient in dvir_recipients. The shared
// send_only_new_defects flag is copied onto every document of the tenant.
type Flat struct {
	base
}

var _ Repository = (*Flat)(nil)

func (f *Flat) EnsureTenantConfigured(ctx context.Context, tenant string) (created bool, err error) {
	tenant = strings.TrimSpace(tenant)
	if !recipients.Persistable(tenant) {
		return false, nil
	}
	defer f.finish("ensure", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := f.begin(ctx, tenant)
	defer cancel()
	if err != nil {
		return false, err
	}

	err = f.withTenantLock(ctx, tenant, func(ctx context.Context) error {
		exists, err := f.store.TenantExists(ctx, tenant)
		if err != nil {
			return queryFailed("lookup tenant", err)
		}
		if exists {
			return nil
		}
		if err := f.store.CreateTenant(ctx, recipients.NewTenant(tenant)); err != nil {
			if errors.Is(err, backend.ErrTenantExists) {
				return nil
			}
			return writeFailed("create tenant", err)
		}
		created = true
		return nil
	})
	if created {
		f.logger.Info("tenant registered", zap.String("database", tenant))
	}
	return created, err
}

func (f *Flat) Load(ctx context.Context, tenant string) (out recipients.Listing, err error) {
	tenant = strings.TrimSpace(tenant)
	defer f.finish("load", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := f.begin(ctx, tenant)
	defer cancel()
	if err != nil {
		return recipients.Listing{}, err
	}
	out = recipients.Listing{Tenant: tenant, Recipients: []recipients.Recipient{}, SendOnlyNewDefects: true}
	if tenant == recipients.DemoTenant {
		return out, nil
	}

	items, err := f.store.ListRecipients(ctx, tenant)
	if err != nil {
		return recipients.Listing{}, queryFailed("list recipients", err)
	}
	sortByCreation(items)
	out.Recipients = items
	if n := len(items); n > 0 {
		out.SendOnlyNewDefects = items[n-1].SendOnlyNewDefects
	}
	return out, nil
}

func (f *Flat) AddRecipient(ctx context.Context, tenant, email string, filter recipients.DefectFilter) (id string, err error) {
	tenant = strings.TrimSpace(tenant)
	defer f.finish("add", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := f.beginWrite(ctx, tenant)
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

	err = f.withTenantLock(ctx, tenant, func(ctx context.Context) error {
		existing, err := f.store.FindRecipients(ctx, tenant, addr)
		if err != nil {
			return queryFailed("check existing recipient", err)
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %s", recipients.ErrDuplicateRecipient, addr)
		}
		id, err = f.store.AddRecipient(ctx, recipients.Recipient{
			Email:              addr,
			Tenant:             tenant,
			SendOnlyNewDefects: filter.SendOnlyNewDefects(),
		})
		if errors.Is(err, recipients.ErrDuplicateRecipient) {
			return err
		}
		if err != nil {
			return writeFailed("add recipient", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	f.logger.Info("recipient added", zap.String("database", tenant), zap.String("email", addr), zap.String("id", id))
	return id, nil
}

// RemoveRecipient deletes the tenant's document whose id (or email) matches.
// The tenant's own list is consulted first so an id from another tenant is
// never deleted.
func (f *Flat) RemoveRecipient(ctx context.Context, tenant, id string) (err error) {
	tenant = strings.TrimSpace(tenant)
	defer f.finish("remove", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := f.beginWrite(ctx, tenant)
	defer cancel()
	if err != nil {
		return err
	}
	query := strings.TrimSpace(id)
	if query == "" {
		return nil
	}

	return f.withTenantLock(ctx, tenant, func(ctx context.Context) error {
		items, err := f.store.ListRecipients(ctx, tenant)
		if err != nil {
			return queryFailed("list recipients", err)
		}
		target, ok := recipients.Listing{Recipients: items}.Find(query)
		if !ok {
			return nil
		}
		if err := f.store.DeleteRecipient(ctx, target.ID); err != nil {
			return writeFailed("delete recipient", err)
		}
		f.logger.Info("recipient removed", zap.String("database", tenant), zap.String("email", target.Email), zap.String("id", target.ID))
		return nil
	})
}

func (f *Flat) UpdateSharedSetting(ctx context.Context, tenant string, sendOnlyNewDefects bool) (err error) {
	tenant = strings.TrimSpace(tenant)
	defer f.finish("update_setting", tenant, time.Now(), &err)
	ctx, cancel, tenant, err := f.beginWrite(ctx, tenant)
	defer cancel()
	if err != nil {
		return err
	}

	return f.withTenantLock(ctx, tenant, func(ctx context.Context) error {
		items, err := f.store.ListRecipients(ctx, tenant)
		if err != nil {
			return queryFailed("list recipients", err)
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]string, 0, len(items))
		for _, r := range items {
			ids = append(ids, r.ID)
		}
		if err := f.store.SetSendOnlyNewDefects(ctx, ids, sendOnlyNewDefects); err != nil {
			return writeFailed("batch update setting", err)
		}
		f.logger.Info("shared setting updated",
			zap.String("database", tenant),
			zap.Bool("send_only_new_defects", sendOnlyNewDefects),
			zap.Int("documents", len(ids)),
		)
		return nil
	})
}

func sortByCreation(items []recipients.Recipient) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
