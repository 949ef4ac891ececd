package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

func TestCreateTenantIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.CreateTenant(ctx, recipients.NewTenant("acme")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateTenant(ctx, recipients.NewTenant("acme")); !errors.Is(err, backend.ErrTenantExists) {
		t.Fatalf("expected ErrTenantExists, got %v", err)
	}
	ok, err := s.TenantExists(ctx, "acme")
	if err != nil || !ok {
		t.Fatalf("TenantExists = %v, %v", ok, err)
	}
}

func TestTenantExistsMatchesDatabaseName(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedTenant("auto-1", recipients.NewTenant("acme"))
	ok, err := s.TenantExists(ctx, "acme")
	if err != nil || !ok {
		t.Fatalf("TenantExists(acme) = %v, %v", ok, err)
	}
	if ok, _ := s.TenantExists(ctx, "auto-1"); ok {
		t.Fatal("document id matched as a database name")
	}
}

func TestBatchRejectsStaleIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.AddRecipient(ctx, recipients.Recipient{Email: "a@x.com", Tenant: "acme"})
	if err := s.SetSendOnlyNewDefects(ctx, []string{a, "gone"}, true); !errors.Is(err, backend.ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	items, _ := s.ListRecipients(ctx, "acme")
	if items[0].SendOnlyNewDefects {
		t.Fatal("partial batch applied")
	}
}

func TestListKeepsInsertionOrderAndTenant(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, e := range []string{"c@x.com", "a@x.com", "b@x.com"} {
		if _, err := s.AddRecipient(ctx, recipients.Recipient{Email: e, Tenant: "acme"}); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = s.AddRecipient(ctx, recipients.Recipient{Email: "g@x.com", Tenant: "globex"})

	items, err := s.ListRecipients(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].Email != "c@x.com" || items[2].Email != "b@x.com" {
		t.Fatalf("items = %+v", items)
	}
	found, _ := s.FindRecipients(ctx, "globex", "a@x.com")
	if len(found) != 0 {
		t.Fatal("find crossed tenants")
	}
}

func TestMutateConfigurationRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.CreateConfiguration(ctx, recipients.NewConfiguration("acme")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateConfiguration(ctx, recipients.NewConfiguration("acme")); !errors.Is(err, backend.ErrConfigurationExists) {
		t.Fatalf("expected ErrConfigurationExists, got %v", err)
	}

	boom := errors.New("boom")
	err := s.MutateConfiguration(ctx, "acme", func(c *recipients.Configuration) error {
		c.Recipients = append(c.Recipients, recipients.Entry{Email: "a@x.com"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	cfg, _ := s.LoadConfiguration(ctx, "acme")
	if len(cfg.Recipients) != 0 || cfg.Revision != 1 {
		t.Fatalf("failed mutation persisted: %+v", cfg)
	}

	err = s.MutateConfiguration(ctx, "acme", func(c *recipients.Configuration) error {
		return c.Add(recipients.Entry{Email: "a@x.com"})
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, _ = s.LoadConfiguration(ctx, "acme")
	if len(cfg.Recipients) != 1 || cfg.Revision != 2 {
		t.Fatalf("mutation = %+v", cfg)
	}

	if err := s.MutateConfiguration(ctx, "globex", func(*recipients.Configuration) error { return nil }); !errors.Is(err, backend.ErrConfigurationNotFound) {
		t.Fatalf("expected ErrConfigurationNotFound, got %v", err)
	}
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	s := New()
	down := errors.New("down")
	s.Fail(down)
	if _, err := s.ListRecipients(ctx, "acme"); !errors.Is(err, down) {
		t.Fatalf("expected injected error, got %v", err)
	}
	s.Fail(nil)
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}
