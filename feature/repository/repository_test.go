package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/core/memstore"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newRepo(t *testing.T, shape string, store backend.Store) Repository {
	t.Helper()
	repo, err := New(shape, Options{Store: store, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func newMem() *memstore.Store {
	s := memstore.New()
	s.SetClock(steppingClock())
	return s
}

var shapes = []string{ShapeFlat, ShapeEmbedded}

func emails(l recipients.Listing) []string {
	out := make([]string, 0, len(l.Recipients))
	for _, r := range l.Recipients {
		out = append(out, r.Email)
	}
	return out
}

func TestNewRejectsUnknownShape(t *testing.T) {
	if _, err := New("columnar", Options{}); err == nil {
		t.Fatal("expected error for unknown shape")
	}
}

func TestAcmeScenario(t *testing.T) {
	for _, shape := range shapes {
		t.Run(shape, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t, shape, newMem())

			if _, err := repo.EnsureTenantConfigured(ctx, "acme"); err != nil {
				t.Fatal(err)
			}
			l, err := repo.Load(ctx, "acme")
			if err != nil {
				t.Fatal(err)
			}
			if l.Count() != 0 {
				t.Fatalf("fresh tenant has %d recipients", l.Count())
			}

			id, err := repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterNew)
			if err != nil {
				t.Fatal(err)
			}
			if id == "" {
				t.Fatal("AddRecipient returned empty id")
			}
			l, err = repo.Load(ctx, "acme")
			if err != nil {
				t.Fatal(err)
			}
			if l.Count() != 1 || l.Recipients[0].Email != "a@x.com" || l.Recipients[0].Filter() != recipients.FilterNew {
				t.Fatalf("after add: %+v", l.Recipients)
			}

			if err := repo.RemoveRecipient(ctx, "acme", id); err != nil {
				t.Fatal(err)
			}
			l, err = repo.Load(ctx, "acme")
			if err != nil {
				t.Fatal(err)
			}
			if l.Count() != 0 {
				t.Fatalf("after remove: %+v", l.Recipients)
			}
		})
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	for _, shape := range shapes {
		t.Run(shape, func(t *testing.T) {
			ctx := context.Background()
			store := newMem()
			repo := newRepo(t, shape, store)

			created, err := repo.EnsureTenantConfigured(ctx, "acme")
			if err != nil || !created {
				t.Fatalf("first ensure = %v, %v; want created", created, err)
			}
			for i := 0; i < 3; i++ {
				created, err = repo.EnsureTenantConfigured(ctx, "acme")
				if err != nil || created {
					t.Fatalf("repeat ensure = %v, %v; want no-op", created, err)
				}
			}
			if shape == ShapeFlat && store.TenantCount() != 1 {
				t.Fatalf("tenant records = %d, want 1", store.TenantCount())
			}
			if shape == ShapeEmbedded {
				cfg, err := store.LoadConfiguration(ctx, "acme")
				if err != nil {
					t.Fatal(err)
				}
				if !cfg.Active || len(cfg.Recipients) != 0 {
					t.Fatalf("default configuration = %+v", cfg)
				}
			}
		})
	}
}

func TestEnsureConcurrentCallersCreateOnce(t *testing.T) {
	store := newMem()
	repo := newRepo(t, ShapeFlat, store)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := repo.EnsureTenantConfigured(context.Background(), "acme")
			if err != nil {
				t.Error(err)
				return
			}
			if created {
				mu.Lock()
				creates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if creates != 1 || store.TenantCount() != 1 {
		t.Fatalf("creates = %d, records = %d; want 1 and 1", creates, store.TenantCount())
	}
}

func TestEnsureSkipsEmptyAndDemo(t *testing.T) {
	for _, shape := range shapes {
		store := newMem()
		repo := newRepo(t, shape, store)
		for _, tenant := range []string{"", "  ", recipients.DemoTenant} {
			created, err := repo.EnsureTenantConfigured(context.Background(), tenant)
			if err != nil || created {
				t.Fatalf("%s: ensure(%q) = %v, %v", shape, tenant, created, err)
			}
		}
		if store.TenantCount() != 0 {
			t.Fatalf("%s: demo tenant was persisted", shape)
		}
		if _, err := store.LoadConfiguration(context.Background(), recipients.DemoTenant); !errors.Is(err, backend.ErrConfigurationNotFound) {
			t.Fatalf("%s: demo configuration was persisted", shape)
		}
	}
}

func TestAddDuplicateLeavesCountUnchanged(t *testing.T) {
	for _, shape := range shapes {
		t.Run(shape, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t, shape, newMem())
			_, _ = repo.EnsureTenantConfigured(ctx, "acme")

			if _, err := repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterNew); err != nil {
				t.Fatal(err)
			}
			for _, dup := range []string{"a@x.com", " A@X.COM "} {
				if _, err := repo.AddRecipient(ctx, "acme", dup, recipients.FilterAll); !errors.Is(err, recipients.ErrDuplicateRecipient) {
					t.Fatalf("AddRecipient(%q) error = %v, want ErrDuplicateRecipient", dup, err)
				}
			}
			l, err := repo.Load(ctx, "acme")
			if err != nil {
				t.Fatal(err)
			}
			if got := emails(l); len(got) != 1 || got[0] != "a@x.com" {
				t.Fatalf("recipients = %v, want exactly [a@x.com]", got)
			}
		})
	}
}

func TestAddValidatesInput(t *testing.T) {
	for _, shape := range shapes {
		ctx := context.Background()
		repo := newRepo(t, shape, newMem())
		_, _ = repo.EnsureTenantConfigured(ctx, "acme")

		if _, err := repo.AddRecipient(ctx, "acme", "nope", recipients.FilterNew); !errors.Is(err, recipients.ErrInvalidEmail) {
			t.Fatalf("%s: expected ErrInvalidEmail, got %v", shape, err)
		}
		if _, err := repo.AddRecipient(ctx, "acme", "a@x.com", "sometimes"); !errors.Is(err, recipients.ErrInvalidDefectFilter) {
			t.Fatalf("%s: expected ErrInvalidDefectFilter, got %v", shape, err)
		}
		if _, err := repo.AddRecipient(ctx, recipients.DemoTenant, "a@x.com", recipients.FilterNew); !errors.Is(err, recipients.ErrReadOnlyTenant) {
			t.Fatalf("%s: expected ErrReadOnlyTenant, got %v", shape, err)
		}
	}
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	for _, shape := range shapes {
		t.Run(shape, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t, shape, newMem())
			_, _ = repo.EnsureTenantConfigured(ctx, "acme")
			_, _ = repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterNew)

			for _, id := range []string{"", "missing-id", "ghost@x.com"} {
				if err := repo.RemoveRecipient(ctx, "acme", id); err != nil {
					t.Fatalf("RemoveRecipient(%q) = %v", id, err)
				}
			}
			l, _ := repo.Load(ctx, "acme")
			if got := emails(l); len(got) != 1 {
				t.Fatalf("list changed after no-op removes: %v", got)
			}

			if err := repo.RemoveRecipient(ctx, "acme", "a@x.com"); err != nil {
				t.Fatal(err)
			}
			if err := repo.RemoveRecipient(ctx, "acme", "a@x.com"); err != nil {
				t.Fatalf("second remove = %v", err)
			}
			l, _ = repo.Load(ctx, "acme")
			for _, e := range emails(l) {
				if e == "a@x.com" {
					t.Fatal("removed email returned by load")
				}
			}
		})
	}
}

func TestFlatRemoveIgnoresOtherTenantsIDs(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, ShapeFlat, newMem())
	id, err := repo.AddRecipient(ctx, "globex", "g@x.com", recipients.FilterNew)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.RemoveRecipient(ctx, "acme", id); err != nil {
		t.Fatal(err)
	}
	l, _ := repo.Load(ctx, "globex")
	if l.Count() != 1 {
		t.Fatal("remove through another tenant deleted the document")
	}
}

func TestLoadOrder(t *testing.T) {
	for _, shape := range shapes {
		ctx := context.Background()
		repo := newRepo(t, shape, newMem())
		_, _ = repo.EnsureTenantConfigured(ctx, "acme")
		want := []string{"c@x.com", "a@x.com", "b@x.com"}
		for _, e := range want {
			if _, err := repo.AddRecipient(ctx, "acme", e, recipients.FilterNew); err != nil {
				t.Fatal(err)
			}
		}
		l, err := repo.Load(ctx, "acme")
		if err != nil {
			t.Fatal(err)
		}
		got := emails(l)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: order = %v, want %v", shape, got, want)
			}
		}
	}
}

func TestFlatLoadKeepsStoreOrderForEqualTimestamps(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		store := memstore.New()
		store.SetClock(func() time.Time { return fixed })
		repo := newRepo(t, ShapeFlat, store)
		adds := []struct {
			email  string
			filter recipients.DefectFilter
		}{
			{"b@x.com", recipients.FilterNew},
			{"a@x.com", recipients.FilterNew},
			{"c@x.com", recipients.FilterAll},
		}
		for _, a := range adds {
			if _, err := repo.AddRecipient(ctx, "acme", a.email, a.filter); err != nil {
				t.Fatal(err)
			}
		}
		l, err := repo.Load(ctx, "acme")
		if err != nil {
			t.Fatal(err)
		}
		got := emails(l)
		if len(got) != 3 || got[0] != "b@x.com" || got[1] != "a@x.com" || got[2] != "c@x.com" {
			t.Fatalf("order = %v, want insertion order", got)
		}
		if l.SendOnlyNewDefects {
			t.Fatal("shared setting should come from the last added recipient")
		}
	}
}

// racingStore reports a unique-index violation on insert, as MongoDB does when
// another writer added the same email after the duplicate check.
type racingStore struct {
	*memstore.Store
}

func (racingStore) AddRecipient(_ context.Context, r recipients.Recipient) (string, error) {
	return "", fmt.Errorf("%w: %s", recipients.ErrDuplicateRecipient, r.Email)
}

func TestFlatAddReportsStoreDuplicate(t *testing.T) {
	repo := newRepo(t, ShapeFlat, racingStore{newMem()})
	_, err := repo.AddRecipient(context.Background(), "acme", "a@x.com", recipients.FilterNew)
	if !errors.Is(err, recipients.ErrDuplicateRecipient) || errors.Is(err, recipients.ErrWriteFailed) {
		t.Fatalf("err = %v, want ErrDuplicateRecipient only", err)
	}
}

func TestEnsureFindsRecordUnderForeignID(t *testing.T) {
	ctx := context.Background()
	store := newMem()
	store.SeedTenant("Xk2p9Qauto", recipients.NewTenant("acme"))
	repo := newRepo(t, ShapeFlat, store)

	created, err := repo.EnsureTenantConfigured(ctx, "acme")
	if err != nil || created {
		t.Fatalf("ensure = %v, %v; want existing record found", created, err)
	}
	if store.TenantCount() != 1 {
		t.Fatalf("tenant records = %d, want 1", store.TenantCount())
	}
}

func TestUpdateSharedSettingAppliesToEveryRecipient(t *testing.T) {
	for _, shape := range shapes {
		t.Run(shape, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t, shape, newMem())
			_, _ = repo.EnsureTenantConfigured(ctx, "acme")
			_, _ = repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterAll)
			_, _ = repo.AddRecipient(ctx, "acme", "b@x.com", recipients.FilterAll)
			_, _ = repo.AddRecipient(ctx, "globex", "g@x.com", recipients.FilterAll)

			if err := repo.UpdateSharedSetting(ctx, "acme", true); err != nil {
				t.Fatal(err)
			}
			l, err := repo.Load(ctx, "acme")
			if err != nil {
				t.Fatal(err)
			}
			if !l.SendOnlyNewDefects {
				t.Fatal("derived setting not updated")
			}
			for _, r := range l.Recipients {
				if !r.SendOnlyNewDefects {
					t.Fatalf("%s not updated", r.Email)
				}
			}
			if shape == ShapeFlat {
				other, _ := repo.Load(ctx, "globex")
				if other.Recipients[0].SendOnlyNewDefects {
					t.Fatal("update leaked into another tenant")
				}
			}
		})
	}
}

func TestUpdateSharedSettingWithoutRecipients(t *testing.T) {
	for _, shape := range shapes {
		ctx := context.Background()
		repo := newRepo(t, shape, newMem())
		_, _ = repo.EnsureTenantConfigured(ctx, "acme")
		if err := repo.UpdateSharedSetting(ctx, "acme", false); err != nil {
			t.Fatalf("%s: %v", shape, err)
		}
	}
}

type rejectingBatch struct {
	*memstore.Store
}

func (rejectingBatch) SetSendOnlyNewDefects(context.Context, []string, bool) error {
	return errors.New("commit rejected")
}

func TestFlatUpdateSharedSettingIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	mem := newMem()
	repo := newRepo(t, ShapeFlat, rejectingBatch{mem})
	_, _ = repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterAll)
	_, _ = repo.AddRecipient(ctx, "acme", "b@x.com", recipients.FilterAll)

	err := repo.UpdateSharedSetting(ctx, "acme", true)
	if !errors.Is(err, recipients.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	l, _ := repo.Load(ctx, "acme")
	for _, r := range l.Recipients {
		if r.SendOnlyNewDefects {
			t.Fatalf("%s was updated by a rejected batch", r.Email)
		}
	}
}

func TestEmbeddedWritesNeedConfiguration(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, ShapeEmbedded, newMem())
	if _, err := repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterNew); !errors.Is(err, recipients.ErrConfigurationMissing) {
		t.Fatalf("add: expected ErrConfigurationMissing, got %v", err)
	}
	if err := repo.RemoveRecipient(ctx, "acme", "a@x.com"); !errors.Is(err, recipients.ErrConfigurationMissing) {
		t.Fatalf("remove: expected ErrConfigurationMissing, got %v", err)
	}
	l, err := repo.Load(ctx, "acme")
	if err != nil || l.Count() != 0 {
		t.Fatalf("load without configuration = %+v, %v", l, err)
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	for _, shape := range shapes {
		repo := newRepo(t, shape, nil)
		if _, err := repo.Load(ctx, "acme"); !errors.Is(err, recipients.ErrRemoteUnavailable) {
			t.Fatalf("%s nil store: expected ErrRemoteUnavailable, got %v", shape, err)
		}

		mem := newMem()
		repo = newRepo(t, shape, mem)
		if _, err := repo.Load(ctx, ""); !errors.Is(err, recipients.ErrRemoteUnavailable) {
			t.Fatalf("%s empty tenant: expected ErrRemoteUnavailable, got %v", shape, err)
		}
		mem.Fail(errors.New("unavailable"))
		if _, err := repo.Load(ctx, "acme"); !errors.Is(err, recipients.ErrQueryFailed) {
			t.Fatalf("%s failing store: expected ErrQueryFailed, got %v", shape, err)
		}
		if err := repo.Ping(ctx); !errors.Is(err, recipients.ErrRemoteUnavailable) {
			t.Fatalf("%s ping: expected ErrRemoteUnavailable, got %v", shape, err)
		}
		mem.Fail(nil)
		if err := repo.Ping(ctx); err != nil {
			t.Fatalf("%s ping after recovery: %v", shape, err)
		}
	}
}

func TestLoadDemoSkipsStore(t *testing.T) {
	mem := newMem()
	mem.Fail(errors.New("must not be called"))
	for _, shape := range shapes {
		repo := newRepo(t, shape, mem)
		l, err := repo.Load(context.Background(), recipients.DemoTenant)
		if err != nil || l.Count() != 0 || !l.SendOnlyNewDefects {
			t.Fatalf("%s demo load = %+v, %v", shape, l, err)
		}
	}
}

type hangingStore struct {
	*memstore.Store
}

func (hangingStore) ListRecipients(ctx context.Context, _ string) ([]recipients.Recipient, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLoadTimesOut(t *testing.T) {
	repo, err := New(ShapeFlat, Options{Store: hangingStore{newMem()}, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = repo.Load(context.Background(), "acme")
	if !errors.Is(err, recipients.ErrQueryFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrQueryFailed wrapping deadline, got %v", err)
	}
}
