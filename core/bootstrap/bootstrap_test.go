package bootstrap

import (
	"context"
	"testing"

	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/core/lock"
	"github.com/jasonchiu/dvirmail/feature/recipients"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

func memoryProject(shape string) config.Project {
	p := config.Project{Backend: config.BackendMemory, Shape: shape}
	p.ApplyDefaults()
	return p
}

func TestRepositoryMemory(t *testing.T) {
	ctx := context.Background()
	for _, shape := range []string{config.ShapeFlat, config.ShapeEmbedded} {
		repo, closeFn, err := Repository(ctx, memoryProject(shape), nil)
		if err != nil {
			t.Fatal(err)
		}
		switch shape {
		case config.ShapeFlat:
			if _, ok := repo.(*repository.Flat); !ok {
				t.Fatalf("flat shape built %T", repo)
			}
		case config.ShapeEmbedded:
			if _, ok := repo.(*repository.Embedded); !ok {
				t.Fatalf("embedded shape built %T", repo)
			}
		}
		if _, err := repo.EnsureTenantConfigured(ctx, "acme"); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.AddRecipient(ctx, "acme", "a@x.com", recipients.FilterNew); err != nil {
			t.Fatal(err)
		}
		if err := closeFn(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLockerDefaultsToLocal(t *testing.T) {
	l, closeFn, err := Locker(context.Background(), memoryProject(config.ShapeFlat), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn(context.Background())
	if _, ok := l.(*lock.Local); !ok {
		t.Fatalf("locker = %T", l)
	}
}

func TestUploaderDisabledWithoutBucket(t *testing.T) {
	up, err := Uploader(memoryProject(config.ShapeFlat))
	if err != nil || up != nil {
		t.Fatalf("uploader = %v, %v", up, err)
	}
}

func TestStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := Store(context.Background(), config.Project{Backend: "sqlite"}, nil); err == nil {
		t.Fatal("expected error")
	}
}
