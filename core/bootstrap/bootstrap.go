package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/backend"
	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/core/lock"
	"github.com/jasonchiu/dvirmail/core/memstore"
	"github.com/jasonchiu/dvirmail/core/mongostore"
	"github.com/jasonchiu/dvirmail/core/remote"
	"github.com/jasonchiu/dvirmail/core/tigris"
	"github.com/jasonchiu/dvirmail/feature/export"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

// CloseFunc releases everything Repository opened.
type CloseFunc func(ctx context.Context) error

func Store(ctx context.Context, proj config.Project, logger *zap.Logger) (backend.Store, error) {
	switch proj.Backend {
	case config.BackendFirestore:
		return remote.New(ctx, proj)
	case config.BackendMongo:
		return mongostore.New(ctx, proj, logger)
	case config.BackendMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", proj.Backend)
	}
}

// Locker returns a Redis lock when an address is configured and an in-process
// lock otherwise.
func Locker(ctx context.Context, proj config.Project, logger *zap.Logger) (lock.Locker, CloseFunc, error) {
	addr := strings.TrimSpace(proj.Lock.RedisAddr)
	if addr == "" {
		return lock.NewLocal(), func(context.Context) error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: proj.Lock.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return lock.NewRedis(client, proj.Lock.TTL, logger), func(context.Context) error { return client.Close() }, nil
}

func Repository(ctx context.Context, proj config.Project, logger *zap.Logger) (repository.Repository, CloseFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := Store(ctx, proj, logger)
	if err != nil {
		return nil, nil, err
	}
	locker, closeLock, err := Locker(ctx, proj, logger)
	if err != nil {
		_ = store.Close(ctx)
		return nil, nil, err
	}
	repo, err := repository.New(proj.Shape, repository.Options{
		Store:   store,
		Locker:  locker,
		Logger:  logger.Named("repository"),
		Timeout: proj.StoreTimeout,
	})
	if err != nil {
		_ = closeLock(ctx)
		_ = store.Close(ctx)
		return nil, nil, err
	}
	logger.Debug("repository ready",
		zap.String("backend", proj.Backend),
		zap.String("shape", proj.Shape),
		zap.Bool("redis_lock", strings.TrimSpace(proj.Lock.RedisAddr) != ""),
	)
	closeAll := func(ctx context.Context) error {
		return errors.Join(closeLock(ctx), store.Close(ctx))
	}
	return repo, closeAll, nil
}

// Uploader returns nil when no export bucket is configured.
func Uploader(proj config.Project) (*export.Uploader, error) {
	if strings.TrimSpace(proj.Export.Bucket) == "" {
		return nil, nil
	}
	client, err := tigris.NewFromExport(proj.Export)
	if err != nil {
		return nil, err
	}
	return export.NewUploader(client, proj.Export.Prefix)
}
