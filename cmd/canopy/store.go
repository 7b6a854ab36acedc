package main

import (
	"encoding/base64"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aretw0/canopy/internal/config"
	"github.com/aretw0/canopy/pkg/adapters/file"
	"github.com/aretw0/canopy/pkg/adapters/memory"
	"github.com/aretw0/canopy/pkg/adapters/middleware"
	redisadapter "github.com/aretw0/canopy/pkg/adapters/redis"
	"github.com/aretw0/canopy/pkg/ports"
)

// openStore builds the checkpoint backend selected by cfg. The locker is
// non-nil only for backends shared across replicas. cleanup releases backend
// connections and is safe to call on every path.
func openStore(cfg config.StoreConfig) (store ports.CheckpointStore, locker ports.DistributedLocker, cleanup func() error, err error) {
	cleanup = func() error { return nil }

	switch cfg.Backend {
	case config.StoreMemory:
		store = memory.NewStore()

	case config.StoreFile:
		store = file.New(cfg.Path)

	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []redisadapter.Option{}
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redisadapter.WithPrefix(cfg.Redis.Prefix))
		}
		if cfg.Redis.TTL > 0 {
			opts = append(opts, redisadapter.WithTTL(cfg.Redis.TTL.Std()))
		}
		store = redisadapter.NewFromClient(client, opts...)
		locker = redisadapter.NewLocker(client, cfg.Redis.Prefix)
		cleanup = client.Close

	default:
		return nil, nil, cleanup, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if cfg.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("decode store.encryption_key: %w", err)
		}
		if len(key) != 32 {
			return nil, nil, cleanup, fmt.Errorf("store.encryption_key must decode to 32 bytes, got %d", len(key))
		}
		store = middleware.NewEncryption(middleware.EncryptionConfig{ActiveKey: key})(store)
	}
	return store, locker, cleanup, nil
}
