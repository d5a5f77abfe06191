package app

import (
	migrate "github.com/golang-migrate/migrate/v4"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewLimiterStore wires a rate limiter store backed by Redis.
func NewLimiterStore(rdb *redis.Client) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{})
}

// RunMigrations applies pending migrations, treating an up-to-date schema as success.
func RunMigrations(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
