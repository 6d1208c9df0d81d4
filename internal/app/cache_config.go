package app

import (
	"github.com/blockfall/blockfall/internal/cache"
	"github.com/blockfall/blockfall/internal/database"
)

// RedisConfig converts the cache section into RedisStore parameters.
func (c CacheConfig) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  c.Redis.Address,
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TLS:      c.Redis.TLS,
		Timeout:  c.Redis.Timeout,
	}
}

// DatabaseConfigValues converts the database section into connection parameters.
func (c DatabaseConfig) DatabaseConfigValues() database.Config {
	return database.Config{
		Driver:   c.Driver,
		Path:     c.Path,
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		User:     c.Username,
		Password: c.Password,
		Name:     c.Name,
	}
}
