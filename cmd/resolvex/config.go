/*
 * Copyright (C) 2020-2024, IrineSistiana
 *
 * This file is part of resolvex.
 *
 * resolvex is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * resolvex is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/pmkol/resolvex/mlog"
	"github.com/pmkol/resolvex/pkg/cache"
	"github.com/pmkol/resolvex/pkg/cache/redis_cache"
	"github.com/pmkol/resolvex/pkg/nameserver"
	"github.com/pmkol/resolvex/resolver"
)

type Config struct {
	Servers []string       `yaml:"servers"`
	Log     mlog.LogConfig `yaml:"log"`
	Cache   CacheConfig    `yaml:"cache"`
	Query   QueryConfig    `yaml:"query"`
}

type CacheConfig struct {
	// Size is the entry limit of the in-memory backend. Ignored when
	// Redis is set.
	Size int `yaml:"size"`

	// Redis, if set, replaces the in-memory backend with a redis one.
	// Accepts a redis URL, e.g. "redis://localhost:6379/0".
	Redis        string        `yaml:"redis"`
	RedisTimeout time.Duration `yaml:"redis_timeout"`
}

type QueryConfig struct {
	MinTTL      uint32        `yaml:"min_ttl"`
	MaxTTL      uint32        `yaml:"max_ttl"`
	NegativeTTL uint32        `yaml:"negative_ttl"`
	MaxQueries  int           `yaml:"max_queries"`
	Timeout     time.Duration `yaml:"timeout"`

	// Families is the ordered list of address families to try,
	// e.g. ["ipv4", "ipv6"].
	Families []string `yaml:"families"`

	NoRecursion bool `yaml:"no_recursion"`
	DisableOpt  bool `yaml:"disable_opt"`
}

// loadConfig loads a config from filePath. If filePath is empty, it searches
// the working directory for a file named "resolvex"; built-in defaults apply
// when none exists.
func loadConfig(filePath string) (*Config, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("resolvex")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) == 0 && errors.As(err, &notFound) {
			return new(Config), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) override(rf *rootFlags) {
	if len(rf.servers) > 0 {
		cfg.Servers = rf.servers
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"8.8.8.8", "8.8.4.4"}
	}
}

// buildResolver assembles a Resolver from cfg. The caller must call Close on
// the returned Resolver.
func buildResolver(cfg *Config) (*resolver.Resolver, error) {
	logger, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	servers, err := nameserver.FromStrings(cfg.Servers)
	if err != nil {
		return nil, err
	}

	var backend cache.Backend
	if len(cfg.Cache.Redis) > 0 {
		opt, err := redis.ParseURL(cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opt)
		backend, err = redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: cfg.Cache.RedisTimeout,
			Logger:        logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to init redis cache: %w", err)
		}
	}

	r, err := resolver.New(resolver.Opts{
		Servers:      servers,
		CacheBackend: backend,
		CacheSize:    cfg.Cache.Size,
		QueryTimeout: cfg.Query.Timeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Query.MinTTL > 0 || cfg.Query.MaxTTL > 0 {
		maxTTL := cfg.Query.MaxTTL
		if maxTTL == 0 {
			maxTTL = resolver.MaxTTLForever
		}
		if err := r.SetTTL(cfg.Query.MinTTL, maxTTL); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	if cfg.Query.NegativeTTL > 0 {
		r.SetNegativeTTL(cfg.Query.NegativeTTL)
	}
	if cfg.Query.MaxQueries > 0 {
		if err := r.SetMaxQueriesPerResolve(cfg.Query.MaxQueries); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	if len(cfg.Query.Families) > 0 {
		families := make([]resolver.AddressFamily, 0, len(cfg.Query.Families))
		for _, s := range cfg.Query.Families {
			f, err := resolver.ParseAddressFamily(s)
			if err != nil {
				_ = r.Close()
				return nil, err
			}
			families = append(families, f)
		}
		if err := r.SetResolveAddressTypes(families...); err != nil {
			_ = r.Close()
			return nil, err
		}
	}
	r.SetRecursionDesired(!cfg.Query.NoRecursion)
	r.SetOptResourceEnabled(!cfg.Query.DisableOpt)
	return r, nil
}
