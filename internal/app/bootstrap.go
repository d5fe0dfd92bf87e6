// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fanout-platform/internal/claim"
	"fanout-platform/internal/job"
	"fanout-platform/internal/ledger"
	"fanout-platform/internal/liveness"
	"fanout-platform/internal/storage/cache"
	"fanout-platform/internal/storage/postgres"
	"fanout-platform/pkg/config"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内装配存储与服务
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
	Pool    *pgxpool.Pool // store.type=memory 时为 nil
	Cache   cache.Store

	Jobs      job.Store
	Ledger    *ledger.Ledger
	Manager   *job.Manager
	Engine    *claim.Engine
	Registry  *liveness.Registry
	instances liveness.Store
}

// NewBootstrap 根据配置创建 Bootstrap（Secrets/DB/Cache/Ledger/Manager/Engine/Registry）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	sec, err := secrets.NewStore(secrets.Config{
		Provider:   cfg.Secrets.Provider,
		Address:    cfg.Secrets.Address,
		Token:      cfg.Secrets.Token,
		PathPrefix: cfg.Secrets.PathPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化密钥存储失败: %w", err)
	}
	b := &Bootstrap{Config: cfg, Logger: logger, Secrets: sec}

	var ledgerStore ledger.Store
	switch cfg.Store.Type {
	case "", "memory":
		jobs := job.NewStoreMem()
		b.Jobs = jobs
		ledgerStore = ledger.NewStoreMem()
		b.instances = liveness.NewStoreMem()
	case "postgres":
		dsn := cfg.Store.DSN
		if cfg.Store.DSNSecret != "" {
			if dsn, err = secrets.Resolve(ctx, sec, cfg.Store.DSNSecret, cfg.Store.DSN); err != nil {
				return nil, fmt.Errorf("解析数据库连接串失败: %w", err)
			}
		}
		if dsn == "" {
			return nil, fmt.Errorf("store.dsn is required when store.type=postgres")
		}
		pool, err := postgres.NewPool(ctx, postgres.Options{
			DSN:      dsn,
			MaxConns: cfg.Store.MaxConns,
			Migrate:  config.BoolOr(cfg.Store.Migrate, true),
		})
		if err != nil {
			return nil, fmt.Errorf("连接 Postgres 失败: %w", err)
		}
		b.Pool = pool
		b.Jobs = job.NewStorePg(pool)
		ledgerStore = ledger.NewStorePg(pool)
		b.instances = liveness.NewStorePg(pool)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}

	// 未配置余额缓存 TTL 时不创建缓存，额度读取直达存储
	if cfg.Ledger.BalanceCacheTTL != "" {
		if b.Cache, err = cache.NewCache(cfg.Cache); err != nil {
			b.Close()
			return nil, fmt.Errorf("初始化缓存失败: %w", err)
		}
	}

	audit := cfg.Ledger.Audit
	b.Ledger = ledger.New(ledgerStore, b.Jobs, ledger.Options{
		Costs: ledger.Costs{
			Base:         cfg.Ledger.BaseCost,
			PerItem:      cfg.Ledger.PerItemCost,
			DefaultSkill: cfg.Ledger.DefaultSkillCost,
			Skills:       cfg.Ledger.SkillCosts,
		},
		Cache:    b.Cache,
		CacheTTL: config.ParseDuration(cfg.Ledger.BalanceCacheTTL, 5*time.Second),
		Breaker: ledger.BreakerSettings{
			MaxRequests:  audit.MaxRequests,
			Interval:     config.ParseDuration(audit.Interval, 0),
			Timeout:      config.ParseDuration(audit.Timeout, 0),
			FailureRatio: audit.FailureRatio,
			MinRequests:  audit.MinRequests,
		},
		Logger: logger.With("component", "ledger"),
	})
	b.Manager = job.NewManager(b.Jobs, b.Ledger, job.WithLogger(logger.With("component", "job")))
	b.Engine = claim.New(b.Jobs, b.Ledger, b.Manager, claim.WithLogger(logger.With("component", "claim")))
	b.Registry = liveness.NewRegistry(b.instances, b.Engine, liveness.WithLogger(logger.With("component", "liveness")))
	return b, nil
}

// Close 释放连接池与缓存
func (b *Bootstrap) Close() {
	if b.Cache != nil {
		_ = b.Cache.Close()
	}
	if b.Pool != nil {
		b.Pool.Close()
	}
}
