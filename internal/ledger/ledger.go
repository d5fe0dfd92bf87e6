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

// Package ledger 租户额度的闸门与审计：预留前的额度检查是阻塞且失败即拒绝的，
// 预留、消耗、退还、附带扣费的记录走非阻塞审计通道，失败不影响调用方的主状态迁移。
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fanout-platform/internal/storage/cache"
	"fanout-platform/pkg/log"
)

// Options Ledger 可选参数
type Options struct {
	Costs    Costs
	Cache    cache.Store // 为 nil 时不缓存余额
	CacheTTL time.Duration
	Breaker  BreakerSettings
	Logger   *log.Logger
	Now      func() time.Time
}

// Ledger 资源账本
type Ledger struct {
	store    Store
	costs    Costs
	cache    cache.Store
	cacheTTL time.Duration
	audit    *auditChannel
	log      *log.Logger
	now      func() time.Time
}

// New 创建 Ledger；jobs 为作业额度计数写入方，可为 nil
func New(store Store, jobs JobCredits, opts Options) *Ledger {
	logger := log.OrNop(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Ledger{
		store:    store,
		costs:    opts.Costs,
		cache:    opts.Cache,
		cacheTTL: ttl,
		audit:    newAuditChannel(store, jobs, opts.Breaker, logger),
		log:      logger,
		now:      now,
	}
}

// Costs 返回计费参数
func (l *Ledger) Costs() Costs { return l.costs }

func balanceKey(tenantID string) string { return "balance:" + tenantID }

// GetBalance 查询租户额度，优先读缓存
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	if l.cache != nil {
		var b Balance
		if err := l.cache.Get(ctx, balanceKey(tenantID), &b); err == nil {
			return &b, nil
		}
	}
	b, err := l.freshBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if err := l.cache.Set(ctx, balanceKey(tenantID), b, l.cacheTTL); err != nil {
			l.log.Warn("cache balance failed", "tenant_id", tenantID, "error", err)
		}
	}
	return b, nil
}

// freshBalance 绕过缓存读取；闸门判断只使用该结果
func (l *Ledger) freshBalance(ctx context.Context, tenantID string) (*Balance, error) {
	b, err := l.store.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return &Balance{TenantID: tenantID, Unlimited: true}, nil
	}
	b.computeAvailable()
	return b, nil
}

func (l *Ledger) invalidate(ctx context.Context, tenantID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, balanceKey(tenantID)); err != nil {
		l.log.Warn("invalidate balance cache failed", "tenant_id", tenantID, "error", err)
	}
}

// SetBalance 设置租户总额度
func (l *Ledger) SetBalance(ctx context.Context, tenantID string, total int64) (*Balance, error) {
	b, err := l.store.SetBalance(ctx, tenantID, total)
	if err != nil {
		return nil, err
	}
	b.computeAvailable()
	l.invalidate(ctx, tenantID)
	return b, nil
}

// CheckReservation 纯检查，不做任何写入；totalRequired = baseCost + perItem * itemCount。
// 存储错误直接返回，调用方据此拒绝创建作业。
func (l *Ledger) CheckReservation(ctx context.Context, tenantID string, itemCount int, baseCost int64) (Reservation, error) {
	total := baseCost + l.costs.PerItem*int64(itemCount)
	b, err := l.freshBalance(ctx, tenantID)
	if err != nil {
		return Reservation{TotalRequired: total}, err
	}
	if b.Unlimited || b.Available >= total {
		return Reservation{OK: true, TotalRequired: total}, nil
	}
	return Reservation{
		TotalRequired: total,
		Reason:        fmt.Sprintf("insufficient credits: required %d, available %d", total, b.Available),
	}, nil
}

func (l *Ledger) newEntry(op Operation, tenantID, jobID, itemID string, amount int64, info map[string]any) *Entry {
	e := &Entry{
		ID:        uuid.New().String(),
		JobID:     jobID,
		ItemID:    itemID,
		TenantID:  tenantID,
		Operation: op,
		Amount:    amount,
		CreatedAt: l.now(),
	}
	if len(info) > 0 {
		if raw, err := json.Marshal(info); err == nil {
			e.Context = raw
		}
	}
	return e
}

// LogReservation 作业与条目提交后记录预留；失败只记录日志，预留仍视为成功
func (l *Ledger) LogReservation(ctx context.Context, jobID, tenantID string, amount int64) {
	e := l.newEntry(OpReserve, tenantID, jobID, "", amount, nil)
	l.audit.record(ctx, e, Delta{Reserved: amount}, 0, 0)
	l.invalidate(ctx, tenantID)
}

// Spend 条目完成后按单条目成本消耗
func (l *Ledger) Spend(ctx context.Context, jobID, itemID, tenantID string) {
	amount := l.costs.PerItem
	e := l.newEntry(OpSpend, tenantID, jobID, itemID, amount, nil)
	l.audit.record(ctx, e, Delta{Reserved: -amount, Spent: amount}, amount, 0)
	l.invalidate(ctx, tenantID)
}

// SpendBase 作业进入终态时将预留中的基础费用转为消耗，每个作业只调用一次
func (l *Ledger) SpendBase(ctx context.Context, jobID, tenantID string, amount int64, reason string) {
	if amount <= 0 {
		return
	}
	e := l.newEntry(OpSpend, tenantID, jobID, "", amount, map[string]any{"reason": "base", "job_status": reason})
	l.audit.record(ctx, e, Delta{Reserved: -amount, Spent: amount}, amount, 0)
	l.invalidate(ctx, tenantID)
}

// Refund 条目终态失败后按单条目成本退还
func (l *Ledger) Refund(ctx context.Context, jobID, itemID, tenantID string) {
	l.RefundAmount(ctx, jobID, itemID, tenantID, l.costs.PerItem, nil)
}

// RefundAmount 退还指定额度，取消作业时批量退还使用
func (l *Ledger) RefundAmount(ctx context.Context, jobID, itemID, tenantID string, amount int64, info map[string]any) {
	if amount <= 0 {
		return
	}
	e := l.newEntry(OpRefund, tenantID, jobID, itemID, amount, info)
	l.audit.record(ctx, e, Delta{Reserved: -amount}, 0, amount)
	l.invalidate(ctx, tenantID)
}

// ChargeSkill 预留之外的附带操作扣费：余额不足时拒绝，扣费记录写入失败不影响结果
func (l *Ledger) ChargeSkill(ctx context.Context, skill, tenantID, jobID string) (bool, string, error) {
	cost := l.costs.SkillCost(skill)
	b, err := l.freshBalance(ctx, tenantID)
	if err != nil {
		return false, "", err
	}
	if !b.Unlimited && b.Available < cost {
		return false, fmt.Sprintf("insufficient credits for %s: required %d, available %d", skill, cost, b.Available), nil
	}
	e := l.newEntry(OpCharge, tenantID, jobID, "", cost, nil)
	e.Skill = skill
	l.audit.record(ctx, e, Delta{Spent: cost}, 0, 0)
	l.invalidate(ctx, tenantID)
	return true, "", nil
}

// Entries 查询账本条目
func (l *Ledger) Entries(ctx context.Context, f Filter) ([]*Entry, error) {
	return l.store.ListEntries(ctx, f)
}
