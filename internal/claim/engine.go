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

// Package claim 条目的并发领取与结算协议
package claim

import (
	"context"
	"encoding/json"
	"time"

	"fanout-platform/internal/job"
	"fanout-platform/internal/ledger"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/metrics"
	"fanout-platform/pkg/tracing"
)

// CompletionChecker 条目终态结算后触发作业完成判定
type CompletionChecker interface {
	CheckCompletion(ctx context.Context, jobID string) (bool, error)
}

// Engine 领取引擎：互斥由存储的原子领取保证，进程内不持有全局锁
type Engine struct {
	store      job.Store
	ledger     *ledger.Ledger
	completion CompletionChecker
	log        *log.Logger
	now        func() time.Time
}

// Option Engine 可选项
type Option func(*Engine)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = log.OrNop(l) }
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New 创建 Engine；completion 为 nil 时不自动判定作业完成
func New(store job.Store, l *ledger.Ledger, completion CompletionChecker, opts ...Option) *Engine {
	e := &Engine{store: store, ledger: l, completion: completion, log: log.Nop(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Claim 领取作业中下一个 pending 条目；作业耗尽或不在 running 状态时返回 nil, nil
func (e *Engine) Claim(ctx context.Context, jobID, instanceID string) (c *job.Claimed, err error) {
	ctx, span := tracing.StartClaimSpan(ctx, jobID, instanceID)
	defer func() { tracing.EndSpan(span, err) }()

	start := time.Now()
	it, err := e.store.ClaimNext(ctx, jobID, instanceID, e.now())
	metrics.ClaimDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if it == nil {
		metrics.ClaimTotal.WithLabelValues("none").Inc()
		return nil, nil
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()
	metrics.ItemTransitionTotal.WithLabelValues(string(job.ItemClaimed)).Inc()

	c = &job.Claimed{Item: it}
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.log.Warn("load job for incidental share failed", "job_id", jobID, "error", err)
		return c, nil
	}
	if j != nil {
		c.IncidentalShare = job.IncidentalShare(j.Config.IncidentalBudget, j.TotalItems)
	}
	return c, nil
}

// Start claimed -> running；条目不在 claimed 时返回 false
func (e *Engine) Start(ctx context.Context, itemID string) (bool, error) {
	ok, err := e.store.StartItem(ctx, itemID)
	if err == nil && ok {
		metrics.ItemTransitionTotal.WithLabelValues(string(job.ItemRunning)).Inc()
	}
	return ok, err
}

// Complete claimed|running -> completed，并按单条目成本消耗额度
func (e *Engine) Complete(ctx context.Context, itemID string, output, metadata json.RawMessage) (ok bool, err error) {
	ctx, span := tracing.StartItemSpan(ctx, "complete", itemID)
	defer func() { tracing.EndSpan(span, err) }()

	s, err := e.store.CompleteItem(ctx, itemID, output, metadata, e.now())
	if err != nil || s == nil {
		return false, err
	}
	metrics.ItemTransitionTotal.WithLabelValues(string(job.ItemCompleted)).Inc()
	if s.Billable {
		e.ledger.Spend(ctx, s.Item.JobID, itemID, s.TenantID)
	}
	e.checkCompletion(ctx, s.Item.JobID)
	return true, nil
}

// Fail 有剩余重试且允许重试时放回 pending，否则终态失败并退还单条目成本
func (e *Engine) Fail(ctx context.Context, itemID, errMsg string, retryAllowed bool) (bool, error) {
	return e.FailWithMetadata(ctx, itemID, errMsg, nil, retryAllowed)
}

// FailWithMetadata 同 Fail，附带执行方产生的元数据
func (e *Engine) FailWithMetadata(ctx context.Context, itemID, errMsg string, metadata json.RawMessage, retryAllowed bool) (ok bool, err error) {
	ctx, span := tracing.StartItemSpan(ctx, "fail", itemID)
	defer func() { tracing.EndSpan(span, err) }()

	s, err := e.store.FailItem(ctx, itemID, errMsg, metadata, retryAllowed, e.now())
	if err != nil || s == nil {
		return false, err
	}
	metrics.ItemTransitionTotal.WithLabelValues(string(s.Item.Status)).Inc()
	switch s.Outcome {
	case job.OutcomeFailed:
		if s.Billable {
			e.ledger.Refund(ctx, s.Item.JobID, itemID, s.TenantID)
		}
		e.checkCompletion(ctx, s.Item.JobID)
	case job.OutcomeRetried:
		e.log.Debug("item requeued", "item_id", itemID, "job_id", s.Item.JobID, "retry_count", s.Item.RetryCount)
	}
	return true, nil
}

// ReleaseAll Worker 正常退出时释放其持有的全部条目，不计入重试次数
func (e *Engine) ReleaseAll(ctx context.Context, instanceID string) (int, error) {
	n, err := e.store.ReleaseByOwner(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ItemsReleasedTotal.Add(float64(n))
		e.log.Info("items released", "instance_id", instanceID, "count", n)
	}
	return n, nil
}

// Release 持有者放弃单个条目，不计入重试次数；条目已不由 instanceID 持有时返回 false
func (e *Engine) Release(ctx context.Context, itemID, instanceID string) (bool, error) {
	ok, err := e.store.ReleaseItem(ctx, itemID, instanceID)
	if err == nil && ok {
		metrics.ItemsReleasedTotal.Inc()
		e.log.Debug("item released", "item_id", itemID, "instance_id", instanceID)
	}
	return ok, err
}

// Reclaim 回收 stale 实例持有且仍有重试预算的条目
func (e *Engine) Reclaim(ctx context.Context, instanceIDs []string) (int, error) {
	n, err := e.store.ReclaimFromOwners(ctx, instanceIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ItemsReclaimedTotal.Add(float64(n))
		e.log.Info("items reclaimed", "instances", len(instanceIDs), "count", n)
	}
	return n, nil
}

// FailExhausted stale 实例持有且重试耗尽的条目走终态失败，返回生效数量
func (e *Engine) FailExhausted(ctx context.Context, instanceIDs []string) (int, error) {
	if len(instanceIDs) == 0 {
		return 0, nil
	}
	items, err := e.store.ListOwnedItems(ctx, instanceIDs)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if job.ReclaimAllowed(it) {
			continue
		}
		ok, err := e.FailWithMetadata(ctx, it.ID, "worker instance "+it.WorkerInstanceID+" went stale", nil, false)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		metrics.ItemsStaleFailedTotal.Add(float64(n))
		e.log.Warn("exhausted items failed", "instances", len(instanceIDs), "count", n)
	}
	return n, nil
}

// checkCompletion 失败只记录日志：条目结算已生效，完成判定可由下一次结算或 sweeper 重试
func (e *Engine) checkCompletion(ctx context.Context, jobID string) {
	if e.completion == nil {
		return
	}
	if _, err := e.completion.CheckCompletion(ctx, jobID); err != nil {
		e.log.Warn("check completion failed", "job_id", jobID, "error", err)
	}
}
