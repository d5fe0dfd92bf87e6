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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fanout-platform/internal/job"
	"fanout-platform/internal/liveness"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/metrics"
)

// ProcessFunc 处理单个条目；返回的 error 默认可重试，用 Permanent 包装表示不应重试
type ProcessFunc func(ctx context.Context, j *job.Job, c *job.Claimed) (output, metadata json.RawMessage, err error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的失败
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否被 Permanent 标记
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Claimer 条目领取与结算，由 claim.Engine 实现
type Claimer interface {
	Claim(ctx context.Context, jobID, instanceID string) (*job.Claimed, error)
	Start(ctx context.Context, itemID string) (bool, error)
	Complete(ctx context.Context, itemID string, output, metadata json.RawMessage) (bool, error)
	FailWithMetadata(ctx context.Context, itemID, errMsg string, metadata json.RawMessage, retryAllowed bool) (bool, error)
	Release(ctx context.Context, itemID, instanceID string) (bool, error)
	ReleaseAll(ctx context.Context, instanceID string) (int, error)
}

// Liveness 实例注册与心跳，由 liveness.Registry 实现
type Liveness interface {
	Register(ctx context.Context, req liveness.RegisterRequest) (string, error)
	Heartbeat(ctx context.Context, instanceID string) (bool, error)
	AssignJob(ctx context.Context, instanceID, jobID string) (bool, error)
	Deregister(ctx context.Context, instanceID string) (bool, error)
}

// JobSource 作业查询，由 job.Manager 实现
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*job.View, error)
	ListJobs(ctx context.Context, tenantID string, status job.JobStatus) ([]*job.Job, error)
}

// Config Runner 配置
type Config struct {
	AgentType         string
	InstanceID        string
	Capabilities      []string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Jobs 固定领取的作业；为空时轮询 TenantID 下 WorkerType 与 AgentType 相同的 running 作业
	Jobs     []string
	TenantID string
}

// Runner 领取条目并发执行：心跳循环与领取循环相互独立，退出时释放未完成条目并注销实例
type Runner struct {
	claimer  Claimer
	live     Liveness
	jobs     JobSource
	process  ProcessFunc
	cfg      Config
	log      *log.Logger
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	mu         sync.Mutex
	instanceID string
}

// NewRunner 创建 Runner
func NewRunner(claimer Claimer, live Liveness, jobs JobSource, process ProcessFunc, cfg Config, logger *log.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Runner{
		claimer:    claimer,
		live:       live,
		jobs:       jobs,
		process:    process,
		cfg:        cfg,
		log:        log.OrNop(logger),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		instanceID: cfg.InstanceID,
	}
}

// InstanceID 注册后的实例 ID
func (r *Runner) InstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instanceID
}

func (r *Runner) register(ctx context.Context) error {
	id, err := r.live.Register(ctx, liveness.RegisterRequest{
		AgentType:    r.cfg.AgentType,
		InstanceID:   r.InstanceID(),
		Capabilities: r.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.instanceID = id
	r.mu.Unlock()
	return nil
}

// Run 阻塞直到 ctx 取消；返回前等待在途条目结束
func (r *Runner) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	id := r.InstanceID()
	r.log.Info("worker started", "instance_id", id, "agent_type", r.cfg.AgentType, "concurrency", r.cfg.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return r.claimLoop(gctx)
	})
	err := g.Wait()
	r.inflight.Wait()
	r.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id := r.InstanceID()
	if n, err := r.claimer.ReleaseAll(ctx, id); err != nil {
		r.log.Error("release items on shutdown failed", "instance_id", id, "error", err)
	} else if n > 0 {
		r.log.Info("released items on shutdown", "instance_id", id, "count", n)
	}
	if _, err := r.live.Deregister(ctx, id); err != nil {
		r.log.Warn("deregister failed", "instance_id", id, "error", err)
	}
	metrics.WorkerBusy.DeleteLabelValues(id)
	r.log.Info("worker stopped", "instance_id", id)
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.live.Heartbeat(ctx, r.InstanceID())
			if err != nil {
				r.log.Warn("heartbeat failed", "instance_id", r.InstanceID(), "error", err)
				continue
			}
			if !ok {
				// 实例记录丢失或已被置为 stopped，重新注册
				if err := r.register(ctx); err != nil {
					r.log.Warn("re-register failed", "instance_id", r.InstanceID(), "error", err)
				}
			}
		}
	}
}

func (r *Runner) candidates(ctx context.Context) []string {
	if len(r.cfg.Jobs) > 0 {
		return r.cfg.Jobs
	}
	list, err := r.jobs.ListJobs(ctx, r.cfg.TenantID, job.StatusRunning)
	if err != nil {
		r.log.Warn("list jobs failed", "tenant_id", r.cfg.TenantID, "error", err)
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, j := range list {
		if r.cfg.AgentType == "" || j.Config.WorkerType == r.cfg.AgentType {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

func (r *Runner) claimLoop(ctx context.Context) error {
	id := r.InstanceID()
	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		c, j := r.claimAny(ctx, id)
		if c == nil {
			r.sem.Release(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		r.inflight.Add(1)
		metrics.WorkerBusy.WithLabelValues(id).Inc()
		go func() {
			defer func() {
				metrics.WorkerBusy.WithLabelValues(id).Dec()
				r.sem.Release(1)
				r.inflight.Done()
			}()
			r.handle(ctx, j, c)
		}()
	}
}

// claimAny 按候选作业顺序尝试领取，首个成功即返回
func (r *Runner) claimAny(ctx context.Context, instanceID string) (*job.Claimed, *job.Job) {
	for _, jobID := range r.candidates(ctx) {
		c, err := r.claimer.Claim(ctx, jobID, instanceID)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("claim failed", "job_id", jobID, "instance_id", instanceID, "error", err)
			}
			continue
		}
		if c == nil {
			continue
		}
		v, err := r.jobs.GetJob(ctx, jobID)
		if err != nil {
			// 条目尚未处理，放回队列且不计重试
			r.log.Warn("load job failed", "job_id", jobID, "error", err)
			r.release(c.Item.ID, instanceID)
			continue
		}
		if _, err := r.live.AssignJob(ctx, instanceID, jobID); err != nil {
			r.log.Debug("assign job failed", "instance_id", instanceID, "job_id", jobID, "error", err)
		}
		return c, v.Job
	}
	return nil, nil
}

// release 放弃单个条目；ctx 可能已取消，使用独立超时
func (r *Runner) release(itemID, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.claimer.Release(ctx, itemID, instanceID); err != nil {
		r.log.Warn("release item failed", "item_id", itemID, "instance_id", instanceID, "error", err)
	}
}

func (r *Runner) handle(ctx context.Context, j *job.Job, c *job.Claimed) {
	itemID := c.Item.ID
	ok, err := r.claimer.Start(ctx, itemID)
	if err != nil {
		r.log.Warn("start item failed", "item_id", itemID, "error", err)
		r.release(itemID, c.Item.WorkerInstanceID)
		return
	}
	if !ok {
		// 已被回收或作业已取消
		r.log.Warn("start item rejected", "item_id", itemID)
		return
	}
	runCtx := ctx
	if timeout := j.Config.ItemTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output, metadata, err := r.process(runCtx, j, c)
	if ctx.Err() != nil {
		// 停机中断：条目留给 ReleaseAll 放回队列
		return
	}
	if err == nil {
		if _, err := r.claimer.Complete(ctx, itemID, output, metadata); err != nil {
			r.log.Error("complete item failed", "item_id", itemID, "job_id", j.ID, "error", err)
		}
		return
	}
	retry := !IsPermanent(err)
	r.log.Warn("item failed", "item_id", itemID, "job_id", j.ID, "retry", retry, "error", err)
	if _, ferr := r.claimer.FailWithMetadata(ctx, itemID, err.Error(), metadata, retry); ferr != nil {
		r.log.Error("fail item failed", "item_id", itemID, "job_id", j.ID, "error", ferr)
	}
}
