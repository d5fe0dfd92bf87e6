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

// Package sweeper 周期性标记失联实例、回收其条目并补做作业完成检测
package sweeper

import (
	"context"
	"sync"
	"time"

	"fanout-platform/internal/job"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/tracing"
)

// Registry 实例存活检测，由 liveness.Registry 实现
type Registry interface {
	MarkStale(ctx context.Context, threshold time.Duration) (int, error)
	ReclaimStaleItems(ctx context.Context) (int, error)
	FailExhaustedStaleItems(ctx context.Context) (int, error)
}

// Jobs 作业完成检测，由 job.Manager 实现
type Jobs interface {
	ListJobs(ctx context.Context, tenantID string, status job.JobStatus) ([]*job.Job, error)
	CheckCompletion(ctx context.Context, jobID string) (bool, error)
}

// Result 一轮回收的结果
type Result struct {
	Stale     int `json:"stale"`
	Reclaimed int `json:"reclaimed"`
	Failed    int `json:"failed"` // 重试耗尽、随失联实例一起失败的条目
	Finished  int `json:"finished"`
}

// Config 回收配置
type Config struct {
	StaleThreshold time.Duration
	Interval       time.Duration
}

// Sweeper 回收器；Sweep 可由定时循环或 /api/admin/sweep 触发，同一时刻只执行一轮
type Sweeper struct {
	registry Registry
	jobs     Jobs
	cfg      Config
	log      *log.Logger
	mu       sync.Mutex
}

// New 创建 Sweeper
func New(registry Registry, jobs Jobs, cfg Config, logger *log.Logger) *Sweeper {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Sweeper{registry: registry, jobs: jobs, cfg: cfg, log: log.OrNop(logger)}
}

// Sweep 执行一轮：标记 stale -> 回收条目 -> 重试耗尽的条目置 failed -> 对 running 作业做完成检测
func (s *Sweeper) Sweep(ctx context.Context) (res Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, span := tracing.StartSweepSpan(ctx)
	defer func() { tracing.EndSpan(span, err) }()

	if res.Stale, err = s.registry.MarkStale(ctx, s.cfg.StaleThreshold); err != nil {
		return res, err
	}
	if res.Reclaimed, err = s.registry.ReclaimStaleItems(ctx); err != nil {
		return res, err
	}
	if res.Failed, err = s.registry.FailExhaustedStaleItems(ctx); err != nil {
		return res, err
	}
	running, err := s.jobs.ListJobs(ctx, "", job.StatusRunning)
	if err != nil {
		return res, err
	}
	for _, j := range running {
		done, err := s.jobs.CheckCompletion(ctx, j.ID)
		if err != nil {
			s.log.Warn("check completion failed", "job_id", j.ID, "error", err)
			continue
		}
		if done {
			res.Finished++
		}
	}
	if res.Stale > 0 || res.Reclaimed > 0 || res.Failed > 0 || res.Finished > 0 {
		s.log.Info("sweep finished", "stale", res.Stale, "reclaimed", res.Reclaimed, "failed", res.Failed, "finished", res.Finished)
	}
	return res, nil
}

// Run 按 Interval 循环执行直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}
