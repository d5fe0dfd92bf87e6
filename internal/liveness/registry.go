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

// Package liveness Worker 实例注册、心跳与失联回收
package liveness

import (
	"context"
	"time"

	perrors "fanout-platform/pkg/errors"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/metrics"
)

// ItemReclaimer 回收给定实例持有的条目，由领取引擎实现
type ItemReclaimer interface {
	Reclaim(ctx context.Context, instanceIDs []string) (int, error)
	// FailExhausted 重试耗尽、无法回收的条目走终态失败
	FailExhausted(ctx context.Context, instanceIDs []string) (int, error)
}

// RegisterRequest 注册参数；InstanceID 为空时自动生成
type RegisterRequest struct {
	AgentType    string   `json:"agent_type"`
	InstanceID   string   `json:"instance_id,omitempty"`
	JobID        string   `json:"job_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Registry 存活登记
type Registry struct {
	store     Store
	reclaimer ItemReclaimer
	log       *log.Logger
	now       func() time.Time
}

// Option Registry 可选项
type Option func(*Registry)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) { r.log = log.OrNop(l) }
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry 创建 Registry
func NewRegistry(store Store, reclaimer ItemReclaimer, opts ...Option) *Registry {
	r := &Registry{store: store, reclaimer: reclaimer, log: log.Nop(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register 幂等注册，返回实例 ID
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.AgentType == "" {
		return "", perrors.Validation(perrors.ReasonInvalidConfig, "agent_type is required")
	}
	id := req.InstanceID
	if id == "" {
		id = NewInstanceID()
	}
	now := r.now()
	in, err := r.store.Upsert(ctx, &Instance{
		AgentType:    req.AgentType,
		InstanceID:   id,
		JobID:        req.JobID,
		Capabilities: req.Capabilities,
		HeartbeatAt:  now,
		CreatedAt:    now,
	})
	if err != nil {
		return "", err
	}
	r.log.Info("instance registered", "instance_id", in.InstanceID, "agent_type", in.AgentType, "job_id", in.JobID)
	return in.InstanceID, nil
}

// Heartbeat 刷新心跳；stale 实例随之恢复为 running
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) (bool, error) {
	return r.store.Heartbeat(ctx, instanceID, r.now())
}

// Deregister 实例正常退出，置为 stopped
func (r *Registry) Deregister(ctx context.Context, instanceID string) (bool, error) {
	ok, err := r.store.Transition(ctx, instanceID,
		[]Status{StatusRunning, StatusIdle, StatusStale}, StatusStopped, r.now())
	if err == nil && ok {
		r.log.Info("instance stopped", "instance_id", instanceID)
	}
	return ok, err
}

// MarkStale 心跳超过 threshold 的 running 实例置为 stale，返回数量
func (r *Registry) MarkStale(ctx context.Context, threshold time.Duration) (int, error) {
	ids, err := r.store.MarkStale(ctx, r.now().Add(-threshold))
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		metrics.InstancesStaleTotal.Add(float64(len(ids)))
		r.log.Warn("instances marked stale", "count", len(ids), "instance_ids", ids)
	}
	return len(ids), nil
}

// MarkInstanceStale 外部判定实例失联时单独标记
func (r *Registry) MarkInstanceStale(ctx context.Context, instanceID string) (bool, error) {
	ok, err := r.store.Transition(ctx, instanceID, []Status{StatusRunning, StatusIdle}, StatusStale, r.now())
	if err == nil && ok {
		metrics.InstancesStaleTotal.Inc()
		r.log.Warn("instance marked stale", "instance_id", instanceID)
	}
	return ok, err
}

// ReclaimStaleItems 回收所有 stale 实例持有的条目；两次调用之间没有新的失联时第二次返回 0
func (r *Registry) ReclaimStaleItems(ctx context.Context) (int, error) {
	if r.reclaimer == nil {
		return 0, nil
	}
	ids, err := r.store.ListIDsByStatus(ctx, StatusStale)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return r.reclaimer.Reclaim(ctx, ids)
}

// FailExhaustedStaleItems stale 实例持有且重试耗尽的条目置为 failed，作业随之可以结束
func (r *Registry) FailExhaustedStaleItems(ctx context.Context) (int, error) {
	if r.reclaimer == nil {
		return 0, nil
	}
	ids, err := r.store.ListIDsByStatus(ctx, StatusStale)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return r.reclaimer.FailExhausted(ctx, ids)
}

// AssignJob 记录实例当前作业
func (r *Registry) AssignJob(ctx context.Context, instanceID, jobID string) (bool, error) {
	return r.store.AssignJob(ctx, instanceID, jobID)
}

// Get 查询实例
func (r *Registry) Get(ctx context.Context, instanceID string) (*Instance, error) {
	in, err := r.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, perrors.NotFound(perrors.ReasonInstanceNotFound, "instance "+instanceID)
	}
	return in, nil
}

// List 按状态列出实例
func (r *Registry) List(ctx context.Context, status Status) ([]*Instance, error) {
	return r.store.List(ctx, status)
}
