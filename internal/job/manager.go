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

package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"fanout-platform/internal/ledger"
	perrors "fanout-platform/pkg/errors"
	"fanout-platform/pkg/log"
	"fanout-platform/pkg/metrics"
	"fanout-platform/pkg/tracing"
)

// SpawnGate 外部治理闸门：决定租户是否允许派生某类 Worker
type SpawnGate interface {
	Authorize(ctx context.Context, tenantID, workerType string) (bool, string, error)
}

// Manager 作业生命周期：创建（额度预检之后）、进度、完成判定与取消
type Manager struct {
	store  Store
	ledger *ledger.Ledger
	gate   SpawnGate
	log    *log.Logger
	now    func() time.Time
}

// ManagerOption Manager 可选项
type ManagerOption func(*Manager)

// WithSpawnGate 设置派生闸门
func WithSpawnGate(g SpawnGate) ManagerOption {
	return func(m *Manager) { m.gate = g }
}

// WithLogger 设置日志
func WithLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) { m.log = log.OrNop(l) }
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建 Manager
func NewManager(store Store, l *ledger.Ledger, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, ledger: l, log: log.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store 返回底层存储
func (m *Manager) Store() Store { return m.store }

// CreateJob 校验、额度预检均在任何写入之前；作业与条目原子写入提交后才记录预留
func (m *Manager) CreateJob(ctx context.Context, req CreateRequest, orchestratorID, tenantID string) (j *Job, err error) {
	ctx, span := tracing.StartJobSpan(ctx, "create", "", tenantID)
	defer func() { tracing.EndSpan(span, err) }()

	if err := ValidateCreate(&req); err != nil {
		return nil, err
	}
	if m.gate != nil {
		ok, reason, err := m.gate.Authorize(ctx, tenantID, req.Config.WorkerType)
		if err != nil {
			return nil, perrors.Wrap(err, "spawn gate")
		}
		if !ok {
			return nil, perrors.New(perrors.KindForbidden, perrors.ReasonSpawnDenied, reason)
		}
	}
	res, err := m.ledger.CheckReservation(ctx, tenantID, len(req.Items), m.ledger.Costs().Base)
	if err != nil {
		return nil, perrors.Wrap(err, "check reservation")
	}
	if !res.OK {
		return nil, perrors.Resource(perrors.ReasonInsufficientCredits, res.Reason)
	}

	now := m.now()
	j = &Job{
		ID:             "job-" + uuid.New().String(),
		TenantID:       tenantID,
		OrchestratorID: orchestratorID,
		Task:           req.Task,
		Config:         req.Config,
		Status:         StatusRunning,
		TotalItems:     len(req.Items),
		Credits:        Credits{Reserved: res.TotalRequired},
		CreatedAt:      now,
		StartedAt:      now,
	}
	items := make([]*Item, len(req.Items))
	for i, in := range req.Items {
		items[i] = &Item{
			ID:         "item-" + uuid.New().String(),
			JobID:      j.ID,
			Index:      i,
			Input:      in,
			Status:     ItemPending,
			MaxRetries: req.Config.MaxRetries,
		}
	}
	if err := m.store.CreateJobWithItems(ctx, j, items); err != nil {
		return nil, perrors.Wrap(err, "persist job")
	}
	m.ledger.LogReservation(ctx, j.ID, tenantID, res.TotalRequired)

	metrics.JobTotal.WithLabelValues("created").Inc()
	span.SetAttributes(tracing.JobIDAttr(j.ID))
	m.log.Info("job created", "job_id", j.ID, "tenant_id", tenantID, "items", j.TotalItems, "reserved", res.TotalRequired)
	return j, nil
}

func (m *Manager) loadJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, perrors.NotFound(perrors.ReasonJobNotFound, "job "+jobID)
	}
	return j, nil
}

// GetJob 返回作业与进度
func (m *Manager) GetJob(ctx context.Context, jobID string) (*View, error) {
	j, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.CountItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &View{Job: j, Progress: NewProgress(j, counts)}, nil
}

// ListJobs 列出租户作业
func (m *Manager) ListJobs(ctx context.Context, tenantID string, status JobStatus) ([]*Job, error) {
	return m.store.ListJobs(ctx, tenantID, status)
}

// GetItem 查询单个条目
func (m *Manager) GetItem(ctx context.Context, itemID string) (*Item, error) {
	it, err := m.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, perrors.NotFound(perrors.ReasonItemNotFound, "item "+itemID)
	}
	return it, nil
}

// ListItems 列出作业条目
func (m *Manager) ListItems(ctx context.Context, jobID string) ([]*Item, error) {
	if _, err := m.loadJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.ListItems(ctx, jobID)
}

// CheckCompletion 所有条目结算后将作业置为 completed（无失败）或 failed；已处于终态时不做任何事并返回 true
func (m *Manager) CheckCompletion(ctx context.Context, jobID string) (bool, error) {
	j, transitioned, err := m.store.FinalizeJob(ctx, jobID, m.now())
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, perrors.NotFound(perrors.ReasonJobNotFound, "job "+jobID)
	}
	if transitioned {
		m.settleBase(ctx, j, j.Status)
		metrics.JobTotal.WithLabelValues(string(j.Status)).Inc()
		m.log.Info("job finished", "job_id", j.ID, "status", string(j.Status),
			"completed", j.CompletedItems, "failed", j.FailedItems)
	}
	return IsTerminal(j.Status), nil
}

// CancelJob 在作业行锁内取消；未结算条目（含仍在处理中的）的额度整体退还，pending 条目置 cancelled
func (m *Manager) CancelJob(ctx context.Context, jobID, actor, reason string) (c *Cancellation, err error) {
	ctx, span := tracing.StartJobSpan(ctx, "cancel", jobID, "")
	defer func() { tracing.EndSpan(span, err) }()

	j, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c, err = m.store.CancelJob(ctx, jobID, actor, reason, m.ledger.Costs().PerItem, m.now())
	if err != nil {
		var notRunning *ErrJobNotRunning
		if errors.As(err, &notRunning) {
			return nil, perrors.Newf(perrors.KindConflict, perrors.ReasonJobNotCancellable, "job %s is %s", jobID, notRunning.Status)
		}
		return nil, err
	}
	if c == nil {
		return nil, perrors.NotFound(perrors.ReasonJobNotFound, "job "+jobID)
	}
	m.ledger.RefundAmount(ctx, jobID, "", j.TenantID, c.CreditsRefunded, map[string]any{
		"reason":          "job_cancelled",
		"cancelled_by":    actor,
		"items_cancelled": c.ItemsCancelled,
	})
	m.settleBase(ctx, j, StatusCancelled)
	metrics.JobTotal.WithLabelValues(string(StatusCancelled)).Inc()
	m.log.Info("job cancelled", "job_id", jobID, "tenant_id", j.TenantID, "actor", actor,
		"items_cancelled", c.ItemsCancelled, "refunded", c.CreditsRefunded)
	return c, nil
}

// BaseCost 作业预留中条目成本之外的基础费用
func BaseCost(j *Job, perItem int64) int64 {
	base := j.Credits.Reserved - perItem*int64(j.TotalItems)
	if base < 0 {
		return 0
	}
	return base
}

// settleBase 作业终态迁移只发生一次，基础费用随之结算一次
func (m *Manager) settleBase(ctx context.Context, j *Job, status JobStatus) {
	m.ledger.SpendBase(ctx, j.ID, j.TenantID, BaseCost(j, m.ledger.Costs().PerItem), string(status))
}

// GetCancellation 查询取消记录
func (m *Manager) GetCancellation(ctx context.Context, jobID string) (*Cancellation, error) {
	return m.store.GetCancellation(ctx, jobID)
}
