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
	"encoding/json"
	"time"
)

// JobStatus 作业状态
type JobStatus string

const (
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// ItemStatus 条目状态
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemClaimed   ItemStatus = "claimed"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemCancelled ItemStatus = "cancelled"
)

// Config 作业配置，随作业持久化
type Config struct {
	WorkerType string `json:"worker_type" validate:"required,max=128"`
	// Parallelism 期望的并发 Worker 数，仅作调度提示，领取时不强制
	Parallelism    int `json:"parallelism"`
	ItemTimeoutSec int `json:"item_timeout_sec" validate:"gte=0"`
	MaxRetries     int `json:"max_retries" validate:"gte=0,lte=100"`
	// IncidentalBudget 作业级附带操作预算，领取时按条目平分
	IncidentalBudget int64 `json:"incidental_budget" validate:"gte=0"`
}

// ItemTimeout 单条目处理超时，0 表示不限
func (c Config) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutSec) * time.Second
}

// CreateRequest 创建作业的输入
type CreateRequest struct {
	Task   string            `json:"task" validate:"max=512"`
	Config Config            `json:"config"`
	Items  []json.RawMessage `json:"items"`
}

// Credits 作业的额度计数
type Credits struct {
	Reserved int64 `json:"reserved"`
	Spent    int64 `json:"spent"`
	Refunded int64 `json:"refunded"`
}

// Job 一次并行作业
type Job struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	OrchestratorID string     `json:"orchestrator_instance_id,omitempty"`
	Task           string     `json:"task"`
	Config         Config     `json:"config"`
	Status         JobStatus  `json:"status"`
	TotalItems     int        `json:"total_items"`
	CompletedItems int        `json:"completed_items"`
	FailedItems    int        `json:"failed_items"`
	Credits        Credits    `json:"credits"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Item 作业内的原子工作单元
type Item struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id"`
	Index            int             `json:"item_index"`
	Input            json.RawMessage `json:"input"`
	Output           json.RawMessage `json:"output,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	WorkerInstanceID string          `json:"worker_instance_id,omitempty"`
	Status           ItemStatus      `json:"status"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// Clone 深拷贝，存储实现对外只返回副本
func (it *Item) Clone() *Item {
	cp := *it
	cp.Input = cloneRaw(it.Input)
	cp.Output = cloneRaw(it.Output)
	cp.Metadata = cloneRaw(it.Metadata)
	if it.ClaimedAt != nil {
		t := *it.ClaimedAt
		cp.ClaimedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Clone 拷贝 Job
func (j *Job) Clone() *Job {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// Progress 作业进度，按条目状态汇总
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Claimed   int     `json:"claimed"`
	Running   int     `json:"running"`
	Cancelled int     `json:"cancelled"`
	Pct       float64 `json:"pct"`
}

// NewProgress 由作业计数与条目状态分布计算进度
func NewProgress(j *Job, counts map[ItemStatus]int) Progress {
	p := Progress{
		Total:     j.TotalItems,
		Completed: j.CompletedItems,
		Failed:    j.FailedItems,
		Pending:   counts[ItemPending],
		Claimed:   counts[ItemClaimed],
		Running:   counts[ItemRunning],
		Cancelled: counts[ItemCancelled],
	}
	if p.Total > 0 {
		p.Pct = float64(p.Completed) / float64(p.Total)
	}
	return p
}

// View 作业与进度
type View struct {
	*Job
	Progress Progress `json:"progress"`
}

// Cancellation 作业取消审计记录
type Cancellation struct {
	JobID           string    `json:"job_id"`
	CancelledBy     string    `json:"cancelled_by"`
	Reason          string    `json:"reason"`
	ItemsCompleted  int       `json:"items_completed"`
	ItemsCancelled  int       `json:"items_cancelled"`
	CreditsRefunded int64     `json:"credits_refunded"`
	CreatedAt       time.Time `json:"created_at"`
}

// Outcome 条目结算结果
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried" // 回到 pending，可再次领取
	OutcomeFailed    Outcome = "failed"  // 终态失败
	OutcomeDropped   Outcome = "dropped" // 所属作业已取消，条目转为 cancelled
)

// Settlement complete/fail 生效后的结果；nil 表示前置状态不满足、未生效
type Settlement struct {
	Item     *Item
	TenantID string
	Outcome  Outcome
	// Billable 为 false 时作业已取消，该条目额度已在取消时退还，不再 spend/refund
	Billable bool
}

// Claimed 领取结果：条目与其分得的附带预算
type Claimed struct {
	Item            *Item `json:"item"`
	IncidentalShare int64 `json:"incidental_share"`
}
