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

package liveness

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status 实例状态
type Status string

const (
	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
	StatusStale   Status = "stale"
	StatusStopped Status = "stopped"
)

const instanceIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewInstanceID 生成实例 ID
func NewInstanceID() string {
	return "wkr-" + gonanoid.MustGenerate(instanceIDAlphabet, 16)
}

// Instance 受心跳跟踪的 Worker 进程
type Instance struct {
	ID           string     `json:"id"`
	AgentType    string     `json:"agent_type"`
	InstanceID   string     `json:"instance_id"`
	JobID        string     `json:"job_id,omitempty"`
	Status       Status     `json:"status"`
	Capabilities []string   `json:"capabilities,omitempty"`
	HeartbeatAt  time.Time  `json:"heartbeat_at"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Store 实例持久化
type Store interface {
	// Upsert 按 InstanceID 幂等写入：已存在时更新类型、作业、能力并重新置为 running
	Upsert(ctx context.Context, inst *Instance) (*Instance, error)
	// Get 不存在返回 nil, nil
	Get(ctx context.Context, instanceID string) (*Instance, error)
	// List status 为空时返回全部
	List(ctx context.Context, status Status) ([]*Instance, error)
	// Heartbeat 刷新心跳，stale 实例恢复为 running；stopped 或不存在返回 false
	Heartbeat(ctx context.Context, instanceID string, now time.Time) (bool, error)
	// Transition from 中任一状态迁移到 to
	Transition(ctx context.Context, instanceID string, from []Status, to Status, now time.Time) (bool, error)
	// AssignJob 设置当前作业；jobID 为空时实例转为 idle，否则转为 running
	AssignJob(ctx context.Context, instanceID, jobID string) (bool, error)
	// MarkStale 心跳早于 cutoff 的 running 实例置为 stale，返回被标记的实例 ID
	MarkStale(ctx context.Context, cutoff time.Time) ([]string, error)
	ListIDsByStatus(ctx context.Context, status Status) ([]string, error)
}
