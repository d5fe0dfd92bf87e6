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

package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Operation 账本条目类型
type Operation string

const (
	OpReserve Operation = "reserve"
	OpSpend   Operation = "spend"
	OpRefund  Operation = "refund"
	OpCharge  Operation = "charge"
)

// Entry 追加写入的审计条目，写入后不修改
type Entry struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id,omitempty"`
	ItemID    string          `json:"item_id,omitempty"`
	TenantID  string          `json:"tenant_id"`
	Operation Operation       `json:"operation"`
	Skill     string          `json:"skill,omitempty"`
	Amount    int64           `json:"amount"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Balance 租户额度；Unlimited 为 true 表示租户无余额记录（开发/测试模式），与余额为 0 不同
type Balance struct {
	TenantID  string `json:"tenant_id"`
	Total     int64  `json:"total"`
	Reserved  int64  `json:"reserved"`
	Spent     int64  `json:"spent"`
	Available int64  `json:"available"`
	Unlimited bool   `json:"unlimited"`
}

func (b *Balance) computeAvailable() {
	b.Available = b.Total - b.Reserved - b.Spent
}

// Delta 条目附带的租户余额变动
type Delta struct {
	Reserved int64
	Spent    int64
}

// Filter 账本查询条件
type Filter struct {
	TenantID string
	JobID    string
	Limit    int
}

// Store 账本持久化
type Store interface {
	// GetBalance 无记录返回 nil, nil
	GetBalance(ctx context.Context, tenantID string) (*Balance, error)
	// SetBalance 设置租户总额度，不存在则创建
	SetBalance(ctx context.Context, tenantID string, total int64) (*Balance, error)
	// Append 写入条目并在同一事务内应用余额变动；租户无余额记录时只写条目
	Append(ctx context.Context, e *Entry, d Delta) error
	// ListEntries 按创建时间升序
	ListEntries(ctx context.Context, f Filter) ([]*Entry, error)
}

// JobCredits 作业额度计数的写入方，由作业存储实现
type JobCredits interface {
	AddCredits(ctx context.Context, jobID string, spent, refunded int64) error
}

// Costs 计费参数
type Costs struct {
	Base         int64
	PerItem      int64
	DefaultSkill int64
	Skills       map[string]int64
}

// SkillCost 附带操作单价，未配置时使用 DefaultSkill
func (c Costs) SkillCost(name string) int64 {
	if v, ok := c.Skills[name]; ok {
		return v
	}
	return c.DefaultSkill
}

// Reservation CheckReservation 结果
type Reservation struct {
	OK            bool   `json:"ok"`
	TotalRequired int64  `json:"total_required"`
	Reason        string `json:"reason,omitempty"`
}
