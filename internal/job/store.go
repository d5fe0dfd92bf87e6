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
	"encoding/json"
	"time"
)

// Store 作业与条目存储；内存与 Postgres 实现语义一致。
// 条目状态冲突不返回错误：Settlement 为 nil / bool 为 false / 计数为 0 表示未生效。
type Store interface {
	// CreateJobWithItems 作业与全部条目作为一个原子单元写入
	CreateJobWithItems(ctx context.Context, j *Job, items []*Item) error
	// GetJob 不存在返回 nil, nil
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListJobs 按租户列出作业，status 为空时不过滤
	ListJobs(ctx context.Context, tenantID string, status JobStatus) ([]*Job, error)
	// GetItem 不存在返回 nil, nil
	GetItem(ctx context.Context, itemID string) (*Item, error)
	// ListItems 按 item_index 升序
	ListItems(ctx context.Context, jobID string) ([]*Item, error)
	CountItems(ctx context.Context, jobID string) (map[ItemStatus]int, error)

	// ClaimNext 原子领取作业中 index 最小的 pending 条目；被其他领取占用的行直接跳过，无可领取返回 nil, nil
	ClaimNext(ctx context.Context, jobID, instanceID string, now time.Time) (*Item, error)
	StartItem(ctx context.Context, itemID string) (bool, error)
	// CompleteItem 条目置 completed 并同一事务内递增作业 completed_items
	CompleteItem(ctx context.Context, itemID string, output, metadata json.RawMessage, now time.Time) (*Settlement, error)
	// FailItem 按 DecideFailure 选择重试或终态失败，终态失败同一事务内递增 failed_items
	FailItem(ctx context.Context, itemID, errMsg string, metadata json.RawMessage, retryRequested bool, now time.Time) (*Settlement, error)
	// ReleaseByOwner 释放实例持有的 claimed/running 条目，不增加 retry_count
	ReleaseByOwner(ctx context.Context, instanceID string) (int, error)
	// ReleaseItem 释放单个条目，仅当其仍由 instanceID 持有；不增加 retry_count
	ReleaseItem(ctx context.Context, itemID, instanceID string) (bool, error)
	// ReclaimFromOwners 回收给定实例持有且仍有重试预算的条目，retry_count+1
	ReclaimFromOwners(ctx context.Context, instanceIDs []string) (int, error)
	// ListOwnedItems 给定实例持有的 claimed/running 条目
	ListOwnedItems(ctx context.Context, instanceIDs []string) ([]*Item, error)

	// FinalizeJob 在作业行锁内判断并写入终态；返回最新作业与本次调用是否完成了迁移，作业不存在返回 nil
	FinalizeJob(ctx context.Context, jobID string, now time.Time) (*Job, bool, error)
	// CancelJob 在作业行锁内取消作业、将 pending 条目置 cancelled 并写取消记录；作业不存在返回 nil, nil
	CancelJob(ctx context.Context, jobID, actor, reason string, perItemCost int64, now time.Time) (*Cancellation, error)
	GetCancellation(ctx context.Context, jobID string) (*Cancellation, error)

	// AddCredits 累加作业 spent/refunded 计数（账本非阻塞通道调用）
	AddCredits(ctx context.Context, jobID string, spent, refunded int64) error
}

// ErrJobNotRunning CancelJob 在作业已处于终态时返回
type ErrJobNotRunning struct {
	Status JobStatus
}

func (e *ErrJobNotRunning) Error() string {
	return "job is " + string(e.Status)
}
