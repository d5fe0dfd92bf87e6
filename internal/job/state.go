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

// 条目状态机：
//
//	pending --claim--> claimed --start--> running --complete--> completed
//	claimed|running --fail(有剩余重试)--> pending
//	claimed|running --fail(重试耗尽)--> failed
//	claimed|running --release/reclaim--> pending
//	pending --cancel--> cancelled
//
// 存储实现只通过下列函数判断迁移是否允许，Postgres 实现在 WHERE 子句中表达相同条件。

// IsTerminal 作业是否处于终态
func IsTerminal(s JobStatus) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsItemTerminal 条目是否处于终态
func IsItemTerminal(s ItemStatus) bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemCancelled
}

// CanClaim 仅 running 作业中的 pending 条目可领取
func CanClaim(js JobStatus, is ItemStatus) bool {
	return js == StatusRunning && is == ItemPending
}

// CanStart claimed -> running
func CanStart(is ItemStatus) bool {
	return is == ItemClaimed
}

// CanSettle complete/fail/release/reclaim 的前置状态
func CanSettle(is ItemStatus) bool {
	return is == ItemClaimed || is == ItemRunning
}

// RetryAllowed 失败时是否回到 pending
func RetryAllowed(it *Item, retryRequested bool) bool {
	return retryRequested && it.RetryCount < it.MaxRetries
}

// ReclaimAllowed stale 实例持有的条目是否可被回收；重试耗尽的条目留给 fail 处理
func ReclaimAllowed(it *Item) bool {
	return CanSettle(it.Status) && it.RetryCount < it.MaxRetries
}

// ReleaseTarget 条目放弃持有后的目标状态；作业已取消时不再回到 pending
func ReleaseTarget(js JobStatus) ItemStatus {
	if js == StatusCancelled {
		return ItemCancelled
	}
	return ItemPending
}

// Billable 作业取消后条目额度已整体退还，后续结算不再计费
func Billable(js JobStatus) bool {
	return js != StatusCancelled
}

// DecideFailure fail 的两个分支：可重试则放回（作业已取消时转为 cancelled），否则终态失败
func DecideFailure(js JobStatus, it *Item, retryRequested bool) (ItemStatus, Outcome) {
	if RetryAllowed(it, retryRequested) {
		if target := ReleaseTarget(js); target == ItemCancelled {
			return target, OutcomeDropped
		}
		return ItemPending, OutcomeRetried
	}
	return ItemFailed, OutcomeFailed
}

// FinalStatus 所有条目结算后作业的终态；未结算完返回 false
func FinalStatus(j *Job) (JobStatus, bool) {
	if j.CompletedItems+j.FailedItems < j.TotalItems {
		return "", false
	}
	if j.FailedItems > 0 {
		return StatusFailed, true
	}
	return StatusCompleted, true
}

// CanCancel 仅非终态作业可取消
func CanCancel(js JobStatus) bool {
	return !IsTerminal(js)
}

// ItemsToCancel 取消时需退还额度的条目数
func ItemsToCancel(j *Job) int {
	n := j.TotalItems - j.CompletedItems - j.FailedItems
	if n < 0 {
		return 0
	}
	return n
}

// IncidentalShare 单条目分得的附带预算（向下取整）
func IncidentalShare(budget int64, totalItems int) int64 {
	if budget <= 0 || totalItems <= 0 {
		return 0
	}
	return budget / int64(totalItems)
}
