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
	"time"

	"github.com/sony/gobreaker"

	"fanout-platform/pkg/log"
	"fanout-platform/pkg/metrics"
)

// BreakerSettings 审计写入熔断参数
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 5
	}
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.6
	}
	if s.MinRequests == 0 {
		s.MinRequests = 5
	}
	return s
}

// auditChannel 非阻塞通道：条目追加与作业计数更新失败只记录日志与指标，不返回给调用方。
// 账本存储持续失败时熔断，短时间内直接丢弃写入而不再等待存储超时。
type auditChannel struct {
	store Store
	jobs  JobCredits
	cb    *gobreaker.CircuitBreaker
	log   *log.Logger
}

func newAuditChannel(store Store, jobs JobCredits, s BreakerSettings, logger *log.Logger) *auditChannel {
	s = s.withDefaults()
	a := &auditChannel{store: store, jobs: jobs, log: logger}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-audit",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger audit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return a
}

// record 先更新作业计数，再追加条目并移动租户余额；返回条目是否写入成功
func (a *auditChannel) record(ctx context.Context, e *Entry, d Delta, jobSpent, jobRefunded int64) bool {
	if a.jobs != nil && e.JobID != "" && (jobSpent != 0 || jobRefunded != 0) {
		if err := a.jobs.AddCredits(ctx, e.JobID, jobSpent, jobRefunded); err != nil {
			metrics.LedgerAuditFailTotal.WithLabelValues("job_credits").Inc()
			a.log.Error("update job credits failed", "job_id", e.JobID, "operation", string(e.Operation), "error", err)
		}
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.store.Append(ctx, e, d)
	})
	if err != nil {
		metrics.LedgerAuditFailTotal.WithLabelValues(string(e.Operation)).Inc()
		a.log.Error("ledger append failed",
			"tenant_id", e.TenantID, "job_id", e.JobID, "item_id", e.ItemID,
			"operation", string(e.Operation), "amount", e.Amount, "error", err)
		return false
	}
	metrics.CreditsTotal.WithLabelValues(string(e.Operation)).Add(float64(e.Amount))
	return true
}
