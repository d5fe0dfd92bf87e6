package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobTotal, ClaimTotal, ClaimDuration,
		ItemTransitionTotal, CreditsTotal, LedgerAuditFailTotal,
		InstancesStaleTotal, ItemsReclaimedTotal, ItemsReleasedTotal, ItemsStaleFailedTotal,
		WorkerBusy,
	)
}

// JobTotal Job 状态变更计数
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_job_total",
		Help: "Job 总数（按状态）",
	},
	[]string{"status"}, // created | completed | failed | cancelled
)

// ClaimTotal 领取调用次数
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_claim_total",
		Help: "条目领取次数（按结果）",
	},
	[]string{"result"}, // ok | none | error
)

// ClaimDuration 单次领取耗时（秒）
var ClaimDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fanout_claim_duration_seconds",
		Help:    "单次领取耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// ItemTransitionTotal 条目状态迁移计数
var ItemTransitionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_item_transition_total",
		Help: "条目状态迁移次数（按目标状态）",
	},
	[]string{"to"},
)

// CreditsTotal 额度流水
var CreditsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_credits_total",
		Help: "额度流水（按操作）",
	},
	[]string{"operation"}, // reserve | spend | refund | charge
)

// LedgerAuditFailTotal 账本审计写入失败次数（不影响主流程）
var LedgerAuditFailTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_ledger_audit_fail_total",
		Help: "账本审计写入失败次数",
	},
	[]string{"operation"},
)

// InstancesStaleTotal 被标记为 stale 的实例数
var InstancesStaleTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fanout_instances_stale_total",
		Help: "被标记为 stale 的实例总数",
	},
)

// ItemsReclaimedTotal 从 stale 实例回收的条目数
var ItemsReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fanout_items_reclaimed_total",
		Help: "从 stale 实例回收的条目总数",
	},
)

// ItemsStaleFailedTotal 失联实例持有、重试耗尽而终态失败的条目数
var ItemsStaleFailedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fanout_items_stale_failed_total",
		Help: "失联实例持有且重试耗尽的失败条目总数",
	},
)

// ItemsReleasedTotal Worker 主动释放的条目数
var ItemsReleasedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fanout_items_released_total",
		Help: "Worker 主动释放的条目总数",
	},
)

// WorkerBusy 当前正在处理的条目数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fanout_worker_busy",
		Help: "当前正在处理的条目数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
