package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 邮件服务商（JMAP）调用延迟（毫秒）
	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_latency_ms",
			Help:    "Mail provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50ms to ~50s
		},
		[]string{"operation", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow database queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 流水线邮件处理计数
	PipelineEmailCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_email_count",
			Help: "Total number of inbox emails processed by the save-and-archive pipeline",
		},
		[]string{"outcome"}, // outcome: saved, failed
	)

	// 流水线步骤失败计数
	PipelineStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_step_failures_total",
			Help: "Total number of failed pipeline steps",
		},
		[]string{"step"},
	)

	// 拉黑计数
	SpamBlockCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spam_block_count",
			Help: "Total number of spam block actions",
		},
		[]string{"kind"}, // kind: email, domain
	)

	// 回滚的 archiving 条目计数
	ArchivingRollbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiving_rollback_count",
			Help: "Inbox items returned from archiving to the inbox",
		},
		[]string{"source"}, // source: client, sweeper
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordProviderCallLatency 记录邮件服务商调用延迟
func RecordProviderCallLatency(operation, status string, duration time.Duration) {
	ProviderCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录一次慢查询
func IncrementSlowQuery(statement string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(statementLabel(statement)).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementPipelineEmail 增加流水线邮件处理计数
func IncrementPipelineEmail(outcome string) {
	PipelineEmailCount.WithLabelValues(outcome).Inc()
}

// IncrementPipelineStepFailure 增加步骤失败计数
func IncrementPipelineStepFailure(step string) {
	PipelineStepFailures.WithLabelValues(step).Inc()
}

// IncrementSpamBlock 增加拉黑计数
func IncrementSpamBlock(kind string) {
	SpamBlockCount.WithLabelValues(kind).Inc()
}

// AddArchivingRollback 记录回滚的条目数
func AddArchivingRollback(source string, n int) {
	ArchivingRollbackCount.WithLabelValues(source).Add(float64(n))
}

// statementLabel 只保留 SQL 的首个关键字，避免标签基数爆炸
func statementLabel(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToUpper(fields[0])
}
