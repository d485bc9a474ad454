// Package metrics 提供 eidos-bridge 中继服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_bridge"

// 中继指标
var (
	// IntentsTotal 按终态统计的 intent 数量
	IntentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "处理的 bridge intent 数量",
		},
		[]string{"state", "reason"}, // state: confirmed/skipped/failed
	)

	// BackfillEventsTotal 回填扫描到的事件数
	BackfillEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_events_total",
			Help:      "启动回填扫描到的事件数量",
		},
	)

	// SubscriptionRestartsTotal 订阅重建次数
	SubscriptionRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_restarts_total",
			Help:      "实时订阅重建次数",
		},
	)

	// LatestSourceBlockGauge 最近处理的源链区块
	LatestSourceBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_source_block",
			Help:      "最近处理的源链区块号",
		},
	)

	// RelayerRunning 中继是否运行
	RelayerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relayer_running",
			Help:      "中继运行状态 (1 运行, 0 停止)",
		},
	)
)

// 目标链交易指标
var (
	// RedeemDuration redeem 提交到确认耗时
	RedeemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redeem_duration_seconds",
			Help:      "redeem 提交到确认耗时(秒)",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// RedeemGasUsed redeem Gas 使用量
	RedeemGasUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redeem_gas_used",
			Help:      "redeem 交易 Gas 使用量",
			Buckets:   prometheus.ExponentialBuckets(21000, 2, 8),
		},
	)

	// KafkaMessagesProduced Kafka 发送消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 发送消息数量",
		},
		[]string{"topic", "status"},
	)
)

// RecordIntent 记录 intent 终态
func RecordIntent(state, reason string) {
	IntentsTotal.WithLabelValues(state, reason).Inc()
}

// RecordRedeem 记录已确认的 redeem
func RecordRedeem(durationSeconds float64, gasUsed uint64) {
	if durationSeconds > 0 {
		RedeemDuration.Observe(durationSeconds)
	}
	if gasUsed > 0 {
		RedeemGasUsed.Observe(float64(gasUsed))
	}
}

// RecordSourceBlock 记录处理到的源链区块
func RecordSourceBlock(blockNumber uint64) {
	LatestSourceBlockGauge.Set(float64(blockNumber))
}

// SetRunning 设置中继运行状态
func SetRunning(running bool) {
	if running {
		RelayerRunning.Set(1)
		return
	}
	RelayerRunning.Set(0)
}

// RecordKafkaProduced 记录 Kafka 发送结果
func RecordKafkaProduced(topic string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}
