// Package kafka 发布 redeem 终态通知
//
// Topic bridge-redeem-outcomes 承载 model.RedeemOutcome, 以 intent_hash 作为
// partition key, 同一 intent 的结果落在同一分区. 消息头携带 event_key 与 state,
// 下游可以不解包 value 直接过滤.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
)

// TopicRedeemOutcomes redeem 结果 Topic
const TopicRedeemOutcomes = "bridge-redeem-outcomes"

const (
	headerEventKey = "event_key"
	headerState    = "state"

	defaultMaxRetries   = 3
	defaultRetryBackoff = 100 * time.Millisecond
)

var ErrProducerClosed = errors.New("producer is closed")

// ProducerConfig 生产者配置, 零值字段使用默认值
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	Topic        string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *ProducerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.ClientID = c.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sc.Producer.RequiredAcks = sarama.WaitForAll
	if c.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = c.RequiredAcks
	}
	sc.Producer.Retry.Max = defaultMaxRetries
	if c.MaxRetries > 0 {
		sc.Producer.Retry.Max = c.MaxRetries
	}
	sc.Producer.Retry.Backoff = defaultRetryBackoff
	if c.RetryBackoff > 0 {
		sc.Producer.Retry.Backoff = c.RetryBackoff
	}
	return sc
}

// Producer 同步发送 redeem 结果, 实现 service.OutcomePublisher
type Producer struct {
	sync   sarama.SyncProducer
	topic  string
	closed atomic.Bool
}

// NewProducer 连接 broker 并创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("new sync producer: %w", err)
	}
	return newProducer(sp, cfg.Topic), nil
}

func newProducer(sp sarama.SyncProducer, topic string) *Producer {
	if topic == "" {
		topic = TopicRedeemOutcomes
	}
	return &Producer{sync: sp, topic: topic}
}

// Topic 返回目标 topic
func (p *Producer) Topic() string {
	return p.topic
}

// Close 关闭生产者, 重复调用无副作用
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.sync.Close()
}

// PublishOutcome 发布一条 redeem 终态
func (p *Producer) PublishOutcome(ctx context.Context, outcome *model.RedeemOutcome) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(outcome.IntentHash),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventKey), Value: []byte(outcome.EventKey)},
			{Key: []byte(headerState), Value: []byte(outcome.State)},
		},
	}

	partition, offset, err := p.sync.SendMessage(msg)
	metrics.RecordKafkaProduced(p.topic, err)
	if err != nil {
		logger.Error("publish redeem outcome failed",
			zap.String("topic", p.topic),
			zap.String("intent_hash", outcome.IntentHash),
			zap.Error(err))
		return err
	}

	logger.Debug("redeem outcome published",
		zap.String("intent_hash", outcome.IntentHash),
		zap.String("state", string(outcome.State)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}
