// Package events 發布領取結果事件（best effort，不影響結果本身）
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ChuLiYu/claimqueue/pkg/types"
)

// DefaultTopic 結果事件的預設主題
const DefaultTopic = "claim_outcomes"

// OutcomeEvent 一個工作單元的最終結果
type OutcomeEvent struct {
	UnitID         types.UnitID         `json:"unit_id"`
	Kind           types.UnitKind       `json:"kind"`
	TaskID         types.TaskID         `json:"task_id"`
	UserID         types.UserID         `json:"user_id,omitempty"`
	BuyerAccountID types.BuyerAccountID `json:"buyer_account_id,omitempty"`
	Accepted       bool                 `json:"accepted"`
	OrderID        types.OrderID        `json:"order_id,omitempty"`
	Reason         types.RejectReason   `json:"reason,omitempty"`
	Attempts       int                  `json:"attempts"`
	ResolvedAt     int64                `json:"resolved_at"`
}

// FromUnit 由已結束的單元建立事件
func FromUnit(u types.Unit) OutcomeEvent {
	ev := OutcomeEvent{
		UnitID:         u.ID,
		Kind:           u.Kind,
		TaskID:         u.Request.TaskID,
		UserID:         u.Request.UserID,
		BuyerAccountID: u.Request.BuyerAccountID,
		Attempts:       u.Attempt,
		ResolvedAt:     u.ResolvedAt,
	}
	if u.Outcome != nil {
		ev.Accepted = u.Outcome.Accepted
		ev.OrderID = u.Outcome.OrderID
		ev.Reason = u.Outcome.Reason
	}
	return ev
}

// Publisher 結果事件的出口
type Publisher interface {
	Publish(ctx context.Context, ev OutcomeEvent) error
	Close() error
}

// NopPublisher 未啟用事件時使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, OutcomeEvent) error { return nil }
func (NopPublisher) Close() error                                { return nil }

// messageWriter 是 *kafka.Writer 用到的部分，測試中替換
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig Kafka 連線設定
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BatchSize    int           `yaml:"batch_size"`
}

// KafkaPublisher 把結果以 JSON 寫入 Kafka，以 task id 作為 key 保證同任務有序
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher 建立 Kafka 發布者
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		BatchSize:    cfg.BatchSize,
	}}
}

// Publish 序列化並發送事件
func (p *KafkaPublisher) Publish(ctx context.Context, ev OutcomeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TaskID),
		Value: data,
	}); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close 關閉底層 writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
