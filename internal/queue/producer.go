package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/retry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SampleMessage 一个待提取样本
// SamplePath 必须是 worker 可以访问的路径（共享存储）
type SampleMessage struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id,omitempty"`
	SamplePath string    `json:"sample_path"`
	SampleName string    `json:"sample_name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewSampleMessage 创建消息
func NewSampleMessage(batchID, samplePath string) *SampleMessage {
	return &SampleMessage{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		SamplePath: samplePath,
		SampleName: filepath.Base(samplePath),
		EnqueuedAt: time.Now().UTC(),
	}
}

// Publisher 消息发布
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	publisher Publisher
	policy    *retry.Policy
	logger    logrus.FieldLogger
}

// NewProducer 创建生产者，发布失败按默认策略重试
func NewProducer(publisher Publisher, logger logrus.FieldLogger) *Producer {
	return &Producer{
		publisher: publisher,
		policy:    retry.DefaultPolicy("queue publish", logger),
		logger:    logger,
	}
}

// SetPolicy 替换重试策略
func (p *Producer) SetPolicy(policy *retry.Policy) {
	p.policy = policy
}

// PublishSample 发布单个样本
func (p *Producer) PublishSample(ctx context.Context, msg *SampleMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, msg.ID, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("sample", msg.SampleName).Error("Failed to publish sample")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"sample":     msg.SampleName,
	}).Debug("Sample published to queue")
	return nil
}

// PublishBatch 发布一批样本，返回成功发布的数量；遇到第一个错误即停止
func (p *Producer) PublishBatch(ctx context.Context, batchID string, samples []string) (int, error) {
	for i, path := range samples {
		if err := p.PublishSample(ctx, NewSampleMessage(batchID, path)); err != nil {
			return i, err
		}
	}
	p.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"samples":  len(samples),
	}).Info("Batch published to queue")
	return len(samples), nil
}
