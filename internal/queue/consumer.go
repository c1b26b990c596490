package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// SampleHandler 处理一个样本消息
type SampleHandler func(ctx context.Context, msg *SampleMessage) error

// Consumer 消息消费者
type Consumer struct {
	mq            *RabbitMQ
	handler       SampleHandler
	workers       int
	logger        logrus.FieldLogger
	workerWg      sync.WaitGroup
	activeWorkers atomic.Int32

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler SampleHandler, workers int, logger logrus.FieldLogger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动消费者，断线后自动重连并重新消费
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	c.mq.WatchConnection()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.Infof("Consumer started with %d workers", c.workers)
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			c.activeWorkers.Add(1)
			c.processMessage(ctx, id, msg)
			c.activeWorkers.Add(-1)
		}
	}
}

// processMessage 处理单条消息
// 成功或样本级失败都确认消息（失败记录在异常索引中）；取消时重新入队交给其他 worker
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	var msg SampleMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.SamplePath == "" {
		c.logger.WithError(err).Error("Discarding malformed sample message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"message_id": msg.ID,
		"sample":     msg.SampleName,
	})

	err := c.handler(ctx, &msg)
	switch {
	case err != nil && (domain.IsCancelled(err) || ctx.Err() != nil):
		log.Warn("Sample processing cancelled, requeueing")
		delivery.Nack(false, true)
		return
	case err != nil:
		log.WithError(err).Warn("Sample processed with errors")
	default:
		log.WithField("duration", time.Since(start).Seconds()).Info("Sample processed")
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.ReconnectSignal():
			c.logger.Warn("Connection lost, attempting to reconnect")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 取消所有 worker 并等待当前消息处理结束
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 正在处理消息的 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(c.activeWorkers.Load())
}

// IsRunning 消费者是否在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
