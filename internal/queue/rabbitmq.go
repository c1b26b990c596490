package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultHeartbeat  = 10 * time.Second
	defaultMaxRetries = 10
)

// ErrNotConnected 通道不可用
var ErrNotConnected = errors.New("rabbitmq channel is not open")

// RabbitMQ 样本队列客户端，一个连接一个通道
type RabbitMQ struct {
	cfg        config.RabbitMQConfig
	queueName  string
	prefetch   int
	maxRetries int
	logger     logrus.FieldLogger

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
}

// URL 构造连接地址
func URL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.VHost,
	}
	return u.String()
}

// NewRabbitMQ 连接 RabbitMQ 并声明持久化队列
// prefetch 应与 worker 数量一致
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetch int, logger logrus.FieldLogger) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	mq := &RabbitMQ{
		cfg:        cfg,
		queueName:  cfg.Queue,
		prefetch:   prefetch,
		maxRetries: defaultMaxRetries,
		logger:     logger,
		reconnect:  make(chan struct{}, 1),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(URL(mq.cfg), amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// durable 队列，worker 重启后消息不丢失
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.cfg.Host,
		"port":     mq.cfg.Port,
		"queue":    mq.queueName,
		"prefetch": mq.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// WatchConnection 监听连接和通道关闭事件，意外关闭时发出重连信号
func (mq *RabbitMQ) WatchConnection() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			select {
			case err = <-connNotify:
			case err = <-channelNotify:
			}

			if mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			select {
			case mq.reconnect <- struct{}{}:
			default:
			}

			// 等待重连完成后再监听新的通知通道
			for mq.sameNotify(connNotify) && !mq.isClosed() {
				time.Sleep(time.Second)
			}
		}
	}()
}

func (mq *RabbitMQ) sameNotify(ch chan *amqp.Error) bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.connNotify == ch
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// ReconnectSignal 重连信号
func (mq *RabbitMQ) ReconnectSignal() <-chan struct{} {
	return mq.reconnect
}

// Reconnect 关闭旧连接后按线性退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		mq.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", attempt, mq.maxRetries)
		err := mq.connect()
		if err == nil {
			mq.logger.Info("Successfully reconnected to RabbitMQ")
			return nil
		}
		mq.logger.WithError(err).Error("Failed to reconnect")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化的 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, messageID string, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    messageID,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中等待的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueDeclarePassive(mq.queueName, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Close 主动关闭，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
