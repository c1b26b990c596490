package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Policy 重试策略配置
type Policy struct {
	Name            string        // 操作名称，写入日志
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy
	Timeout         time.Duration // 所有尝试的总超时，0 表示不限
	Logger          logrus.FieldLogger
	OnRetry         func(attempt int, err error) // 每次失败后回调（如计数）
}

// DefaultPolicy 外部存储和消息队列使用的默认策略
func DefaultPolicy(name string, logger logrus.FieldLogger) *Policy {
	return &Policy{
		Name:            name,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         2 * time.Minute,
		Logger:          logger,
	}
}

// permanentError 不再重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否可重试，取消和超时不重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do 按策略执行 fn 直到成功、不可重试或次数用尽
func Do(ctx context.Context, p *Policy, fn func(ctx context.Context) error) error {
	if p == nil {
		p = DefaultPolicy("operation", logrus.StandardLogger())
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", p.Name, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": p.Name,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if !IsRetryable(err) {
			return fmt.Errorf("%s failed: %w", p.Name, err)
		}
		if attempt == attempts {
			break
		}

		wait := Backoff(p.Strategy, p.InitialInterval, p.MaxInterval, attempt)
		logger.WithFields(logrus.Fields{
			"operation": p.Name,
			"attempt":   attempt,
			"max":       attempts,
			"wait":      wait,
		}).WithError(err).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during wait: %w", p.Name, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, lastErr)
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// Backoff 第 attempt 次失败后的等待时间
func Backoff(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}
