package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("task queue is full")

// Handler 处理一个样本任务
type Handler func(ctx context.Context, job *Job) *domain.TaskResult

// Job 任务
type Job struct {
	ID         string
	Seq        int // 在批次中的序号
	SamplePath string
	BatchID    string
	resultCh   chan *domain.TaskResult // 用于同步等待任务完成
}

// Pool Worker 池
// ctx 取消后不再开始新任务，队列中剩余任务被丢弃，正在执行的任务自行完成清理
type Pool struct {
	workers  int
	jobChan  chan *Job
	handler  Handler
	onResult func(*Job, *domain.TaskResult)
	metrics  *middleware.PrometheusMetrics
	logger   logrus.FieldLogger
	wg       sync.WaitGroup
	active   atomic.Int32
	stopOnce sync.Once
}

// PoolOptions Worker 池参数
type PoolOptions struct {
	Workers   int
	QueueSize int
	Handler   Handler
	OnResult  func(*Job, *domain.TaskResult) // 每个任务结束（包括被丢弃）时调用，可并发调用
	Metrics   *middleware.PrometheusMetrics
	Logger    logrus.FieldLogger
}

// NewPool 创建 Worker 池
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Pool{
		workers:  opts.Workers,
		jobChan:  make(chan *Job, opts.QueueSize),
		handler:  opts.Handler,
		onResult: opts.OnResult,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.updateStats()
}

// worker Worker 协程，持续消费直到队列关闭
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobChan {
		var result *domain.TaskResult
		if ctx.Err() != nil {
			result = p.drop(job)
		} else {
			result = p.execute(ctx, id, job)
		}

		if p.onResult != nil {
			p.onResult(job, result)
		}
		if job.resultCh != nil {
			job.resultCh <- result
			close(job.resultCh)
		}
		p.updateStats()
	}

	p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
}

func (p *Pool) execute(ctx context.Context, id int, job *Job) *domain.TaskResult {
	p.active.Add(1)
	p.updateStats()
	defer p.active.Add(-1)

	p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"job_id":    job.ID,
		"sample":    job.SamplePath,
	}).Info("Processing sample")

	result := p.handler(ctx, job)

	entry := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"job_id":    job.ID,
		"state":     result.State,
	})
	switch {
	case result.Anomalous:
		entry.WithError(result.Err).Warn("Sample finished with errors")
	case result.Skipped:
		entry.Info("Sample skipped")
	default:
		entry.Info("Sample completed successfully")
	}
	return result
}

// drop 取消后未开始的任务直接丢弃，不创建工作区
func (p *Pool) drop(job *Job) *domain.TaskResult {
	p.logger.WithField("sample", job.SamplePath).Debug("Dropping pending sample after cancellation")
	return DroppedResult(job.SamplePath)
}

// DroppedResult 取消后未开始的样本结果
func DroppedResult(samplePath string) *domain.TaskResult {
	return &domain.TaskResult{
		Sample:  domain.NewSample(samplePath),
		State:   domain.StateCleanedUp,
		History: []domain.TaskState{domain.StatePending, domain.StateCleanedUp},
		Dropped: true,
		Err:     &domain.TaskError{Sample: samplePath, State: domain.StatePending, Err: domain.ErrSchedulerCancelled},
	}
}

// Submit 提交任务，队列满时阻塞直到 ctx 取消
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	select {
	case p.jobChan <- job:
		p.updateStats()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 提交任务（非阻塞）
func (p *Pool) TrySubmit(job *Job) error {
	select {
	case p.jobChan <- job:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool")
		p.updateStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) (*domain.TaskResult, error) {
	job.resultCh = make(chan *domain.TaskResult, 1)

	select {
	case p.jobChan <- job:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool (sync)")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// 已入队的任务总会产生结果（执行或丢弃）
	return <-job.resultCh, nil
}

// Stop 关闭队列并等待所有 Worker 退出
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Debug("Stopping worker pool")
		close(p.jobChan)
		p.wg.Wait()
		p.updateStats()
		p.logger.Info("Worker pool stopped")
	})
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}

// Active 正在执行的任务数
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) updateStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.workers, p.Active(), p.GetQueueSize())
	}
}
