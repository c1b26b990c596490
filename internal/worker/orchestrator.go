package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/apk-analysis/drebin-feature-go/internal/aggregate"
	"github.com/apk-analysis/drebin-feature-go/internal/config"
	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/feature"
	"github.com/apk-analysis/drebin-feature-go/internal/manifest"
	"github.com/apk-analysis/drebin-feature-go/internal/middleware"
	"github.com/apk-analysis/drebin-feature-go/internal/smali"
	"github.com/apk-analysis/drebin-feature-go/internal/store"
	"github.com/apk-analysis/drebin-feature-go/internal/workspace"
	"github.com/sirupsen/logrus"
)

// workspaceHashLen 工作区目录名中使用的哈希前缀长度
const workspaceHashLen = 12

// Unpacker 样本解包
type Unpacker interface {
	Unpack(archivePath, destDir string) (string, error)
	CodeUnits(unpackDir string) ([]string, error)
}

// Disassembler 代码单元反汇编
type Disassembler interface {
	Disassemble(ctx context.Context, codeUnitPath, destDir string) (string, error)
}

// Hasher 样本哈希
type Hasher interface {
	Hash(path string) (primary, secondary, fuzzy string, err error)
}

// Scanner 反汇编目录扫描
type Scanner interface {
	Scan(ctx context.Context, dir string, log logrus.FieldLogger) (*smali.Result, error)
}

// ReportIndex 样本索引
type ReportIndex interface {
	Upsert(ctx context.Context, record *domain.SampleRecord) error
}

// Options 编排器依赖，Index、Archive、Metrics 可为 nil
type Options struct {
	Workspaces   *workspace.Manager
	Unpacker     Unpacker
	Manifest     manifest.Tool
	Disassembler Disassembler
	Hasher       Hasher
	Scanner      Scanner
	Store        *store.ReportStore
	Index        ReportIndex
	Archive      store.Sink
	Metrics      *middleware.PrometheusMetrics
	LogDir       string // 为空时任务日志不落盘
	Console      bool
	Overwrite    bool
	Logger       *logrus.Logger
}

// Orchestrator 单个样本的提取流水线
// Unpack → 清单提取 → 逐个代码单元反汇编并扫描 → 汇总 → 编码 → 持久化 → 清理
type Orchestrator struct {
	workspaces   *workspace.Manager
	unpacker     Unpacker
	manifest     manifest.Tool
	disassembler Disassembler
	hasher       Hasher
	scanner      Scanner
	store        *store.ReportStore
	index        ReportIndex
	archive      store.Sink
	metrics      *middleware.PrometheusMetrics
	logDir       string
	console      bool
	overwrite    bool
	logger       *logrus.Logger
}

// NewOrchestrator 创建编排器
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Workspaces == nil:
		return nil, errors.New("workspace manager is required")
	case opts.Unpacker == nil, opts.Manifest == nil, opts.Disassembler == nil, opts.Hasher == nil, opts.Scanner == nil:
		return nil, errors.New("all pipeline collaborators are required")
	case opts.Store == nil:
		return nil, errors.New("report store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Orchestrator{
		workspaces:   opts.Workspaces,
		unpacker:     opts.Unpacker,
		manifest:     opts.Manifest,
		disassembler: opts.Disassembler,
		hasher:       opts.Hasher,
		scanner:      opts.Scanner,
		store:        opts.Store,
		index:        opts.Index,
		archive:      opts.Archive,
		metrics:      opts.Metrics,
		logDir:       opts.LogDir,
		console:      opts.Console,
		overwrite:    opts.Overwrite,
		logger:       logger,
	}, nil
}

// Store 报告存储
func (o *Orchestrator) Store() *store.ReportStore {
	return o.store
}

// Workspaces 工作区管理器
func (o *Orchestrator) Workspaces() *workspace.Manager {
	return o.workspaces
}

// task 单个样本任务的运行状态，只由所属 goroutine 访问
type task struct {
	sample  *domain.Sample
	batchID string
	sm      *domain.StateMachine
	result  *domain.TaskResult
	tlog    *config.TaskLogger
	log     *logrus.Entry
	ws      *workspace.Workspace
	start   time.Time
}

func (t *task) transition(to domain.TaskState) {
	if err := t.sm.Transition(to); err != nil {
		t.log.WithError(err).Error("Invalid task state transition")
	}
}

// fail 记录失败原因并进入 Failed，只保留第一个错误
func (t *task) fail(err error) {
	state := t.sm.Current()
	if t.result.Err == nil {
		t.result.Err = &domain.TaskError{Sample: t.sample.FileName, State: state, Err: err}
	}
	t.result.Anomalous = true
	if state.CanTransition(domain.StateFailed) {
		t.transition(domain.StateFailed)
	}
}

// ExecuteTask 处理一个样本，任何失败都只影响本任务
func (o *Orchestrator) ExecuteTask(ctx context.Context, samplePath, batchID string) *domain.TaskResult {
	t := o.newTask(samplePath, batchID)
	defer t.tlog.Close()

	if o.metrics != nil {
		o.metrics.RecordTaskStarted()
	}

	t.log.WithField("path", samplePath).Info("Starting feature extraction")
	o.run(ctx, t)
	o.finish(ctx, t)
	return t.result
}

func (o *Orchestrator) newTask(samplePath, batchID string) *task {
	sample := domain.NewSample(samplePath)

	tlog := config.NewDiscardTaskLogger()
	if o.logDir != "" {
		l, err := config.NewTaskLogger(o.logDir, sample.Name, o.console)
		if err != nil {
			o.logger.WithError(err).WithField("sample", sample.FileName).Warn("Failed to create task logger, task log disabled")
		} else {
			tlog = l
		}
	}

	return &task{
		sample:  sample,
		batchID: batchID,
		sm:      domain.NewStateMachine(),
		result:  &domain.TaskResult{Sample: sample, LogPath: tlog.Path()},
		tlog:    tlog,
		log:     tlog.WithField("sample", sample.Name),
		start:   time.Now(),
	}
}

// run 执行流水线，panic 在任务边界被捕获，工作区在所有路径上释放
func (o *Orchestrator) run(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("Unexpected error while processing %s: %v", t.sample.FileName, r)
			t.fail(fmt.Errorf("panic: %v", r))
		}
		o.release(t)
	}()

	sample := t.sample
	primary, secondary, fuzzy, err := o.hasher.Hash(sample.Path)
	if err != nil {
		t.log.WithError(err).Error("Failed to hash sample")
		t.fail(err)
		return
	}
	sample.SHA256, sample.MD5, sample.SSDeep = primary, secondary, fuzzy
	t.log.WithFields(logrus.Fields{
		"sha256": sample.SHA256,
		"md5":    sample.MD5,
		"ssdeep": sample.SSDeep,
	}).Info("Computed sample hashes")

	if !o.overwrite && o.store.Exists(sample.SHA256) {
		t.result.Skipped = true
		t.result.ReportPath = o.store.Path(sample.SHA256)
		t.log.WithField("report", t.result.ReportPath).Info("Report already exists, skipping")
		return
	}

	if !o.checkpoint(ctx, t) {
		return
	}

	ws, err := o.workspaces.Acquire(workspaceName(sample))
	if err != nil {
		t.log.WithError(err).Error("Failed to create workspace")
		t.fail(err)
		return
	}
	t.ws = ws

	raw := domain.NewRawReport(sample)

	t.transition(domain.StateUnpacking)
	stageStart := time.Now()
	unpackDir, err := o.unpacker.Unpack(sample.Path, ws.UnpackDir)
	o.observe("unpack", stageStart)
	if err != nil {
		t.log.WithError(err).Error("Failed to unpack sample")
		t.fail(err)
		o.persistDegraded(t, raw)
		return
	}

	if !o.checkpoint(ctx, t) {
		return
	}
	t.transition(domain.StateScanning)
	if !o.scan(ctx, t, raw, unpackDir) {
		return
	}

	if !o.checkpoint(ctx, t) {
		return
	}
	t.transition(domain.StateAssembling)
	stageStart = time.Now()
	vector := feature.Assemble(raw)
	o.observe("assemble", stageStart)
	t.result.Vector = vector
	if o.metrics != nil {
		o.metrics.RecordFindings(raw)
	}
	t.log.WithFields(logrus.Fields{
		"findings": raw.Count(),
		"features": vector.Len(),
	}).Info("Assembled feature vector")

	if !o.checkpoint(ctx, t) {
		return
	}
	stageStart = time.Now()
	path, written, err := o.store.Persist(vector, raw, o.overwrite, t.log)
	o.observe("persist", stageStart)
	if err != nil {
		t.log.WithError(err).Error("Failed to persist report")
		t.fail(err)
		return
	}
	t.result.ReportPath = path
	t.transition(domain.StatePersisted)

	if written && o.archive != nil {
		o.archiveReport(ctx, path)
	}
}

// scan 提取清单信息，然后按顺序处理每个代码单元；取消时返回 false
func (o *Orchestrator) scan(ctx context.Context, t *task, raw *domain.RawReport, unpackDir string) bool {
	agg := aggregate.New(raw, t.log)

	stageStart := time.Now()
	agg.CollectManifest(ctx, o.manifest, t.sample.Path)
	o.observe("manifest", stageStart)
	if failed := agg.FailedSteps(); len(failed) > 0 {
		t.log.WithField("steps", failed).Debug("Some manifest steps produced no findings")
	}

	units, err := o.unpacker.CodeUnits(unpackDir)
	if err != nil {
		t.log.WithError(err).Error("Failed to list code units")
	}
	if len(units) == 0 {
		t.log.Warn("No code units found in the sample")
	}

	stageStart = time.Now()
	defer func() { o.observe("scan", stageStart) }()

	for _, unit := range units {
		if !o.checkpoint(ctx, t) {
			return false
		}

		name := filepath.Base(unit)
		dir := t.ws.SmaliDir(unit)
		smaliDir, err := o.disassembler.Disassemble(ctx, unit, dir)
		if err != nil {
			o.workspaces.ReleaseDir(dir)
			if ctx.Err() != nil {
				continue
			}
			t.log.WithError(err).Errorf("Failed to disassemble %s", name)
			continue
		}

		res, err := o.scanner.Scan(ctx, smaliDir, t.log)
		o.workspaces.ReleaseDir(dir)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// 部分结果仍然保留
			t.log.WithError(err).Errorf("Failed to scan %s", name)
		}
		agg.AddScan(res)
		t.log.WithField("code_unit", name).Info("Processed code unit")
	}
	return o.checkpoint(ctx, t)
}

// persistDegraded 解包失败时仍写入只含标量哈希的报告，不改变任务状态
func (o *Orchestrator) persistDegraded(t *task, raw *domain.RawReport) {
	vector := feature.Assemble(raw)
	path, _, err := o.store.Persist(vector, raw, o.overwrite, t.log)
	if err != nil {
		t.log.WithError(err).Error("Failed to persist degraded report")
		return
	}
	t.result.Vector = vector
	t.result.ReportPath = path
}

// checkpoint 阶段之间的取消检查点
func (o *Orchestrator) checkpoint(ctx context.Context, t *task) bool {
	if ctx.Err() == nil {
		return true
	}
	t.log.Warn("Extraction cancelled, abandoning remaining stages")
	t.fail(domain.ErrSchedulerCancelled)
	return false
}

// release 释放工作区并进入 CleanedUp
func (o *Orchestrator) release(t *task) {
	if t.ws != nil {
		o.workspaces.Release(t.ws)
	}
	t.transition(domain.StateCleanedUp)
}

func (o *Orchestrator) archiveReport(ctx context.Context, path string) {
	location, err := o.archive.Archive(ctx, path)
	if err != nil {
		o.logger.WithError(err).WithField("report", path).Warn("Failed to archive report")
		return
	}
	o.logger.WithField("location", location).Debug("Report archived")
}

// finish 汇总任务结果，写入指标和索引
func (o *Orchestrator) finish(ctx context.Context, t *task) {
	r := t.result
	r.State = t.sm.Current()
	r.History = t.sm.History()
	r.Duration = time.Since(t.start)

	fields := logrus.Fields{
		"state":    r.State,
		"duration": r.Duration.Round(time.Millisecond).String(),
	}
	if r.Err != nil {
		t.log.WithFields(fields).WithError(r.Err).Info("Finished feature extraction with errors")
	} else {
		t.log.WithFields(fields).Info("Finished feature extraction")
	}

	if o.metrics != nil {
		o.metrics.RecordTaskFinished(r)
	}

	if !r.Skipped && !domain.IsCancelled(r.Err) {
		o.upsertIndex(ctx, r, t.batchID)
	}
}

// upsertIndex 写入样本索引，索引失败不影响任务结果
func (o *Orchestrator) upsertIndex(ctx context.Context, r *domain.TaskResult, batchID string) {
	if o.index == nil || r.Sample == nil || r.Sample.SHA256 == "" {
		return
	}
	if err := o.index.Upsert(ctx, NewSampleRecord(r, batchID)); err != nil {
		o.logger.WithError(err).WithField("sha256", r.Sample.SHA256).Warn("Failed to update sample index")
	}
}

// NewSampleRecord 根据任务结果构造索引行
func NewSampleRecord(r *domain.TaskResult, batchID string) *domain.SampleRecord {
	rec := &domain.SampleRecord{
		SHA256:      r.Sample.SHA256,
		MD5:         r.Sample.MD5,
		SSDeep:      r.Sample.SSDeep,
		APKName:     r.Sample.Name,
		PackageName: domain.NoLabel,
		SDKVersion:  domain.NoLabel,
		BatchID:     batchID,
		ReportPath:  r.ReportPath,
		State:       r.State,
		Anomalous:   r.Anomalous,
		DurationMs:  r.Duration.Milliseconds(),
	}
	if r.Vector != nil {
		rec.PackageName = r.Vector.PackageName
		rec.SDKVersion = r.Vector.SDKVersion
		rec.FeatureCount = r.Vector.Len()
	}
	if r.Err != nil {
		rec.ErrorMessage = r.Err.Error()
	}
	return rec
}

func (o *Orchestrator) observe(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, time.Since(start))
	}
}

// RunOne 单样本入口，报告已存在且不覆盖时读取已有报告
func (o *Orchestrator) RunOne(ctx context.Context, samplePath string) (*domain.FeatureVector, error) {
	r := o.ExecuteTask(ctx, samplePath, "")
	if r.Err != nil {
		return r.Vector, r.Err
	}
	if r.Skipped {
		return o.store.Load(r.Sample.SHA256)
	}
	return r.Vector, nil
}

// workspaceName 展示名加哈希前缀，同名样本互不冲突
func workspaceName(s *domain.Sample) string {
	id := s.SHA256
	if len(id) > workspaceHashLen {
		id = id[:workspaceHashLen]
	}
	return fmt.Sprintf("%s_%s", s.Name, id)
}
