package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultPattern 收件箱中需要处理的样本
const DefaultPattern = "*.apk"

// SampleHandler 样本处理函数
type SampleHandler func(ctx context.Context, samplePath string) error

// Options 收件箱监控参数
type Options struct {
	Dir          string
	Pattern      string        // 文件名匹配模式，默认 *.apk
	Debounce     time.Duration // 同一文件连续事件合并，默认 2 秒
	PollInterval time.Duration // 写入完成检测间隔，默认 500 毫秒
	ScanExisting bool          // 启动时处理目录中已有的样本
}

// InboxWatcher 监控收件箱目录，新样本写入完成后交给处理函数
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	opts    Options
	handler SampleHandler
	logger  logrus.FieldLogger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	inflight   sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewInboxWatcher 创建收件箱监控，目录不存在时创建
func NewInboxWatcher(opts Options, handler SampleHandler, logger logrus.FieldLogger) (*InboxWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(opts.Dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"inbox":   opts.Dir,
		"pattern": opts.Pattern,
	}).Info("Inbox watcher created")

	return &InboxWatcher{
		watcher:    w,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (iw *InboxWatcher) Start(ctx context.Context) error {
	if iw.opts.ScanExisting {
		if err := iw.scanExisting(ctx); err != nil {
			iw.logger.WithError(err).Warn("Failed to scan existing samples")
		}
	}
	go iw.eventLoop(ctx)
	return nil
}

func (iw *InboxWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(iw.opts.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !iw.Match(entry.Name()) {
			continue
		}
		iw.schedule(ctx, filepath.Join(iw.opts.Dir, entry.Name()))
	}
	return nil
}

func (iw *InboxWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-iw.stopChan:
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !iw.Match(filepath.Base(event.Name)) {
				continue
			}
			iw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("Inbox event detected")
			iw.schedule(ctx, event.Name)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.logger.WithError(err).Error("Inbox watcher error")
		}
	}
}

// schedule 防抖：同一文件在 Debounce 内的多次事件只处理一次
func (iw *InboxWatcher) schedule(ctx context.Context, path string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if t, ok := iw.timers[path]; ok {
		t.Stop()
	}
	iw.timers[path] = time.AfterFunc(iw.opts.Debounce, func() {
		iw.mu.Lock()
		delete(iw.timers, path)
		if iw.processing[path] {
			iw.mu.Unlock()
			return
		}
		iw.processing[path] = true
		iw.inflight.Add(1)
		iw.mu.Unlock()

		defer func() {
			iw.mu.Lock()
			delete(iw.processing, path)
			iw.mu.Unlock()
			iw.inflight.Done()
		}()
		iw.handle(ctx, path)
	})
}

func (iw *InboxWatcher) handle(ctx context.Context, path string) {
	log := iw.logger.WithField("file", filepath.Base(path))
	if err := iw.waitReady(ctx, path); err != nil {
		log.WithError(err).Warn("Sample not ready, skipping")
		return
	}

	log.Info("Processing inbox sample")
	if err := iw.handler(ctx, path); err != nil {
		log.WithError(err).Warn("Inbox sample processed with errors")
		return
	}
	log.Info("Inbox sample processed")
}

// waitReady 文件大小在两次检测之间不变且非空时视为写入完成
func (iw *InboxWatcher) waitReady(ctx context.Context, path string) error {
	const maxAttempts = 10
	var last int64 = -1
	for i := 0; i < maxAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(iw.opts.PollInterval):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// Match 文件名是否匹配模式（大小写不敏感）
func (iw *InboxWatcher) Match(name string) bool {
	ok, _ := filepath.Match(strings.ToLower(iw.opts.Pattern), strings.ToLower(name))
	return ok
}

// Dir 收件箱目录
func (iw *InboxWatcher) Dir() string {
	return iw.opts.Dir
}

// Stop 停止监控并等待正在处理的样本完成
func (iw *InboxWatcher) Stop() error {
	var err error
	iw.stopOnce.Do(func() {
		close(iw.stopChan)
		err = iw.watcher.Close()

		iw.mu.Lock()
		for path, t := range iw.timers {
			t.Stop()
			delete(iw.timers, path)
		}
		iw.mu.Unlock()

		iw.inflight.Wait()
		iw.logger.Info("Inbox watcher stopped")
	})
	return err
}
