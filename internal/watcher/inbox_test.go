package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
	done  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{}, 10)}
}

func (r *recorder) handle(ctx context.Context, path string) error {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.paths))
	copy(out, r.paths)
	return out
}

func fastOptions(dir string) Options {
	return Options{
		Dir:          dir,
		Debounce:     20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

// TestMatch 测试文件名匹配
func TestMatch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	iw, err := NewInboxWatcher(Options{Dir: t.TempDir()}, nil, logger)
	require.NoError(t, err)
	defer iw.Stop()

	assert.True(t, iw.Match("sample.apk"))
	assert.True(t, iw.Match("SAMPLE.APK"))
	assert.False(t, iw.Match("sample.apk.part"))
	assert.False(t, iw.Match("notes.txt"))
}

// TestInvalidPattern 测试非法匹配模式
func TestInvalidPattern(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewInboxWatcher(Options{Dir: t.TempDir(), Pattern: "[a-"}, nil, logger)
	assert.Error(t, err)
}

// TestInboxWatcherProcessesNewSample 测试新样本写入后被处理一次
func TestInboxWatcherProcessesNewSample(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	logger, _ := test.NewNullLogger()

	iw, err := NewInboxWatcher(fastOptions(dir), rec.handle, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, iw.Start(ctx))

	path := filepath.Join(dir, "new.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK sample"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("sample was not processed")
	}
	require.NoError(t, iw.Stop())
	assert.Equal(t, []string{path}, rec.seen())
}

// TestInboxWatcherScanExisting 测试启动时处理已有样本
func TestInboxWatcherScanExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.apk")
	require.NoError(t, os.WriteFile(path, []byte("PK sample"), 0644))

	rec := newRecorder()
	logger, _ := test.NewNullLogger()
	opts := fastOptions(dir)
	opts.ScanExisting = true

	iw, err := NewInboxWatcher(opts, rec.handle, logger)
	require.NoError(t, err)
	require.NoError(t, iw.Start(context.Background()))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("existing sample was not processed")
	}
	require.NoError(t, iw.Stop())
	assert.Equal(t, []string{path}, rec.seen())
}
