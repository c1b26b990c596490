package workspace

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewManager(filepath.Join(t.TempDir(), "work"), logger)
}

// TestAcquireRelease 测试获取和释放工作区
func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Prepare())

	ws, err := m.Acquire("sample")
	require.NoError(t, err)
	assert.DirExists(t, ws.UnpackDir)

	smali := ws.SmaliDir("/x/classes.dex")
	assert.Equal(t, filepath.Join(ws.Root, "smali-1-classes"), smali)
	assert.NotEqual(t, smali, ws.SmaliDir("/x/classes.dex"))

	require.NoError(t, os.WriteFile(filepath.Join(ws.UnpackDir, "a.dex"), []byte("x"), 0644))

	m.Release(ws)
	assert.NoDirExists(t, ws.Root)
	assert.True(t, ws.Released())

	// 重复释放是空操作
	m.Release(ws)
}

// TestAcquire_Fails 测试基础目录不可用时返回 WorkspaceCreate 错误
func TestAcquire_Fails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := NewManager(blocker, logger)

	_, err := m.Acquire("sample")
	assert.ErrorIs(t, err, domain.ErrWorkspaceCreate)

	assert.ErrorIs(t, m.Prepare(), domain.ErrWorkspaceCreate)

	_, err = m.Acquire("..")
	assert.ErrorIs(t, err, domain.ErrWorkspaceCreate)
}

// TestWith_ReleasesOnError 测试出错时也会释放
func TestWith_ReleasesOnError(t *testing.T) {
	m := newTestManager(t)
	var root string

	err := m.With("s1", func(ws *Workspace) error {
		root = ws.Root
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.NoDirExists(t, root)
}

// TestWith_ReleasesOnPanic 测试 panic 时也会释放
func TestWith_ReleasesOnPanic(t *testing.T) {
	m := newTestManager(t)
	var root string

	assert.Panics(t, func() {
		_ = m.With("s2", func(ws *Workspace) error {
			root = ws.Root
			panic("collaborator crashed")
		})
	})
	assert.NoDirExists(t, root)
}

// TestCleanup 测试删除根工作目录
func TestCleanup(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Prepare())
	_, err := m.Acquire("leftover")
	require.NoError(t, err)

	m.Cleanup()
	assert.NoDirExists(t, m.BaseDir())
}
