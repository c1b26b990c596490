package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	unpackDirName = "unpack"
	smaliDirName  = "smali"
)

// Workspace 单个样本独占的临时工作区
type Workspace struct {
	Root      string
	UnpackDir string

	released atomic.Bool
	seq      atomic.Int32
}

// SmaliDir 为一个代码模块分配独立的反汇编目录
func (w *Workspace) SmaliDir(unit string) string {
	n := w.seq.Add(1)
	base := strings.TrimSuffix(filepath.Base(unit), filepath.Ext(unit))
	return filepath.Join(w.Root, fmt.Sprintf("%s-%d-%s", smaliDirName, n, base))
}

// Released 工作区是否已释放
func (w *Workspace) Released() bool {
	return w.released.Load()
}

// Manager 工作区管理器
type Manager struct {
	baseDir string
	logger  logrus.FieldLogger
}

// NewManager 创建工作区管理器
func NewManager(baseDir string, logger logrus.FieldLogger) *Manager {
	return &Manager{baseDir: baseDir, logger: logger}
}

// BaseDir 返回根工作目录
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Prepare 创建根工作目录，失败属于共享基础设施错误
func (m *Manager) Prepare() error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("%w: base working dir %s: %v", domain.ErrWorkspaceCreate, m.baseDir, err)
	}
	return nil
}

// Acquire 创建 baseDir/sampleName 及其子目录
func (m *Manager) Acquire(sampleName string) (*Workspace, error) {
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(sampleName)
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid sample name %q", domain.ErrWorkspaceCreate, sampleName)
	}

	root := filepath.Join(m.baseDir, name)
	ws := &Workspace{
		Root:      root,
		UnpackDir: filepath.Join(root, unpackDirName),
	}

	if err := os.MkdirAll(ws.UnpackDir, 0755); err != nil {
		// 清理可能已创建的部分目录
		os.RemoveAll(root)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrWorkspaceCreate, root, err)
	}

	m.logger.WithField("workspace", root).Debug("Workspace acquired")
	return ws, nil
}

// Release 递归删除工作区，失败只记录日志
func (m *Manager) Release(ws *Workspace) {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return
	}

	if err := os.RemoveAll(ws.Root); err != nil {
		m.logger.WithError(err).WithField("workspace", ws.Root).Error("Failed to remove workspace")
		return
	}
	m.logger.WithField("workspace", ws.Root).Debug("Workspace released")
}

// ReleaseDir 删除单个代码模块的反汇编目录
func (m *Manager) ReleaseDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.WithError(err).WithField("dir", dir).Warn("Failed to remove smali directory")
	}
}

// Cleanup 删除根工作目录（批处理结束时调用）
func (m *Manager) Cleanup() {
	if err := os.RemoveAll(m.baseDir); err != nil {
		m.logger.WithError(err).WithField("working_dir", m.baseDir).Error("Failed to remove base working directory")
		return
	}
	m.logger.WithField("working_dir", m.baseDir).Info("Base working directory removed")
}

// With 获取工作区并保证在 fn 返回（包括 panic）后释放
func (m *Manager) With(sampleName string, fn func(ws *Workspace) error) error {
	ws, err := m.Acquire(sampleName)
	if err != nil {
		return err
	}
	defer m.Release(ws)
	return fn(ws)
}
