package domain

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	ErrWorkspaceCreate    = errors.New("workspace create error")
	ErrInvalidArchive     = errors.New("invalid archive")
	ErrManifestTool       = errors.New("manifest tool error")
	ErrDisassemble        = errors.New("disassemble error")
	ErrScanIO             = errors.New("scan io error")
	ErrPersist            = errors.New("persist error")
	ErrSchedulerCancelled = errors.New("scheduler cancelled")
)

// TaskError 单个样本任务在某个阶段的失败
type TaskError struct {
	Sample string
	State  TaskState
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("sample %s failed during %s: %v", e.Sample, e.State, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsCancelled 判断错误是否由取消引起
func IsCancelled(err error) bool {
	return errors.Is(err, ErrSchedulerCancelled)
}
