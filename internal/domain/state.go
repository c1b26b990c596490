package domain

import "fmt"

// TaskState 样本任务状态
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateUnpacking  TaskState = "unpacking"
	StateScanning   TaskState = "scanning"
	StateAssembling TaskState = "assembling"
	StatePersisted  TaskState = "persisted"
	StateCleanedUp  TaskState = "cleaned_up"
	StateFailed     TaskState = "failed"
)

// 合法状态迁移表
// Failed 之后流水线不再推进，只允许工作区释放后进入 CleanedUp
var transitions = map[TaskState][]TaskState{
	StatePending:    {StateUnpacking, StateFailed, StateCleanedUp},
	StateUnpacking:  {StateScanning, StateFailed},
	StateScanning:   {StateAssembling, StateFailed},
	StateAssembling: {StatePersisted, StateFailed},
	StatePersisted:  {StateCleanedUp},
	StateFailed:     {StateCleanedUp},
}

// CanTransition 判断迁移是否合法
func (s TaskState) CanTransition(to TaskState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 是否为终止状态
func (s TaskState) IsTerminal() bool {
	return s == StateCleanedUp
}

// StateMachine 单个任务的状态机，只由所属任务访问
type StateMachine struct {
	current TaskState
	history []TaskState
}

// NewStateMachine 创建处于 Pending 的状态机
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StatePending, history: []TaskState{StatePending}}
}

// Transition 迁移到下一个状态
func (m *StateMachine) Transition(to TaskState) error {
	if !m.current.CanTransition(to) {
		return fmt.Errorf("illegal task transition %s -> %s", m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}

func (m *StateMachine) Current() TaskState {
	return m.current
}

// Failed 流水线是否进入过失败状态
func (m *StateMachine) Failed() bool {
	for _, s := range m.history {
		if s == StateFailed {
			return true
		}
	}
	return false
}

// History 返回状态迁移历史
func (m *StateMachine) History() []TaskState {
	out := make([]TaskState, len(m.history))
	copy(out, m.history)
	return out
}
