package runtime

import (
	"fmt"
	"slices"

	xerrors "OpenPlugin-Server/internal/errors"
)

// State 是插件实例的生命周期状态。
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
	StateTearingDown
	StateTornDown
	StateDiscarded
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateFailed:        "failed",
	StateTearingDown:   "tearing_down",
	StateTornDown:      "torn_down",
	StateDiscarded:     "discarded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// validTransitions 列出允许的状态迁移，未列出的迁移一律拒绝。
// 从未初始化的实例不会进入 TornDown，只会被丢弃（Discarded），插件的 teardown 不会执行。
// Initializing 回到 Uninitialized 仅发生在 setup 期间存储后端不可用时，下次调用会重新初始化。
var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateDiscarded},
	StateInitializing:  {StateReady, StateFailed, StateUninitialized},
	StateReady:         {StateTearingDown},
	StateFailed:        {StateTornDown},
	StateTearingDown:   {StateTornDown},
	StateTornDown:      {},
	StateDiscarded:     {},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

func transitionError(from, to State) error {
	return xerrors.New(CodeInvalidTransition, fmt.Sprintf("非法的实例状态迁移 %s -> %s", from, to))
}
