package runtime

import (
	"context"

	"OpenPlugin-Server/pkg/plugin"
)

// TaskKind 标识 worker 任务类型。
type TaskKind string

const (
	// TaskRunEventPipeline 由任意一个空闲 worker 执行。
	TaskRunEventPipeline TaskKind = "runEventPipeline"
	// TaskReloadPlugins 广播给所有 worker。
	TaskReloadPlugins TaskKind = "reloadPlugins"
	// TaskTeardownPlugins 在停机时广播给所有 worker。
	TaskTeardownPlugins TaskKind = "teardownPlugins"
)

// Task 是提交给 worker 池的任务。
type Task struct {
	Kind  TaskKind
	Event *plugin.Event
}

// Response 是任务的执行结果。Event 为 nil 且 Err 为 nil 表示事件被插件丢弃。
type Response struct {
	Event *plugin.Event
	Err   error
}

type job struct {
	ctx   context.Context
	task  Task
	reply chan Response
}

func newJob(ctx context.Context, task Task) *job {
	return &job{ctx: ctx, task: task, reply: make(chan Response, 1)}
}
