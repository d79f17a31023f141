package syncer

import (
	"arenasync/sim"
)

// EventKind 事件类型
type EventKind int

const (
	EventInit EventKind = iota + 1
	EventTimeUpdate
	EventServerState
	EventPlayerAction
)

func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventTimeUpdate:
		return "time_update"
	case EventServerState:
		return "server_state"
	case EventPlayerAction:
		return "player_action"
	default:
		return "unknown"
	}
}

// Event 输入事件。按 Kind 使用对应字段
type Event struct {
	Kind         EventKind
	State        *sim.GameState
	ElapsedTicks float64
	VisibleArea  sim.AABB
	Actions      []sim.Action
}

// InitEvent 无条件替换当前状态
func InitEvent(state *sim.GameState) Event {
	return Event{Kind: EventInit, State: state}
}

// TimeUpdateEvent 推进 elapsedTicks 微秒
func TimeUpdateEvent(elapsedTicks float64, area sim.AABB) Event {
	return Event{Kind: EventTimeUpdate, ElapsedTicks: elapsedTicks, VisibleArea: area}
}

// ServerStateEvent 来自服务端的权威快照
func ServerStateEvent(state *sim.GameState, area sim.AABB) Event {
	return Event{Kind: EventServerState, State: state, VisibleArea: area}
}

// PlayerActionEvent 本地意图，合并到下一次 time update
func PlayerActionEvent(actions []sim.Action, area sim.AABB) Event {
	return Event{Kind: EventPlayerAction, Actions: actions, VisibleArea: area}
}

// ResultKind 结果类型
type ResultKind int

const (
	ResultSuccess ResultKind = iota + 1
	ResultDesyncedSuccess
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultDesyncedSuccess:
		return "desynced_success"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Result Handle 的返回值；Error 时 State 为空
type Result struct {
	Kind  ResultKind
	State *sim.GameState
	Err   error
}

// OK 成功（含 desynced success）
func (r Result) OK() bool {
	return r.Kind == ResultSuccess || r.Kind == ResultDesyncedSuccess
}

// Message 错误文本
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
