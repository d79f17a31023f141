package syncer

import "time"

// ViolationKind 不变量破坏类型
type ViolationKind string

const (
	ViolationTimeRegression ViolationKind = "time_regression"
	ViolationActionDropped  ViolationKind = "action_dropped"
	ViolationDesync         ViolationKind = "desync"
	ViolationEngineFailure  ViolationKind = "engine_failure"
	ViolationStaleAuthority ViolationKind = "stale_authority"
)

// Violation 诊断记录，只追加，不抛出
type Violation struct {
	Kind    ViolationKind
	Event   EventKind
	Millis  uint64
	Message string
}

// LogEntry 每个事件一条
type LogEntry struct {
	Seq    uint64
	At     time.Time
	Event  EventKind
	Result ResultKind
	Status Status
	Millis uint64
	Note   string
}
