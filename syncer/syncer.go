// Package syncer 实现客户端的状态协调状态机：把本地预测的时间推进、
// 服务端权威快照与玩家意图合并成一条因果一致的观测状态。
//
// Syncer 不是并发安全的，调用方必须串行地投递事件。
package syncer

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"arenasync/sim"
)

var (
	ErrNotInitialized  = errors.New("syncer: not initialized")
	ErrSessionErrored  = errors.New("syncer: session errored, re-init required")
	ErrUnknownEvent    = errors.New("syncer: unknown event kind")
	ErrInvalidElapsed  = errors.New("syncer: invalid elapsed ticks")
	ErrNilState        = errors.New("syncer: event carries no state")
	ErrTimeNotAdvanced = errors.New("syncer: engine did not advance time")
	ErrEngineFailure   = errors.New("syncer: engine failure")
)

// Status 状态机所处阶段
type Status int

const (
	StatusUninitialized Status = iota
	StatusSynced
	StatusDesynced
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusDesynced:
		return "desynced"
	case StatusErrored:
		return "errored"
	default:
		return "uninitialized"
	}
}

// Config 容差参数
type Config struct {
	// Epsilon 位置差不超过它视为浮点噪声（世界单位）
	Epsilon float64
	// MaxDriftPerTick 每微秒允许的漂移，超过才记 desync 违规
	MaxDriftPerTick float64
	// ActionQueueLimit 两次 time update 之间最多排队的意图数
	ActionQueueLimit int
}

// DefaultConfig 1e-6 单位的噪声容差，约 10 单位/秒的漂移预算
func DefaultConfig() Config {
	return Config{
		Epsilon:          1e-6,
		MaxDriftPerTick:  1e-5,
		ActionQueueLimit: 256,
	}
}

// Option 可选项
type Option func(*Syncer)

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock 注入日志时间来源
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// Syncer 持有唯一的当前状态；每次成功转移都替换引用，从不原地修改
type Syncer struct {
	sim sim.Simulator
	cfg Config
	log *zap.Logger
	now func() time.Time

	status    Status
	current   *sim.GameState
	pending   []sim.Action
	authority *sim.GameState // 落后于本地的权威快照，等下一次 time update 协调

	violations []Violation
	entries    []LogEntry
	seq        uint64
	note       string
}

// New 创建状态机
func New(engine sim.Simulator, cfg Config, opts ...Option) *Syncer {
	def := DefaultConfig()
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.MaxDriftPerTick < 0 {
		cfg.MaxDriftPerTick = def.MaxDriftPerTick
	}
	if cfg.ActionQueueLimit <= 0 {
		cfg.ActionQueueLimit = def.ActionQueueLimit
	}
	s := &Syncer{
		sim: engine,
		cfg: cfg,
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe 当前观测状态，只读；下一次成功 Handle 前引用保持不变
func (s *Syncer) Observe() *sim.GameState { return s.current }

// Status 当前阶段
func (s *Syncer) Status() Status { return s.status }

// PendingActions 已排队、尚未合并的意图数
func (s *Syncer) PendingActions() int { return len(s.pending) }

// FlushViolations 取出并清空违规列表
func (s *Syncer) FlushViolations() []Violation {
	out := s.violations
	s.violations = nil
	return out
}

// FlushLog 取出并清空事件日志
func (s *Syncer) FlushLog() []LogEntry {
	out := s.entries
	s.entries = nil
	return out
}

// Handle 按到达顺序处理一个事件。错误以 ResultError 返回，从不 panic
func (s *Syncer) Handle(ev Event) (res Result) {
	s.note = ""
	defer func() { s.record(ev, res) }()

	switch ev.Kind {
	case EventInit, EventTimeUpdate, EventServerState, EventPlayerAction:
	default:
		return s.fatal(errors.Wrapf(ErrUnknownEvent, "kind %d", int(ev.Kind)))
	}
	if ev.Kind == EventInit {
		return s.handleInit(ev)
	}
	switch s.status {
	case StatusUninitialized:
		return Result{Kind: ResultError, Err: errors.Wrapf(ErrNotInitialized, "%s before init", ev.Kind)}
	case StatusErrored:
		return Result{Kind: ResultError, Err: ErrSessionErrored}
	}

	switch ev.Kind {
	case EventTimeUpdate:
		return s.handleTimeUpdate(ev)
	case EventServerState:
		return s.handleServerState(ev)
	default:
		return s.handlePlayerAction(ev)
	}
}

func (s *Syncer) handleInit(ev Event) Result {
	if ev.State == nil {
		return s.fatal(errors.Wrap(ErrNilState, "init"))
	}
	if dropped := len(s.pending); dropped > 0 {
		s.log.Info("init discards queued actions", zap.Int("count", dropped))
	}
	s.current = ev.State.Clone()
	s.pending = nil
	s.authority = nil
	s.violations = nil
	s.entries = nil
	s.status = StatusSynced
	return Result{Kind: ResultSuccess, State: s.current}
}

func (s *Syncer) handleTimeUpdate(ev Event) Result {
	ticks, err := elapsedTicks(ev.ElapsedTicks)
	if err != nil {
		return s.fatal(err)
	}
	if err := ev.VisibleArea.Validate(); err != nil {
		return s.fatal(err)
	}
	if ticks == 0 {
		s.note = "zero elapsed"
		return s.ok()
	}

	prev := s.current
	actions := s.pending
	next, err := s.advance(withActions(prev, actions), ticks, ev.VisibleArea)
	if err != nil {
		s.violate(ViolationEngineFailure, ev.Kind, err.Error())
		return s.fatal(err)
	}
	if next.Millis < prev.Millis || next.TimeMicros() <= prev.TimeMicros() {
		msg := errors.Newf("time %dus -> %dus", prev.TimeMicros(), next.TimeMicros()).Error()
		s.violate(ViolationTimeRegression, ev.Kind, msg)
		return s.fatal(errors.Wrap(ErrTimeNotAdvanced, msg))
	}
	s.pending = nil

	if s.authority == nil {
		s.current = next
		return s.ok()
	}

	auth := s.authority
	s.authority = nil
	window := next.TimeMicros() - auth.TimeMicros()
	replayed, err := s.advance(withActions(auth, actions), window, ev.VisibleArea)
	if err != nil {
		s.violate(ViolationEngineFailure, ev.Kind, err.Error())
		return s.fatal(err)
	}
	return s.reconcile(next, replayed, window, ev.Kind)
}

// reconcile 比较本地预测与快进后的权威轨迹；超出容差时采用权威轨迹
func (s *Syncer) reconcile(predicted, authoritative *sim.GameState, window uint64, kind EventKind) Result {
	drift := sim.Drift(predicted, authoritative)
	if drift <= s.cfg.Epsilon {
		if s.status == StatusDesynced {
			s.log.Info("resynced", zap.Uint64("millis", predicted.Millis))
		}
		s.status = StatusSynced
		s.current = predicted
		return Result{Kind: ResultSuccess, State: s.current}
	}

	s.status = StatusDesynced
	s.current = authoritative
	s.note = "adopted authoritative trajectory"
	if budget := s.cfg.MaxDriftPerTick * float64(window); drift > budget {
		s.violate(ViolationDesync, kind, errors.Newf("drift %g exceeds budget %g over %dus", drift, budget, window).Error())
	}
	return Result{Kind: ResultDesyncedSuccess, State: s.current}
}

func (s *Syncer) handleServerState(ev Event) Result {
	if ev.State == nil {
		return s.fatal(errors.Wrap(ErrNilState, "server state"))
	}
	if err := ev.VisibleArea.Validate(); err != nil {
		return s.fatal(err)
	}
	if !ev.State.SameWorld(s.current) {
		return s.fatal(errors.Wrapf(sim.ErrIdentityMismatch, "server %s/%s, local %s/%s",
			ev.State.Seed, ev.State.Mode, s.current.Seed, s.current.Mode))
	}

	incoming := ev.State.Clone()
	local := s.current.TimeMicros()
	switch at := incoming.TimeMicros(); {
	case at > local:
		s.current = incoming
		s.authority = nil
		s.status = StatusSynced
		s.note = "authoritative state ahead; applied"
		return Result{Kind: ResultSuccess, State: s.current}
	case at == local:
		return s.reconcile(s.current, incoming, 0, ev.Kind)
	default:
		if s.authority != nil && at < s.authority.TimeMicros() {
			s.violate(ViolationStaleAuthority, ev.Kind,
				errors.Newf("authoritative %dus older than buffered %dus", at, s.authority.TimeMicros()).Error())
			return s.ok()
		}
		s.authority = incoming
		s.note = "authoritative state behind local; buffered"
		return s.ok()
	}
}

func (s *Syncer) handlePlayerAction(ev Event) Result {
	if err := ev.VisibleArea.Validate(); err != nil {
		return s.fatal(err)
	}
	for _, a := range ev.Actions {
		if len(s.pending) >= s.cfg.ActionQueueLimit {
			dropped := s.pending[0]
			s.pending = s.pending[1:]
			s.violate(ViolationActionDropped, ev.Kind,
				errors.Newf("queue full, dropped %s/%s seq=%d", dropped.PlayerID, dropped.Kind, dropped.Seq).Error())
		}
		s.pending = append(s.pending, a)
	}
	return s.ok()
}

// advance 引擎边界：错误与 panic 都转换成 error
func (s *Syncer) advance(st *sim.GameState, ticks uint64, area sim.AABB) (next *sim.GameState, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = errors.Wrapf(ErrEngineFailure, "panic: %v", r)
		}
	}()
	next, err = s.sim.Advance(st, ticks, area, true)
	if err != nil {
		// 主链是 ErrEngineFailure，标准库 errors.Is 也能匹配；引擎原始错误作为次要错误保留
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrEngineFailure, "advance: %v", err), err)
	}
	if next == nil {
		return nil, errors.Wrap(ErrEngineFailure, "engine returned nil state")
	}
	return next, nil
}

func (s *Syncer) ok() Result {
	kind := ResultSuccess
	if s.status == StatusDesynced {
		kind = ResultDesyncedSuccess
	}
	return Result{Kind: kind, State: s.current}
}

func (s *Syncer) fatal(err error) Result {
	s.status = StatusErrored
	s.log.Error("sync session errored", zap.Error(err))
	return Result{Kind: ResultError, Err: err}
}

func (s *Syncer) violate(kind ViolationKind, ev EventKind, msg string) {
	var millis uint64
	if s.current != nil {
		millis = s.current.Millis
	}
	s.violations = append(s.violations, Violation{Kind: kind, Event: ev, Millis: millis, Message: msg})
	s.log.Warn("sync violation", zap.String("kind", string(kind)), zap.String("event", ev.String()), zap.String("detail", msg))
}

func (s *Syncer) record(ev Event, res Result) {
	s.seq++
	e := LogEntry{
		Seq:    s.seq,
		At:     s.now(),
		Event:  ev.Kind,
		Result: res.Kind,
		Status: s.status,
		Note:   s.note,
	}
	if s.current != nil {
		e.Millis = s.current.Millis
	}
	if res.Err != nil {
		e.Note = res.Err.Error()
	}
	s.entries = append(s.entries, e)
	s.log.Debug("sync event",
		zap.Uint64("seq", e.Seq),
		zap.String("event", ev.Kind.String()),
		zap.String("result", res.Kind.String()),
		zap.String("status", s.status.String()),
		zap.Uint64("millis", e.Millis))
}

// withActions 把排队的意图合并进状态副本；无意图时直接复用原引用
func withActions(st *sim.GameState, actions []sim.Action) *sim.GameState {
	if len(actions) == 0 {
		return st
	}
	c := st.Clone()
	c.Actions = append(c.Actions, actions...)
	return c
}

func elapsedTicks(v float64) (uint64, error) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 0, errors.Wrapf(ErrInvalidElapsed, "non-finite %v", v)
	case v < 0:
		return 0, errors.Wrapf(ErrInvalidElapsed, "negative %v", v)
	case v != math.Trunc(v):
		return 0, errors.Wrapf(ErrInvalidElapsed, "fractional %v", v)
	case v >= math.MaxUint64:
		return 0, errors.Wrapf(ErrInvalidElapsed, "overflow %v", v)
	}
	return uint64(v), nil
}
