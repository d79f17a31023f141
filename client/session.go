// Package client 组装一个已连接会话：Syncer + Stepper + 当前按下的动作，
// 以显式对象代替全局的动作表与“当前网络状态”。
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arenasync/sim"
	"arenasync/stepper"
	"arenasync/syncer"
	"arenasync/wire"
)

var (
	// ErrSessionFailed syncer 返回 error，调用方需要重连
	ErrSessionFailed = errors.New("client: session failed")
	// ErrInboxFull 入站队列已满
	ErrInboxFull = errors.New("client: inbox full")
)

// Config 会话参数
type Config struct {
	Player      string
	Stepper     stepper.Config
	Syncer      syncer.Config
	VisibleArea sim.AABB
	InboxSize   int
}

// RenderFunc 渲染回调，state 只读
type RenderFunc func(state *sim.GameState, alpha float64) error

// Option 可选项
type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRender(fn RenderFunc) Option {
	return func(s *Session) { s.render = fn }
}

// WithClock 步进器时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session 每个连接一个；事件按到达顺序在物理步中交给 Syncer
type Session struct {
	ID     string
	player string
	area   sim.AABB
	log    *zap.Logger
	render RenderFunc
	now    func() time.Time

	syncMu  sync.Mutex // 串行化对 Syncer 的访问
	syncer  *syncer.Syncer
	stepper *stepper.Stepper

	inbox chan syncer.Event

	mu     sync.Mutex
	active map[sim.Direction]bool
	seq    int64
	sender func(dir sim.Direction, seq int64) error

	observed atomic.Pointer[sim.GameState]
	last     atomic.Value // syncer.ResultKind
}

// New 创建会话
func New(cfg Config, engine sim.Simulator, opts ...Option) (*Session, error) {
	if cfg.Player == "" {
		return nil, errors.New("client: player id required")
	}
	if err := cfg.VisibleArea.Validate(); err != nil {
		return nil, err
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	s := &Session{
		ID:     uuid.NewString(),
		player: cfg.Player,
		area:   cfg.VisibleArea,
		log:    zap.NewNop(),
		now:    time.Now,
		inbox:  make(chan syncer.Event, cfg.InboxSize),
		active: make(map[sim.Direction]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.ID), zap.String("player", s.player))
	s.syncer = syncer.New(engine, cfg.Syncer, syncer.WithLogger(s.log))
	st, err := stepper.New(cfg.Stepper, stepper.Callbacks{
		Physics: s.physics,
		Render:  s.renderFrame,
	}, stepper.WithClock(s.now), stepper.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.stepper = st
	return s, nil
}

// Player 本地玩家 id
func (s *Session) Player() string { return s.player }

// Observe 最近一次成功协调后的状态，只读
func (s *Session) Observe() *sim.GameState { return s.observed.Load() }

// LastResult 最近一次 Syncer 结果类型
func (s *Session) LastResult() syncer.ResultKind {
	k, _ := s.last.Load().(syncer.ResultKind)
	return k
}

// Status 当前 Syncer 阶段
func (s *Session) Status() syncer.Status {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncer.Status()
}

// Stats 步进器计数
func (s *Session) Stats() stepper.Stats { return s.stepper.Stats() }

// FlushViolations 取出违规记录
func (s *Session) FlushViolations() []syncer.Violation {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncer.FlushViolations()
}

// FlushLog 取出事件日志
func (s *Session) FlushLog() []syncer.LogEntry {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncer.FlushLog()
}

// SetSender 设置上行发送函数（传输层）
func (s *Session) SetSender(fn func(dir sim.Direction, seq int64) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = fn
}

// SetVisibleArea 更新视口，下一个物理步生效
func (s *Session) SetVisibleArea(area sim.AABB) error {
	if err := area.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.area = area
	return nil
}

func (s *Session) visibleArea() sim.AABB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.area
}

// Deliver 入站服务端消息，排队到下一个物理步
func (s *Session) Deliver(msg wire.ServerMessage) error {
	ev := syncer.ServerStateEvent(msg.State, s.visibleArea())
	if msg.Type == wire.TypeInit {
		ev = syncer.InitEvent(msg.State)
	}
	return s.enqueue(ev)
}

// Press 按下方向键：记录为活动动作，并作为意图排队
func (s *Session) Press(dir sim.Direction) error {
	s.mu.Lock()
	s.active[dir] = true
	s.mu.Unlock()
	return s.intent(dir)
}

// Release 松开方向键：退回到仍按住的方向，否则停止
func (s *Session) Release(dir sim.Direction) error {
	s.mu.Lock()
	delete(s.active, dir)
	next := sim.DirNone
	for _, d := range []sim.Direction{sim.DirUp, sim.DirDown, sim.DirLeft, sim.DirRight} {
		if s.active[d] {
			next = d
			break
		}
	}
	s.mu.Unlock()
	return s.intent(next)
}

// Active 当前按住的方向
func (s *Session) Active() []sim.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sim.Direction, 0, len(s.active))
	for _, d := range []sim.Direction{sim.DirUp, sim.DirDown, sim.DirLeft, sim.DirRight} {
		if s.active[d] {
			out = append(out, d)
		}
	}
	return out
}

func (s *Session) intent(dir sim.Direction) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	send := s.sender
	area := s.area
	s.mu.Unlock()

	action := sim.Action{PlayerID: s.player, Kind: sim.ActionMove, Dir: dir, Seq: seq}
	if err := s.enqueue(syncer.PlayerActionEvent([]sim.Action{action}, area)); err != nil {
		return err
	}
	if send != nil {
		if err := send(dir, seq); err != nil {
			return errors.Wrap(err, "send intent")
		}
	}
	return nil
}

func (s *Session) enqueue(ev syncer.Event) error {
	select {
	case s.inbox <- ev:
		return nil
	default:
		return errors.Wrapf(ErrInboxFull, "%s", ev.Kind)
	}
}

// Step 手动推进一个墙钟节拍（测试或外部驱动）
func (s *Session) Step(now time.Time) error { return s.stepper.Tick(now) }

// Run 由定时器驱动，直到 ctx 结束或会话失败
func (s *Session) Run(ctx context.Context) error { return s.stepper.Run(ctx) }

// RunFrames 由显示刷新信号驱动
func (s *Session) RunFrames(ctx context.Context, frames <-chan time.Time) error {
	return s.stepper.RunFrames(ctx, frames)
}

// physics 先按到达顺序处理入站事件，再推进一个固定步长
func (s *Session) physics(step time.Duration) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	for {
		select {
		case ev := <-s.inbox:
			if s.syncer.Status() == syncer.StatusUninitialized {
				switch ev.Kind {
				case syncer.EventServerState:
					// init 丢失时，第一份权威快照即作为初始状态
					ev = syncer.InitEvent(ev.State)
				case syncer.EventPlayerAction:
					s.log.Debug("actions dropped before init", zap.Int("count", len(ev.Actions)))
					continue
				}
			}
			if err := s.apply(ev); err != nil {
				return err
			}
			continue
		default:
		}
		break
	}
	if s.syncer.Status() == syncer.StatusUninitialized {
		return nil
	}
	return s.apply(syncer.TimeUpdateEvent(float64(step.Microseconds()), s.visibleArea()))
}

func (s *Session) apply(ev syncer.Event) error {
	res := s.syncer.Handle(ev)
	s.last.Store(res.Kind)
	if !res.OK() {
		return errors.Wrapf(ErrSessionFailed, "%s: %s", ev.Kind, res.Message())
	}
	s.observed.Store(res.State)
	return nil
}

func (s *Session) renderFrame(alpha float64) error {
	if s.render == nil {
		return nil
	}
	state := s.Observe()
	if state == nil {
		return nil
	}
	return s.render(state, alpha)
}

// WaitForSeed 轮询观测状态，直到出现指定 seed 或超时
func (s *Session) WaitForSeed(ctx context.Context, seed string, timeout, interval time.Duration) (*sim.GameState, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if st := s.Observe(); st != nil && st.Seed == seed {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for seed %q", seed)
		case <-ticker.C:
		}
	}
}
