// Package stepper 把物理推进与渲染回调解耦：固定步长的累加器，
// 由单一的墙钟来源驱动。
package stepper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// AccumulatorMode 累加器策略
type AccumulatorMode int

const (
	// Unclamped 经典 fix-your-timestep：积压多少就补多少
	Unclamped AccumulatorMode = iota
	// Clamped 每个滚动窗口内限制物理步数，超出的积压直接丢弃
	Clamped
)

// ReentrancyPolicy 上一次 Tick 未结束时新 Tick 的处理方式
type ReentrancyPolicy int

const (
	// Queue 等待上一次 Tick 完成
	Queue ReentrancyPolicy = iota
	// Skip 直接跳过本次 Tick 并告警
	Skip
)

// DriveSource 驱动来源
type DriveSource int

const (
	// DriveTimer 定时器驱动
	DriveTimer DriveSource = iota
	// DriveFrame 显示刷新信号驱动（vsync）
	DriveFrame
)

// ErrWrongDrive Run/RunFrames 与配置的驱动来源不一致
var ErrWrongDrive = errors.New("stepper: drive source mismatch")

// Config 步进器参数
type Config struct {
	TimeStep    time.Duration
	Accumulator AccumulatorMode
	ClampWindow time.Duration
	Reentrancy  ReentrancyPolicy
	Drive       DriveSource
}

// Callbacks 物理与渲染回调。回调返回的错误会终止调度循环
type Callbacks struct {
	Physics func(step time.Duration) error
	Render  func(alpha float64) error
}

// Stats 运行计数快照
type Stats struct {
	Ticks        uint64
	PhysicsSteps uint64
	Renders      uint64
	SkippedTicks uint64
	DroppedSteps uint64
}

// Option 可选项
type Option func(*Stepper)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Stepper) { s.now = now }
}

// WithLogger 注入日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Stepper) {
		if l != nil {
			s.log = l
		}
	}
}

// Stepper 单一实现，策略由 Config 决定
type Stepper struct {
	cfg Config
	cb  Callbacks
	now func() time.Time
	log *zap.Logger

	mu          sync.Mutex
	started     bool
	lastCheck   time.Time
	accumulator time.Duration
	windowStart time.Time
	windowSteps int

	ticks, physics, renders, skipped, dropped atomic.Uint64
}

// New 创建步进器
func New(cfg Config, cb Callbacks, opts ...Option) (*Stepper, error) {
	if cfg.TimeStep <= 0 {
		return nil, errors.Newf("stepper: time step must be positive, got %s", cfg.TimeStep)
	}
	if cfg.Accumulator == Clamped && cfg.ClampWindow < cfg.TimeStep {
		return nil, errors.Newf("stepper: clamp window %s shorter than time step %s", cfg.ClampWindow, cfg.TimeStep)
	}
	s := &Stepper{
		cfg: cfg,
		cb:  cb,
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config 返回配置
func (s *Stepper) Config() Config { return s.cfg }

// Stats 返回计数快照
func (s *Stepper) Stats() Stats {
	return Stats{
		Ticks:        s.ticks.Load(),
		PhysicsSteps: s.physics.Load(),
		Renders:      s.renders.Load(),
		SkippedTicks: s.skipped.Load(),
		DroppedSteps: s.dropped.Load(),
	}
}

// Tick 处理一次墙钟节拍：补足物理步，然后渲染一次
func (s *Stepper) Tick(now time.Time) error {
	if s.cfg.Reentrancy == Skip {
		if !s.mu.TryLock() {
			s.skipped.Add(1)
			s.log.Warn("tick skipped: previous tick still running")
			return nil
		}
	} else {
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	return s.tickLocked(now)
}

func (s *Stepper) tickLocked(now time.Time) error {
	s.ticks.Add(1)
	if !s.started {
		s.started = true
		s.lastCheck = now
		s.windowStart = now
	}
	frameTime := now.Sub(s.lastCheck)
	if frameTime < 0 {
		frameTime = 0
	}
	s.lastCheck = now
	s.accumulator += frameTime

	maxSteps := 0
	if s.cfg.Accumulator == Clamped {
		maxSteps = int(s.cfg.ClampWindow / s.cfg.TimeStep)
		if now.Sub(s.windowStart) >= s.cfg.ClampWindow {
			s.windowStart = now
			s.windowSteps = 0
		}
	}

	for s.accumulator >= s.cfg.TimeStep {
		if maxSteps > 0 && s.windowSteps >= maxSteps {
			n := s.accumulator / s.cfg.TimeStep
			s.accumulator -= n * s.cfg.TimeStep
			s.dropped.Add(uint64(n))
			s.log.Debug("physics backlog dropped", zap.Int64("steps", int64(n)))
			break
		}
		if s.cb.Physics != nil {
			if err := s.cb.Physics(s.cfg.TimeStep); err != nil {
				return errors.Wrap(err, "physics step")
			}
		}
		s.accumulator -= s.cfg.TimeStep
		s.windowSteps++
		s.physics.Add(1)
	}

	if s.cb.Render != nil {
		alpha := float64(s.accumulator) / float64(s.cfg.TimeStep)
		if err := s.cb.Render(alpha); err != nil {
			return errors.Wrap(err, "render")
		}
	}
	s.renders.Add(1)
	return nil
}

// Run 由定时器驱动，直到 ctx 结束或回调出错
func (s *Stepper) Run(ctx context.Context) error {
	if s.cfg.Drive != DriveTimer {
		return errors.Wrap(ErrWrongDrive, "Run requires DriveTimer")
	}
	ticker := time.NewTicker(s.cfg.TimeStep)
	defer ticker.Stop()
	if err := s.Tick(s.now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(s.now()); err != nil {
				return err
			}
		}
	}
}

// RunFrames 由外部刷新信号驱动，物理仍走固定步长累加器
func (s *Stepper) RunFrames(ctx context.Context, frames <-chan time.Time) error {
	if s.cfg.Drive != DriveFrame {
		return errors.Wrap(ErrWrongDrive, "RunFrames requires DriveFrame")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts, ok := <-frames:
			if !ok {
				return nil
			}
			if err := s.Tick(ts); err != nil {
				return err
			}
		}
	}
}
