package replay

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"arenasync/sim"
)

// Interpolator 插值边界
type Interpolator interface {
	Interpolate(a, b *sim.GameState, t float64) (*sim.GameState, error)
}

// Controller 类似媒体播放器的回放控制：播放、暂停、拖动
type Controller struct {
	bundle  *Bundle
	cursor  uint64
	playing bool
	speed   float64
}

// NewController 校验 bundle 后创建控制器，初始位置 0、暂停
func NewController(b *Bundle) (*Controller, error) {
	if b == nil {
		return nil, errors.Wrap(ErrCorruptBundle, "nil bundle")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Controller{bundle: b, speed: 1}, nil
}

func (c *Controller) Bundle() *Bundle { return c.bundle }
func (c *Controller) Position() uint64 { return c.cursor }
func (c *Controller) Duration() uint64 { return c.bundle.EndTick() }
func (c *Controller) Playing() bool { return c.playing }
func (c *Controller) Speed() float64 { return c.speed }
func (c *Controller) Ended() bool { return c.cursor >= c.bundle.EndTick() }

// Play 开始播放；已在末尾时从头开始
func (c *Controller) Play() {
	if c.Ended() {
		c.cursor = 0
	}
	c.playing = true
}

// Pause 暂停
func (c *Controller) Pause() { c.playing = false }

// Toggle 切换播放/暂停
func (c *Controller) Toggle() {
	if c.playing {
		c.Pause()
		return
	}
	c.Play()
}

// SetSpeed 播放倍速，必须为正的有限值
func (c *Controller) SetSpeed(v float64) error {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Newf("replay: invalid speed %v", v)
	}
	c.speed = v
	return nil
}

// Seek 跳转到 tick，越界直接拒绝
func (c *Controller) Seek(tick uint64) error {
	if tick > c.bundle.EndTick() {
		return errors.Wrapf(ErrTickOutOfRange, "seek %d beyond %d", tick, c.bundle.EndTick())
	}
	c.cursor = tick
	return nil
}

// Advance 播放中按墙钟时间推进游标，到末尾自动暂停
func (c *Controller) Advance(d time.Duration) {
	if !c.playing || d <= 0 {
		return
	}
	step := uint64(float64(d.Microseconds()) * c.speed)
	end := c.bundle.EndTick()
	if c.cursor+step >= end {
		c.cursor = end
		c.playing = false
		return
	}
	c.cursor += step
}

// State 游标处的精确状态
func (c *Controller) State() (*sim.GameState, error) {
	return c.bundle.StateAt(c.cursor)
}

// Frame 游标处的插值画面，用于平滑播放
func (c *Controller) Frame(interp Interpolator) (*sim.GameState, error) {
	idx, err := c.bundle.MarkIndex(c.cursor)
	if err != nil {
		return nil, err
	}
	marks := c.bundle.MarksTicks
	if idx == len(marks)-1 || c.cursor == marks[idx] {
		return c.State()
	}
	a, err := c.bundle.stateAtMark(idx)
	if err != nil {
		return nil, err
	}
	b, err := c.bundle.stateAtMark(idx + 1)
	if err != nil {
		return nil, err
	}
	t := float64(c.cursor-marks[idx]) / float64(marks[idx+1]-marks[idx])
	return interp.Interpolate(a, b, t)
}
