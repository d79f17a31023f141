package sim

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

// Simulator 模拟引擎边界：确定性、同步、纯函数
type Simulator interface {
	Advance(state *GameState, elapsedTicks uint64, area AABB, isClient bool) (*GameState, error)
	Interpolate(a, b *GameState, t float64) (*GameState, error)
}

// Config 引擎参数
type Config struct {
	FrameMicros  uint64  // 一帧的微秒数，必须是 1000 的整数倍
	ShipSpeed    float64 // 每秒移动的单位数
	PickupRadius float64
}

// DefaultConfig 16ms 一帧
func DefaultConfig() Config {
	return Config{
		FrameMicros:  16000,
		ShipSpeed:    20,
		PickupRadius: 2,
	}
}

// Engine 参考实现
type Engine struct {
	cfg Config
}

// NewEngine 创建引擎；非法的帧长回退为默认值
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.FrameMicros == 0 || cfg.FrameMicros%1000 != 0 {
		cfg.FrameMicros = def.FrameMicros
	}
	if cfg.ShipSpeed <= 0 {
		cfg.ShipSpeed = def.ShipSpeed
	}
	if cfg.PickupRadius <= 0 {
		cfg.PickupRadius = def.PickupRadius
	}
	return &Engine{cfg: cfg}
}

// FrameMicros 帧长
func (e *Engine) FrameMicros() uint64 { return e.cfg.FrameMicros }

// Advance 推进 elapsedTicks 微秒。只模拟整帧，余量留在 CarryMicros 中，
// 所以 100ms 只推进 96ms，但分段推进与一次推进结果相同。
func (e *Engine) Advance(state *GameState, elapsedTicks uint64, area AABB, isClient bool) (*GameState, error) {
	if state == nil {
		return nil, ErrNilState
	}
	if err := area.Validate(); err != nil {
		return nil, err
	}
	next := state.Clone()
	total := next.CarryMicros + elapsedTicks
	frames := total / e.cfg.FrameMicros
	next.CarryMicros = total % e.cfg.FrameMicros

	for i := uint64(0); i < frames; i++ {
		if i == 0 && len(next.Actions) > 0 {
			e.applyActions(next)
			next.Actions = nil
		}
		e.step(next, area, isClient)
		next.Frame++
		next.Millis += e.cfg.FrameMicros / 1000
	}
	return next, nil
}

// applyActions 按到达顺序执行意图
func (e *Engine) applyActions(s *GameState) {
	if s.Ships == nil {
		s.Ships = make(map[string]*Ship)
	}
	if s.Players == nil {
		s.Players = make(map[string]*Player)
	}
	for _, a := range s.Actions {
		switch a.Kind {
		case ActionJoin:
			if _, ok := s.Players[a.PlayerID]; ok {
				continue
			}
			shipID := "ship-" + a.PlayerID
			p := hashPoint(s, "spawn", a.PlayerID)
			s.Players[a.PlayerID] = &Player{ID: a.PlayerID, ShipID: shipID}
			s.Ships[shipID] = &Ship{ID: shipID, OwnerID: a.PlayerID, X: p.X, Y: p.Y}
		case ActionLeave:
			if p, ok := s.Players[a.PlayerID]; ok {
				delete(s.Ships, p.ShipID)
				delete(s.Players, a.PlayerID)
			}
		case ActionMove:
			p, ok := s.Players[a.PlayerID]
			if !ok {
				continue
			}
			if ship, ok := s.Ships[p.ShipID]; ok {
				ship.VX, ship.VY = e.velocity(a.Dir)
			}
		}
	}
}

func (e *Engine) velocity(d Direction) (float64, float64) {
	switch d {
	case DirUp:
		return 0, -e.cfg.ShipSpeed
	case DirDown:
		return 0, e.cfg.ShipSpeed
	case DirLeft:
		return -e.cfg.ShipSpeed, 0
	case DirRight:
		return e.cfg.ShipSpeed, 0
	default:
		return 0, 0
	}
}

// step 推进一帧：移动、越界裁剪、拾取货箱
func (e *Engine) step(s *GameState, area AABB, isClient bool) {
	dt := float64(e.cfg.FrameMicros) / 1e6
	for _, id := range sortedKeys(s.Ships) {
		ship := s.Ships[id]
		if isClient && !area.Contains(ship.Pos()) {
			continue
		}
		ship.X = clamp(ship.X+ship.VX*dt, 0, s.Width)
		ship.Y = clamp(ship.Y+ship.VY*dt, 0, s.Height)
	}
	if s.Mode != ModeCargoRush || len(s.Crates) == 0 {
		return
	}
	r2 := e.cfg.PickupRadius * e.cfg.PickupRadius
	for _, id := range sortedKeys(s.Ships) {
		ship := s.Ships[id]
		if isClient && !area.Contains(ship.Pos()) {
			continue
		}
		for _, cid := range sortedKeys(s.Crates) {
			c := s.Crates[cid]
			dx, dy := ship.X-c.X, ship.Y-c.Y
			if dx*dx+dy*dy > r2 {
				continue
			}
			delete(s.Crates, cid)
			ship.Cargo++
			if p, ok := s.Players[ship.OwnerID]; ok {
				p.Score++
			}
			spawnCrate(s)
		}
	}
}

// Interpolate 逐实体线性插值位置：t=0 得到 a，t=1 得到 b
func (e *Engine) Interpolate(a, b *GameState, t float64) (*GameState, error) {
	if a == nil || b == nil {
		return nil, ErrNilState
	}
	if !a.SameWorld(b) {
		return nil, errors.Wrapf(ErrIdentityMismatch, "%s/%s vs %s/%s", a.Seed, a.Mode, b.Seed, b.Mode)
	}
	if math.IsNaN(t) {
		return nil, errors.New("sim: interpolation factor is NaN")
	}
	if t <= 0 {
		return a.Clone(), nil
	}
	if t >= 1 {
		return b.Clone(), nil
	}
	out := a.Clone()
	for id, sa := range out.Ships {
		sb, ok := b.Ships[id]
		if !ok {
			continue
		}
		sa.X = lerp(sa.X, sb.X, t)
		sa.Y = lerp(sa.Y, sb.Y, t)
	}
	out.Millis = uint64(math.Round(lerp(float64(a.Millis), float64(b.Millis), t)))
	return out, nil
}

// lerp 写成 a*(1-t)+b*t，t=0.5 时与 (a+b)/2 完全一致
func lerp(a, b, t float64) float64 {
	return a*(1-t) + b*t
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Drift 两个状态中飞船位置的最大切比雪夫距离；飞船集合不同时为 +Inf
func Drift(a, b *GameState) float64 {
	if len(a.Ships) != len(b.Ships) {
		return math.Inf(1)
	}
	var max float64
	for id, sa := range a.Ships {
		sb, ok := b.Ships[id]
		if !ok {
			return math.Inf(1)
		}
		d := math.Max(math.Abs(sa.X-sb.X), math.Abs(sa.Y-sb.Y))
		if d > max {
			max = d
		}
	}
	return max
}

var _ Simulator = (*Engine)(nil)
