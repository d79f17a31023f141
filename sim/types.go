package sim

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/brunoga/deep/v2"
	"github.com/cockroachdb/errors"
)

var (
	// ErrNilState 传入了空状态
	ErrNilState = errors.New("sim: nil state")
	// ErrInvalidArea visibleArea 不合法（NaN/Inf 或左上角越过右下角）
	ErrInvalidArea = errors.New("sim: invalid visible area")
	// ErrIdentityMismatch 两个状态不属于同一个世界（seed/mode 不同）
	ErrIdentityMismatch = errors.New("sim: state identity mismatch")
)

// Vec2 二维坐标
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AABB 可视区域，限制客户端需要推进的实体
type AABB struct {
	TopLeft     Vec2 `json:"top_left"`
	BottomRight Vec2 `json:"bottom_right"`
}

// Validate 检查区域是否为有限值且方向正确
func (a AABB) Validate() error {
	for _, v := range []float64{a.TopLeft.X, a.TopLeft.Y, a.BottomRight.X, a.BottomRight.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidArea, "non-finite coordinate %v", v)
		}
	}
	if a.TopLeft.X > a.BottomRight.X || a.TopLeft.Y > a.BottomRight.Y {
		return errors.Wrapf(ErrInvalidArea, "top_left %+v beyond bottom_right %+v", a.TopLeft, a.BottomRight)
	}
	return nil
}

// Contains 判断点是否在区域内（含边界）
func (a AABB) Contains(p Vec2) bool {
	return p.X >= a.TopLeft.X && p.X <= a.BottomRight.X &&
		p.Y >= a.TopLeft.Y && p.Y <= a.BottomRight.Y
}

// WorldArea 覆盖整个世界的区域
func WorldArea(s *GameState) AABB {
	return AABB{BottomRight: Vec2{X: s.Width, Y: s.Height}}
}

// Direction 移动意图，在下一次推进时生效
type Direction int

const (
	DirNone Direction = iota
	DirUp
	DirDown
	DirLeft
	DirRight
)

// ParseDirection 解析文本方向，未知值视为 DirNone
func ParseDirection(s string) Direction {
	switch s {
	case "up":
		return DirUp
	case "down":
		return DirDown
	case "left":
		return DirLeft
	case "right":
		return DirRight
	default:
		return DirNone
	}
}

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirDown:
		return "down"
	case DirLeft:
		return "left"
	case DirRight:
		return "right"
	default:
		return "none"
	}
}

// ActionKind 动作类型
type ActionKind string

const (
	ActionJoin  ActionKind = "join"
	ActionLeave ActionKind = "leave"
	ActionMove  ActionKind = "move"
)

// Action 玩家意图，排队到下一次 Advance 的第一帧执行
type Action struct {
	PlayerID string     `json:"player_id"`
	Kind     ActionKind `json:"kind"`
	Dir      Direction  `json:"dir,omitempty"`
	Seq      int64      `json:"seq,omitempty"`
}

// Ship 玩家操控的飞船
type Ship struct {
	ID      string  `json:"id"`
	OwnerID string  `json:"owner_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	Cargo   int     `json:"cargo"`
}

// Pos 飞船位置
func (s *Ship) Pos() Vec2 { return Vec2{X: s.X, Y: s.Y} }

// Player 玩家记录
type Player struct {
	ID     string `json:"id"`
	ShipID string `json:"ship_id"`
	Score  int    `json:"score"`
}

// Crate CargoRush 模式中的货箱
type Crate struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// GameState 模拟快照。核心只把它当值类型使用：替换，不原地修改
type GameState struct {
	Mode        string             `json:"mode"`
	Seed        string             `json:"seed"`
	Millis      uint64             `json:"millis"`
	CarryMicros uint64             `json:"carry_micros"`
	Frame       uint64             `json:"frame"`
	Width       float64            `json:"width"`
	Height      float64            `json:"height"`
	CrateSeq    uint64             `json:"crate_seq"`
	Ships       map[string]*Ship   `json:"ships,omitempty"`
	Players     map[string]*Player `json:"players,omitempty"`
	Crates      map[string]*Crate  `json:"crates,omitempty"`
	Actions     []Action           `json:"actions,omitempty"`
}

// TimeMicros 模拟时间（微秒），包含尚未凑满一帧的余量
func (s *GameState) TimeMicros() uint64 {
	return s.Millis*1000 + s.CarryMicros
}

// SameWorld 判断两个状态是否来自同一个 seed/mode
func (s *GameState) SameWorld(o *GameState) bool {
	return s.Seed == o.Seed && s.Mode == o.Mode
}

// Clone 深拷贝
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	c := deep.MustCopy(*s)
	return &c
}

// Encode 规范化 JSON 编码（map 键有序），用于比较与传输
func (s *GameState) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode game state")
	}
	return b, nil
}

// Equal 逐字节比较两个状态的规范编码
func (s *GameState) Equal(o *GameState) bool {
	if s == nil || o == nil {
		return s == o
	}
	a, errA := s.Encode()
	b, errB := o.Encode()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Decode 从 JSON 还原状态
func Decode(b []byte) (*GameState, error) {
	var s GameState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "decode game state")
	}
	return &s, nil
}
