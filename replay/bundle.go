// Package replay 把一串 GameState 打包成可寻址的时间线（原始帧或差分），
// 并能在任意已记录的 tick 上精确还原状态。
package replay

import (
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"arenasync/sim"
)

// TicksPerMilli 1ms = 1000 tick（微秒）
const TicksPerMilli = 1000

// DefaultKeyframeInterval 差分模式下每隔多少个 mark 存一个完整关键帧
const DefaultKeyframeInterval = 10

var (
	ErrEmpty              = errors.New("replay: no states to pack")
	ErrMarksNotIncreasing = errors.New("replay: marks not strictly increasing")
	ErrTickOutOfRange     = errors.New("replay: tick out of range")
	ErrCorruptBundle      = errors.New("replay: corrupt bundle")
)

// Bundle 打包后的回放。除 CurrentState 外不可变
type Bundle struct {
	Name             string                 `json:"name"`
	DiffMode         bool                   `json:"diff_mode"`
	KeyframeInterval int                    `json:"keyframe_interval,omitempty"`
	InitialState     *sim.GameState         `json:"initial_state"`
	Frames           []*sim.GameState       `json:"frames,omitempty"`
	Keyframes        map[int]*sim.GameState `json:"keyframes,omitempty"`
	Diffs            []json.RawMessage      `json:"diffs,omitempty"` // Diffs[i]: mark i -> mark i+1
	MarksTicks       []uint64               `json:"marks_ticks"`
	MaxTimeMs        uint64                 `json:"max_time_ms"`
	CurrentState     *sim.GameState         `json:"current_state,omitempty"`
}

// PackOption 打包选项
type PackOption func(*packOptions)

type packOptions struct {
	keyframeInterval int
}

// WithKeyframeInterval 设置关键帧间隔，<=0 表示只有首帧
func WithKeyframeInterval(n int) PackOption {
	return func(o *packOptions) { o.keyframeInterval = n }
}

// Pack 打包状态序列。原始模式下每个状态一帧；差分模式下中间状态存为
// 相对上一个 mark 的 Delta，打包时逐个校验还原结果，不一致的位置存关键帧。
func Pack(states []*sim.GameState, name string, diffMode bool, opts ...PackOption) (*Bundle, error) {
	o := packOptions{keyframeInterval: DefaultKeyframeInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if len(states) == 0 {
		return nil, ErrEmpty
	}
	initial := states[0]
	marks := make([]uint64, len(states))
	for i, s := range states {
		if s == nil {
			return nil, errors.Wrapf(sim.ErrNilState, "state %d", i)
		}
		if !s.SameWorld(initial) {
			return nil, errors.Wrapf(sim.ErrIdentityMismatch, "state %d", i)
		}
		if i > 0 && s.Millis <= states[i-1].Millis {
			return nil, errors.Wrapf(ErrMarksNotIncreasing, "state %d at %dms after %dms", i, s.Millis, states[i-1].Millis)
		}
		marks[i] = (s.Millis - initial.Millis) * TicksPerMilli
	}

	b := &Bundle{
		Name:         name,
		DiffMode:     diffMode,
		InitialState: initial.Clone(),
		MarksTicks:   marks,
		MaxTimeMs:    states[len(states)-1].Millis - initial.Millis,
	}
	if !diffMode {
		b.Frames = make([]*sim.GameState, len(states))
		for i, s := range states {
			b.Frames[i] = s.Clone()
		}
		return b, nil
	}

	b.KeyframeInterval = o.keyframeInterval
	b.Keyframes = map[int]*sim.GameState{0: initial.Clone()}
	b.Diffs = make([]json.RawMessage, len(states)-1)
	for i := 1; i < len(states); i++ {
		if o.keyframeInterval > 0 && i%o.keyframeInterval == 0 {
			b.Keyframes[i] = states[i].Clone()
			continue
		}
		raw, ok := packDiff(states[i-1], states[i])
		if !ok {
			b.Keyframes[i] = states[i].Clone()
			continue
		}
		b.Diffs[i-1] = raw
	}
	return b, nil
}

// packDiff 编码差分，并把解码结果应用到 prev 上校验；任何失败（包括 panic）都返回 false，
// 调用方改存关键帧
func packDiff(prev, cur *sim.GameState) (raw json.RawMessage, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			raw, ok = nil, false
		}
	}()
	raw, err := encodeDelta(Diff(prev, cur))
	if err != nil {
		return nil, false
	}
	got, err := applyDiff(prev, raw)
	if err != nil || !got.Equal(cur) {
		return nil, false
	}
	return raw, true
}

func applyDiff(base *sim.GameState, raw json.RawMessage) (*sim.GameState, error) {
	d, err := decodeDelta(raw)
	if err != nil {
		return nil, err
	}
	return d.Apply(base), nil
}

// EndTick 最后一个 mark
func (b *Bundle) EndTick() uint64 { return b.MaxTimeMs * TicksPerMilli }

// Validate 检查打包不变量
func (b *Bundle) Validate() error {
	n := len(b.MarksTicks)
	switch {
	case b.InitialState == nil:
		return errors.Wrap(ErrCorruptBundle, "missing initial state")
	case n == 0:
		return errors.Wrap(ErrCorruptBundle, "no marks")
	case b.MarksTicks[0] != 0:
		return errors.Wrapf(ErrCorruptBundle, "first mark %d != 0", b.MarksTicks[0])
	case b.MarksTicks[n-1] != b.EndTick():
		return errors.Wrapf(ErrCorruptBundle, "last mark %d != max_time_ms*1000 (%d)", b.MarksTicks[n-1], b.EndTick())
	}
	for i := 1; i < n; i++ {
		if b.MarksTicks[i] <= b.MarksTicks[i-1] {
			return errors.Wrapf(ErrMarksNotIncreasing, "mark %d", i)
		}
	}
	if !b.DiffMode {
		if len(b.Frames) != n {
			return errors.Wrapf(ErrCorruptBundle, "%d frames for %d marks", len(b.Frames), n)
		}
		return nil
	}
	if len(b.Diffs) != n-1 {
		return errors.Wrapf(ErrCorruptBundle, "%d diffs for %d marks", len(b.Diffs), n)
	}
	if b.Keyframes[0] == nil {
		return errors.Wrap(ErrCorruptBundle, "missing keyframe 0")
	}
	for i := 1; i < n; i++ {
		if b.Keyframes[i] == nil && missing(b.Diffs[i-1]) {
			return errors.Wrapf(ErrCorruptBundle, "mark %d has neither keyframe nor diff", i)
		}
	}
	return nil
}

// MarkIndex tick 所在的 mark：最后一个 <= tick 的 mark
func (b *Bundle) MarkIndex(tick uint64) (int, error) {
	if tick > b.EndTick() {
		return 0, errors.Wrapf(ErrTickOutOfRange, "tick %d beyond %d", tick, b.EndTick())
	}
	i := sort.Search(len(b.MarksTicks), func(i int) bool { return b.MarksTicks[i] > tick })
	return i - 1, nil
}

// StateAt 还原 tick 时刻的状态。超出 [0, max_time_ms*1000] 的 tick 直接拒绝；
// 两个 mark 之间的 tick 返回前一个 mark 的状态。返回值是独立副本。
func (b *Bundle) StateAt(tick uint64) (*sim.GameState, error) {
	idx, err := b.MarkIndex(tick)
	if err != nil {
		return nil, err
	}
	s, err := b.stateAtMark(idx)
	if err != nil {
		return nil, err
	}
	b.CurrentState = s
	return s.Clone(), nil
}

// StateAt 等价于 b.StateAt(tick)
func StateAt(b *Bundle, tick uint64) (*sim.GameState, error) {
	return b.StateAt(tick)
}

func (b *Bundle) stateAtMark(idx int) (*sim.GameState, error) {
	if idx == 0 {
		return b.InitialState.Clone(), nil
	}
	if !b.DiffMode {
		return b.Frames[idx].Clone(), nil
	}
	base := idx
	for base > 0 && b.Keyframes[base] == nil {
		base--
	}
	s := b.Keyframes[base].Clone()
	if s == nil {
		return nil, errors.Wrapf(ErrCorruptBundle, "no keyframe at or before mark %d", idx)
	}
	for i := base; i < idx; i++ {
		if missing(b.Diffs[i]) {
			return nil, errors.Wrapf(ErrCorruptBundle, "missing diff %d", i)
		}
		next, err := applyDiff(s, b.Diffs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "mark %d", i+1)
		}
		s = next
	}
	return s, nil
}

// missing 关键帧位置的差分为空，经过 JSON 往返后变成 null
func missing(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Encode JSON 编码
func (b *Bundle) Encode() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "encode bundle")
	}
	return raw, nil
}

// Decode 解码并校验
func Decode(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrap(err, "decode bundle")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
