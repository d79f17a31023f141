package replay

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"

	"arenasync/sim"
)

// Delta 相邻两个 mark 之间的差分：标量头部整体保存，实体按 id 记录新增/修改与删除。
// 实体都是平坦结构，JSON 往返后类型不变
type Delta struct {
	Millis      uint64  `json:"millis"`
	CarryMicros uint64  `json:"carry_micros"`
	Frame       uint64  `json:"frame"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	CrateSeq    uint64  `json:"crate_seq"`

	Ships          map[string]*sim.Ship   `json:"ships,omitempty"`
	RemovedShips   []string               `json:"removed_ships,omitempty"`
	Players        map[string]*sim.Player `json:"players,omitempty"`
	RemovedPlayers []string               `json:"removed_players,omitempty"`
	Crates         map[string]*sim.Crate  `json:"crates,omitempty"`
	RemovedCrates  []string               `json:"removed_crates,omitempty"`

	Actions []sim.Action `json:"actions,omitempty"`
}

// Diff 计算 prev -> cur 的差分
func Diff(prev, cur *sim.GameState) *Delta {
	d := &Delta{
		Millis:      cur.Millis,
		CarryMicros: cur.CarryMicros,
		Frame:       cur.Frame,
		Width:       cur.Width,
		Height:      cur.Height,
		CrateSeq:    cur.CrateSeq,
		Actions:     append([]sim.Action(nil), cur.Actions...),
	}
	d.Ships, d.RemovedShips = diffEntities(prev.Ships, cur.Ships)
	d.Players, d.RemovedPlayers = diffEntities(prev.Players, cur.Players)
	d.Crates, d.RemovedCrates = diffEntities(prev.Crates, cur.Crates)
	return d
}

// Apply 在 base 的副本上应用差分，base 不变
func (d *Delta) Apply(base *sim.GameState) *sim.GameState {
	out := base.Clone()
	out.Millis = d.Millis
	out.CarryMicros = d.CarryMicros
	out.Frame = d.Frame
	out.Width = d.Width
	out.Height = d.Height
	out.CrateSeq = d.CrateSeq
	out.Actions = append([]sim.Action(nil), d.Actions...)
	out.Ships = applyEntities(out.Ships, d.Ships, d.RemovedShips)
	out.Players = applyEntities(out.Players, d.Players, d.RemovedPlayers)
	out.Crates = applyEntities(out.Crates, d.Crates, d.RemovedCrates)
	return out
}

// Empty 只有时间推进，没有实体变化
func (d *Delta) Empty() bool {
	return len(d.Ships)+len(d.RemovedShips)+len(d.Players)+len(d.RemovedPlayers)+
		len(d.Crates)+len(d.RemovedCrates) == 0
}

func diffEntities[T comparable](prev, cur map[string]*T) (map[string]*T, []string) {
	var upserts map[string]*T
	for id, v := range cur {
		if old, ok := prev[id]; ok && old != nil && v != nil && *old == *v {
			continue
		}
		if upserts == nil {
			upserts = make(map[string]*T)
		}
		if v == nil {
			upserts[id] = nil
			continue
		}
		c := *v
		upserts[id] = &c
	}
	var removed []string
	for _, id := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := cur[id]; !ok {
			removed = append(removed, id)
		}
	}
	return upserts, removed
}

func applyEntities[T any](dst, upserts map[string]*T, removed []string) map[string]*T {
	for _, id := range removed {
		delete(dst, id)
	}
	if len(upserts) > 0 && dst == nil {
		dst = make(map[string]*T, len(upserts))
	}
	for id, v := range upserts {
		if v == nil {
			dst[id] = nil
			continue
		}
		c := *v
		dst[id] = &c
	}
	return dst
}

func encodeDelta(d *Delta) (json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "encode diff")
	}
	return raw, nil
}

func decodeDelta(raw json.RawMessage) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(err, "decode diff")
	}
	return &d, nil
}
