package sim

import (
	"fmt"
	"hash/fnv"
)

const (
	// ModeCargoRush 收集货箱计分
	ModeCargoRush = "CargoRush"
	// ModeSandbox 无货箱，仅移动
	ModeSandbox = "Sandbox"

	defaultWidth      = 100
	defaultHeight     = 100
	cargoRushCrateCnt = 8
)

// SeedWorld 由 seed/mode 确定性地生成初始世界
func SeedWorld(seed, mode string) *GameState {
	s := &GameState{
		Mode:    mode,
		Seed:    seed,
		Width:   defaultWidth,
		Height:  defaultHeight,
		Ships:   make(map[string]*Ship),
		Players: make(map[string]*Player),
		Crates:  make(map[string]*Crate),
	}
	if mode == ModeCargoRush {
		for i := 0; i < cargoRushCrateCnt; i++ {
			spawnCrate(s)
		}
	}
	return s
}

func spawnCrate(s *GameState) {
	s.CrateSeq++
	id := fmt.Sprintf("crate-%d", s.CrateSeq)
	p := hashPoint(s, "crate", id)
	s.Crates[id] = &Crate{ID: id, X: p.X, Y: p.Y}
}

// hashPoint 由世界身份与标签派生一个确定性坐标。FNV 的低位对末尾字节不敏感，
// 先经 splitmix64 混合，X/Y 各取一次混合结果的高 53 位
func hashPoint(s *GameState, kind, key string) Vec2 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s", s.Seed, s.Mode, kind, key)
	x := mix64(h.Sum64())
	y := mix64(x)
	return Vec2{X: unit(x) * s.Width, Y: unit(y) * s.Height}
}

// mix64 splitmix64 终结器
func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// unit 映射到 [0,1)
func unit(v uint64) float64 {
	return float64(v>>11) / (1 << 53)
}
