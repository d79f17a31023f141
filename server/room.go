package server

import (
	"math/rand"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"arenasync/replay"
	"arenasync/sim"
	"arenasync/wire"
)

// RoomConfig 房间参数；部分字段可通过 /admin/config 热更新
type RoomConfig struct {
	Seed             string
	Mode             string
	TickRate         int     // 世界推进频率
	MaxInputsPerTick int     // 每个玩家每 Tick 接受的输入上限
	RecordEvery      int     // 每隔多少 Tick 录一个回放快照
	RecordLimit      int     // 最多保留的快照数
	SimulateDropProb float64 // 模拟输入丢包
	KeyframeInterval int
	Engine           sim.Config
}

// TickMicros 每个 Tick 推进的模拟时间（微秒）
func (c RoomConfig) TickMicros() uint64 {
	return uint64(1_000_000 / c.TickRate)
}

// DefaultRoomConfig 20 TPS
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Seed:             "123",
		Mode:             sim.ModeCargoRush,
		TickRate:         20,
		MaxInputsPerTick: 4,
		RecordEvery:      20,
		RecordLimit:      600,
		KeyframeInterval: replay.DefaultKeyframeInterval,
		Engine:           sim.DefaultConfig(),
	}
}

type joinRequest struct {
	id   PlayerID
	conn *ClientConn
}

// Room 房间世界：权威状态维护在内存，单线程 Tick 推进
type Room struct {
	ID string

	mu       sync.RWMutex // 保护 state/cfg/recorded，供 HTTP 读取
	cfg      RoomConfig
	state    *sim.GameState
	recorded []*sim.GameState
	tickSeq  uint64

	engine    *sim.Engine
	players   map[PlayerID]*Player
	inputChan chan Input
	joinChan  chan joinRequest
	leaveChan chan PlayerID
	pending   []sim.Action
	rng       *rand.Rand

	metrics *RoomMetrics
	log     *zap.Logger

	tickerStarted bool
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewRoom 创建房间，初始化数据结构
func NewRoom(id string, cfg RoomConfig, log *zap.Logger) *Room {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultRoomConfig().TickRate
	}
	state := sim.SeedWorld(cfg.Seed, cfg.Mode)
	return &Room{
		ID:        id,
		cfg:       cfg,
		state:     state,
		recorded:  []*sim.GameState{state},
		engine:    sim.NewEngine(cfg.Engine),
		players:   make(map[PlayerID]*Player),
		inputChan: make(chan Input, 256), // 足够缓冲，避免网络读阻塞影响 Tick
		joinChan:  make(chan joinRequest, 64),
		leaveChan: make(chan PlayerID, 64),
		rng:       rand.New(rand.NewSource(int64(len(id)) + 1)),
		metrics:   &RoomMetrics{},
		log:       log.With(zap.String("room", id)),
		stop:      make(chan struct{}),
	}
}

// Config 当前配置
func (r *Room) Config() RoomConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// UpdateConfig 在锁内修改可热更新的字段
func (r *Room) UpdateConfig(fn func(*RoomConfig)) RoomConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.cfg)
	return r.cfg
}

// State 当前权威状态（只读引用，每个 Tick 都会被替换）
func (r *Room) State() *sim.GameState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// TickSeq 已执行的 Tick 数
func (r *Room) TickSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tickSeq
}

// Metrics 运行指标
func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// TickMicros 每个 Tick 推进的模拟时间
func (r *Room) TickMicros() uint64 {
	return r.Config().TickMicros()
}

// RequestJoin 请求在 Tick 线程中加入玩家
func (r *Room) RequestJoin(id PlayerID, conn *ClientConn) {
	r.joinChan <- joinRequest{id: id, conn: conn}
}

// RequestLeave 请求在 Tick 线程中移除玩家，避免并发改动房间状态
func (r *Room) RequestLeave(pid PlayerID) {
	// 为保证移除一定生效，这里采用阻塞式写入（通道有容量，避免死锁）
	r.leaveChan <- pid
}

// OnInput 入站输入（不立即改变位置），仅记录意图，等下一次 Tick 处理
func (r *Room) OnInput(in Input) {
	// 不阻塞：输入拥塞时丢弃，保证 Tick 准时
	select {
	case r.inputChan <- in:
	default:
		r.metrics.IncChanFullDiscarded()
	}
}

// BeginTick 同一 Tick 时间线：重置帧内状态
func (r *Room) BeginTick() {
	r.pending = r.pending[:0]
}

// ProcessInputs 处理当前帧的加入、离开与所有输入意图（非阻塞 drain）
func (r *Room) ProcessInputs() {
	cfg := r.Config()
	for {
		select {
		case req := <-r.joinChan:
			r.joinPlayer(req, cfg)
		case pid := <-r.leaveChan:
			r.leavePlayer(pid)
		case in := <-r.inputChan:
			r.acceptInput(in, cfg)
		default:
			return
		}
	}
}

func (r *Room) joinPlayer(req joinRequest, cfg RoomConfig) {
	if old, ok := r.players[req.id]; ok && old.Conn != nil {
		old.Conn.Close()
	}
	burst := cfg.MaxInputsPerTick
	if burst <= 0 {
		burst = 1
	}
	r.players[req.id] = &Player{
		ID:       req.id,
		NeedInit: true,
		limiter:  rate.NewLimiter(rate.Limit(burst*cfg.TickRate), burst),
		Conn:     req.conn,
	}
	r.pending = append(r.pending, sim.Action{PlayerID: string(req.id), Kind: sim.ActionJoin})
	r.log.Info("player joined", zap.String("player", string(req.id)))
}

func (r *Room) leavePlayer(pid PlayerID) {
	p, ok := r.players[pid]
	if !ok {
		return
	}
	if p.Conn != nil {
		p.Conn.Close()
	}
	delete(r.players, pid)
	r.pending = append(r.pending, sim.Action{PlayerID: string(pid), Kind: sim.ActionLeave})
	r.log.Info("player left", zap.String("player", string(pid)))
}

func (r *Room) acceptInput(in Input, cfg RoomConfig) {
	p, ok := r.players[in.PlayerID]
	if !ok {
		return
	}
	if cfg.SimulateDropProb > 0 && r.rng.Float64() < cfg.SimulateDropProb {
		r.metrics.IncDropsSimulated()
		return
	}
	if in.Seq != 0 && in.Seq <= p.LastSeq {
		r.metrics.IncOldSeqIgnored()
		return
	}
	if !p.limiter.Allow() {
		r.metrics.IncRateLimited()
		return
	}
	if in.Seq != 0 {
		p.LastSeq = in.Seq
	}
	r.pending = append(r.pending, in.Action())
	r.metrics.IncAccepted()
}

// UpdateWorld 用权威引擎推进一个 Tick
func (r *Room) UpdateWorld() error {
	r.mu.RLock()
	cur := r.state
	cfg := r.cfg
	r.mu.RUnlock()

	in := cur
	if len(r.pending) > 0 {
		in = cur.Clone()
		in.Actions = append(in.Actions, r.pending...)
	}
	next, err := r.engine.Advance(in, cfg.TickMicros(), sim.WorldArea(cur), false)
	if err != nil {
		return errors.Wrapf(err, "room %s advance", r.ID)
	}

	r.mu.Lock()
	r.state = next
	r.tickSeq++
	if cfg.RecordEvery > 0 && r.tickSeq%uint64(cfg.RecordEvery) == 0 {
		r.recorded = append(r.recorded, next)
		if cfg.RecordLimit > 0 && len(r.recorded) > cfg.RecordLimit {
			r.recorded = r.recorded[len(r.recorded)-cfg.RecordLimit:]
		}
		r.metrics.IncRecorded()
	}
	r.mu.Unlock()
	return nil
}

// Broadcast 将当前世界状态广播给所有玩家；新加入的玩家收到 init
func (r *Room) Broadcast() {
	state, tick := r.State(), r.TickSeq()
	stateMsg, err := wire.EncodeServer(wire.TypeState, tick, state)
	if err != nil {
		r.log.Error("encode state", zap.Error(err))
		return
	}
	var initMsg []byte
	sent := 0
	for _, p := range r.players {
		if p.Conn == nil {
			continue
		}
		msg := stateMsg
		if p.NeedInit {
			if initMsg == nil {
				if initMsg, err = wire.EncodeServer(wire.TypeInit, tick, state); err != nil {
					r.log.Error("encode init", zap.Error(err))
					return
				}
			}
			msg = initMsg
			p.NeedInit = false
		}
		p.Conn.Enqueue(msg)
		sent++
	}
	r.metrics.AddBroadcasts(sent)
}

// Replay 把录制的快照打包成回放
func (r *Room) Replay(name string, diffMode bool) (*replay.Bundle, error) {
	r.mu.RLock()
	states := append([]*sim.GameState(nil), r.recorded...)
	interval := r.cfg.KeyframeInterval
	r.mu.RUnlock()
	return replay.Pack(states, name, diffMode, replay.WithKeyframeInterval(interval))
}

// PlayerCount 在线玩家数（仅 Tick 线程或测试中调用）
func (r *Room) PlayerCount() int { return len(r.players) }
