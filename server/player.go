package server

import "golang.org/x/time/rate"

// PlayerID 表示玩家唯一标识
type PlayerID string

// Player 房间内的连接记录；飞船位置等权威状态保存在 GameState 中
type Player struct {
	ID       PlayerID
	LastSeq  int64         // 已处理的最大客户端序列号
	NeedInit bool          // 下一次广播发送完整 init 消息
	limiter  *rate.Limiter // 每 Tick 输入限流

	Conn *ClientConn // 网络连接的发送端（写协程）
}
