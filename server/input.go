package server

import "arenasync/sim"

// Input 客户端输入（意图），由服务端在 Tick 中解释并驱动世界状态
type Input struct {
	PlayerID PlayerID
	Command  sim.Direction
	Seq      int64 // 客户端本地序列号，用于去重与确认
}

// Action 转换为引擎意图
func (in Input) Action() sim.Action {
	return sim.Action{PlayerID: string(in.PlayerID), Kind: sim.ActionMove, Dir: in.Command, Seq: in.Seq}
}
