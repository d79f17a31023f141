// Package wire 定义客户端与服务端之间的 WebSocket 文本消息（JSON）
package wire

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"arenasync/sim"
)

// 服务端 -> 客户端
const (
	TypeInit  = "init"  // 加入后的第一份完整状态
	TypeState = "state" // 每个 Tick 的权威快照
)

// 客户端 -> 服务端
const (
	TypeMove = "move"
)

// ServerMessage 服务端下发的状态
// 示例：{"type":"state","tick":42,"state":{...}}
type ServerMessage struct {
	Type  string         `json:"type"`
	Tick  uint64         `json:"tick"`
	State *sim.GameState `json:"state"`
}

// InputMessage 客户端上行的意图
// 示例：{"type":"move","command":"up","seq":3}
type InputMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Seq     int64  `json:"seq,omitempty"`
}

// Direction 解析 command 字段
func (m InputMessage) Direction() sim.Direction {
	return sim.ParseDirection(strings.ToLower(m.Command))
}

// EncodeServer 编码下行消息
func EncodeServer(typ string, tick uint64, state *sim.GameState) ([]byte, error) {
	b, err := json.Marshal(ServerMessage{Type: typ, Tick: tick, State: state})
	if err != nil {
		return nil, errors.Wrap(err, "encode server message")
	}
	return b, nil
}

// DecodeServer 解码下行消息，拒绝未知类型与空状态
func DecodeServer(b []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Wrap(err, "decode server message")
	}
	switch m.Type {
	case TypeInit, TypeState:
	default:
		return m, errors.Newf("unknown server message type %q", m.Type)
	}
	if m.State == nil {
		return m, errors.Newf("%s message without state", m.Type)
	}
	return m, nil
}

// EncodeMove 编码移动意图
func EncodeMove(dir sim.Direction, seq int64) ([]byte, error) {
	b, err := json.Marshal(InputMessage{Type: TypeMove, Command: dir.String(), Seq: seq})
	if err != nil {
		return nil, errors.Wrap(err, "encode input message")
	}
	return b, nil
}

// DecodeInput 解码上行消息；type 大小写不敏感，目前只接受 move
func DecodeInput(b []byte) (InputMessage, error) {
	var m InputMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Wrap(err, "decode input message")
	}
	m.Type = strings.ToLower(m.Type)
	if m.Type != TypeMove {
		return m, errors.Newf("unknown input message type %q", m.Type)
	}
	return m, nil
}
