package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"arenasync/wire"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxPayload = 1 << 20
)

// ClientConn 单个 WS 连接的发送端：Tick 线程只入队，写协程负责真正的 IO
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte
	log  *zap.Logger
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{ws: ws, send: make(chan []byte, 64), log: zap.NewNop()}
}

// Enqueue 非阻塞入队，队列满时丢弃；客户端靠下一份快照追上
func (c *ClientConn) Enqueue(b []byte) {
	if c.send == nil {
		return
	}
	select {
	case c.send <- b:
	default:
		c.log.Debug("send queue full, snapshot dropped")
	}
}

// Close 只在 Tick 线程调用；关闭队列后写协程发送关闭帧并断开
func (c *ClientConn) Close() {
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

// writePump 写出队列中的消息，并定期 ping 保活
func (c *ClientConn) writePump(send <-chan []byte) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump 把上行意图转成 Input 交给房间；退出时请求离开
func (c *ClientConn) readPump(room *Room, playerID PlayerID) {
	defer room.RequestLeave(playerID)
	c.ws.SetReadLimit(maxPayload)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		im, err := wire.DecodeInput(payload)
		if err != nil {
			c.log.Debug("ignored input", zap.Error(err))
			continue
		}
		room.OnInput(Input{PlayerID: playerID, Command: im.Direction(), Seq: im.Seq})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 演示环境：允许所有来源
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS WebSocket 接入：?room=room-1&player=alice
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := roomParam(r)
	playerID := r.URL.Query().Get("player")
	if playerID == "" {
		http.Error(w, "missing player query", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("upgrade error", zap.Error(err))
		return
	}

	room := h.Manager.GetOrCreateRoom(roomID)
	client := NewClientConn(ws)
	client.log = h.Log.With(zap.String("room", roomID), zap.String("player", playerID))
	go client.writePump(client.send)
	room.RequestJoin(PlayerID(playerID), client)
	go client.readPump(room, PlayerID(playerID))
}
