package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"arenasync/sim"
	"arenasync/wire"
)

const writeWait = 5 * time.Second

// Conn WebSocket 传输：读循环把服务端消息交给 Session，
// Session 的意图通过 sendMove 上行
type Conn struct {
	ws      *websocket.Conn
	session *Session
	log     *zap.Logger

	writeMu sync.Mutex
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// Dial 连接服务端并挂到会话上。base 形如 ws://host:port/ws
func Dial(ctx context.Context, base, room string, s *Session) (*Conn, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "parse server url %q", base)
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("player", s.Player())
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", u.Redacted())
	}
	c := &Conn{
		ws:      ws,
		session: s,
		log:     s.log.With(zap.String("room", room)),
		done:    make(chan struct{}),
	}
	s.SetSender(c.sendMove)
	go c.readLoop()
	return c, nil
}

// Done 读循环结束时关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 读循环退出原因
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErr(errors.Wrap(err, "read"))
			}
			return
		}
		msg, err := wire.DecodeServer(raw)
		if err != nil {
			c.log.Warn("dropping undecodable server message", zap.Error(err))
			continue
		}
		if err := c.session.Deliver(msg); err != nil {
			c.log.Warn("inbox full, server message dropped", zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) sendMove(dir sim.Direction, seq int64) error {
	b, err := wire.EncodeMove(dir, seq)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Close 发送关闭帧并等待读循环退出
func (c *Conn) Close() error {
	c.session.SetSender(nil)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	return c.ws.Close()
}
