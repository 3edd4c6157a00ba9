package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"deltarena/game"
)

// Handlers 入站消息回调，均可为空。回调在读协程内同步执行
type Handlers struct {
	OnTick    func(game.Tick)
	OnJoined  func(game.Joined)
	OnAffect  func(a game.AffectUpdate, applied []string)
	OnError   func(game.ErrorContent)
	OnMessage func(msgType string, content json.RawMessage)
}

// Conn 与服务端的 WebSocket 连接，入站快照与 affect 自动应用到 Replica
type Conn struct {
	ws      *websocket.Conn
	replica *Replica
	h       Handlers
	log     *zap.SugaredLogger

	writeMu sync.Mutex
}

type inbound struct {
	Type    string          `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

type serverUpdate struct {
	Type   game.UpdateType `json:"update_type"`
	Update json.RawMessage `json:"update"`
}

// Dial 建立连接。url 形如 ws://host/ws?id=alice 或 ?token=...
func Dial(ctx context.Context, url string, r *Replica, h Handlers) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws, replica: r, h: h, log: r.log}, nil
}

// Replica 绑定的本地副本
func (c *Conn) Replica() *Replica { return c.replica }

// Run 读循环，连接关闭或 ctx 取消时返回
func (c *Conn) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Warnw("malformed server message", "error", err)
			continue
		}
		if err := c.handle(msg); err != nil {
			c.log.Warnw("server message not applied", "msg_type", msg.Type, "error", err)
		}
	}
}

func (c *Conn) handle(msg inbound) error {
	switch msg.Type {
	case game.MsgTick:
		var t game.Tick
		if err := json.Unmarshal(msg.Content, &t); err != nil {
			return err
		}
		c.replica.ApplyTick(t)
		if c.h.OnTick != nil {
			c.h.OnTick(t)
		}
	case game.MsgJoined:
		var j game.Joined
		if err := json.Unmarshal(msg.Content, &j); err != nil {
			return err
		}
		c.replica.ApplyTick(game.Tick{State: j.State, Players: j.Players, Status: j.Status})
		if c.h.OnJoined != nil {
			c.h.OnJoined(j)
		}
	case game.MsgUpdate:
		var u serverUpdate
		if err := json.Unmarshal(msg.Content, &u); err != nil {
			return err
		}
		if u.Type != game.UpdateAffect {
			return fmt.Errorf("unexpected update_type %q", u.Type)
		}
		var a game.AffectUpdate
		if err := json.Unmarshal(u.Update, &a); err != nil {
			return err
		}
		applied := c.replica.HandleAffect(a)
		if c.h.OnAffect != nil {
			c.h.OnAffect(a, applied)
		}
	case game.MsgError:
		var e game.ErrorContent
		if err := json.Unmarshal(msg.Content, &e); err != nil {
			return err
		}
		if c.h.OnError != nil {
			c.h.OnError(e)
		}
	default:
		if c.h.OnMessage != nil {
			c.h.OnMessage(msg.Type, msg.Content)
		}
	}
	return nil
}

// Send 发送一条客户端消息
func (c *Conn) Send(msgType string, content any, ref string) error {
	msg := game.ClientMessage{Type: msgType, Ref: ref}
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encode %s: %w", msgType, err)
		}
		msg.Content = b
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, b)
}

// Create 创建会话（创建者自动加入）
func (c *Conn) Create(req game.CreateRequest) error {
	return c.Send(game.MsgCreate, req, "")
}

// Join 加入会话
func (c *Conn) Join(sessionID, password string) error {
	return c.Send(game.MsgJoin, game.JoinRequest{SessionID: sessionID, Password: password}, sessionID)
}

// Leave 离开当前会话
func (c *Conn) Leave() error {
	return c.Send(game.MsgLeave, nil, "")
}

// Ready 上报加载完成
func (c *Conn) Ready() error {
	return c.SendUpdate(game.Update{Type: game.UpdateStatus, Status: &game.PlayerStatus{State: game.PlayerReady}})
}

// SendUpdate 发送任意 update
func (c *Conn) SendUpdate(u game.Update) error {
	return c.Send(game.MsgUpdate, u, "")
}

// Flush 发送副本累积的实体增量；没有增量时只发送 tick 确认
func (c *Conn) Flush() error {
	u, ok := c.replica.Flush()
	if !ok {
		return c.Send(game.MsgAck, game.AckRequest{Tick: c.replica.LastTick()}, "")
	}
	return c.SendUpdate(u)
}

// Chat 发送聊天，recipients 为空时发给所有人
func (c *Conn) Chat(msg string, recipients ...string) error {
	return c.Send(game.MsgMessage, game.ChatRequest{Msg: msg, Recipients: recipients}, "")
}

// Heartbeat 发送显式心跳帧
func (c *Conn) Heartbeat() error {
	return c.write(websocket.TextMessage, []byte(game.MsgHeartbeat))
}

// Sync 周期性 Flush，直到 ctx 取消或发送失败
func (c *Conn) Sync(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				return err
			}
		}
	}
}

// Close 关闭连接
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) write(frameType int, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(frameType, b)
}
