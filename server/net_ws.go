package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deltarena/game"
)

const writeWait = 5 * time.Second

// ClientConn 负责发送（写）数据到客户端的轻量包装，同时实现 Outbox 与 Peer
type ClientConn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	codec   Codec
	metrics *Metrics

	closed chan struct{}
	once   sync.Once

	// session 当前所在会话，仅 readPump 协程访问
	session *Session
}

func NewClientConn(id string, ws *websocket.Conn, codec Codec, buffer int, metrics *Metrics) *ClientConn {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &ClientConn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, buffer),
		codec:   codec,
		metrics: metrics,
		closed:  make(chan struct{}),
	}
}

// Send 编码并入队（在 Tick 协程内调用，不阻塞）
func (c *ClientConn) Send(msg game.ServerMessage) {
	b, err := c.codec.Encode(msg)
	if err != nil {
		Log.Errorw("encode outbound message", "id", c.id, "msg_type", msg.Type, "error", err)
		return
	}
	c.Enqueue(b)
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		// 为了实时性，丢弃新消息（防止阻塞 Tick）；下一帧全量快照会覆盖
		c.metrics.IncSendDropped()
	}
}

// Close 关闭底层连接，结束读写协程。可重复调用
func (c *ClientConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送带时间戳的 ping
func (c *ClientConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.codec.FrameType(), msg); err != nil {
				return
			}
		case t := <-ticker.C:
			payload := []byte(strconv.FormatInt(t.UnixNano(), 10))
			if err := c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump 读取客户端消息并分发；退出时注销连接，会话内玩家转为 lost_connection
func (c *ClientConn) readPump(srv *Server) {
	defer func() {
		srv.Registry.Unregister(c.id, c)
		if c.session != nil {
			_ = c.session.Disconnect(c.id, c)
		}
		c.Close()
	}()
	c.ws.SetReadLimit(1 << 20) // 1MB
	c.ws.SetPongHandler(func(data string) error {
		var rtt time.Duration
		if ns, err := strconv.ParseInt(data, 10, 64); err == nil {
			rtt = time.Since(time.Unix(0, ns))
		}
		srv.Registry.HeartbeatRTT(c.id, rtt)
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if string(bytes.TrimSpace(payload)) == game.MsgHeartbeat {
			srv.Registry.Heartbeat(c.id)
			continue
		}
		var msg game.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
			srv.metrics.IncMalformed()
			Log.Warnw("malformed message dropped", "id", c.id, "error", err)
			continue
		}
		srv.dispatch(c, msg)
	}
}

// Server WebSocket 接入与 HTTP 管理接口
type Server struct {
	cfg       Config
	Registry  *Registry
	Sessions  *SessionManager
	auth      *Authenticator
	metrics   *Metrics
	observers []game.Observer
	upgrader  websocket.Upgrader
}

// NewServer ctx 控制所有会话的生命周期；archive 可为 nil
func NewServer(ctx context.Context, cfg Config, archive Archiver, observers ...game.Observer) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	srv := &Server{
		cfg:       cfg,
		auth:      NewAuthenticator(cfg.TokenSecret),
		metrics:   &Metrics{},
		observers: observers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源（生产环境需严格限制）
				return true
			},
		},
	}
	srv.Registry = NewRegistry(cfg.SweepInterval, srv.onEvict)
	srv.Sessions = NewSessionManager(ctx, cfg.Session(), archive, srv.Registry.Ping, observers...)
	return srv
}

// Metrics 连接层指标
func (srv *Server) Metrics() *Metrics { return srv.metrics }

// Auth 身份校验器
func (srv *Server) Auth() *Authenticator { return srv.auth }

// Routes 注册全部 HTTP 路由
func (srv *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/admin/config", srv.HandleAdminConfig)
	mux.HandleFunc("/metrics", srv.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HandleWS WebSocket 接入：/ws?token=...（或匿名模式 ?id=alice），可选 &codec=msgpack
func (srv *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, err := srv.auth.Identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("upgrade failed", "error", err)
		return
	}
	client := NewClientConn(id, ws, CodecFor(r.URL.Query().Get("codec")), srv.cfg.SendBuffer, srv.metrics)
	if _, err := srv.Registry.Register(id, srv.auth.Anonymous(), client); err != nil {
		if b, encErr := client.codec.Encode(game.ErrorMessage(err, "")); encErr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(client.codec.FrameType(), b)
		}
		_ = ws.Close()
		return
	}
	client.Send(game.ServerMessage{Type: game.MsgConnected, Content: game.Connected{ID: id}})

	go client.writePump(srv.cfg.PingInterval)
	go client.readPump(srv)
}

// onEvict 清扫驱逐：级联到会话玩家状态
func (srv *Server) onEvict(c *Connection) {
	srv.metrics.IncEvicted()
	if c.SessionID == "" {
		for _, o := range srv.observers {
			o.OnEvent(game.Event{Kind: game.EventPeerLost, PlayerID: c.ID})
		}
		return
	}
	sess, err := srv.Sessions.Get(c.SessionID)
	if err != nil {
		return
	}
	out, _ := c.peer.(Outbox)
	_ = sess.Disconnect(c.ID, out)
}

// dispatch 在连接的读协程内执行；会话状态只通过收件箱修改
func (srv *Server) dispatch(c *ClientConn, msg game.ClientMessage) {
	switch msg.Type {
	case game.MsgHeartbeat:
		srv.Registry.Heartbeat(c.id)
	case game.MsgCreate:
		var req game.CreateRequest
		if !srv.decode(c, msg, &req, true) {
			return
		}
		sess, err := srv.Sessions.Create(c.id, req)
		if err != nil {
			c.Send(game.ErrorMessage(err, msg.Ref))
			return
		}
		c.Send(game.ServerMessage{Type: game.MsgCreated, Content: game.Created{SessionID: sess.ID, GameID: sess.GameID}})
		if err := srv.join(c, sess, req.Password, msg.Ref); err != nil {
			_ = sess.End("creator could not join")
		}
	case game.MsgJoin:
		var req game.JoinRequest
		if !srv.decode(c, msg, &req, true) {
			return
		}
		sess, err := srv.Sessions.Get(req.SessionID)
		if err != nil {
			c.Send(game.ErrorMessage(err, msg.Ref))
			return
		}
		_ = srv.join(c, sess, req.Password, msg.Ref)
	case game.MsgLeave:
		srv.leave(c)
	case game.MsgUpdate:
		var u game.Update
		if !srv.decode(c, msg, &u, true) {
			return
		}
		if c.session == nil {
			c.Send(game.ErrorMessage(&game.Error{Type: game.SessionNotFound, Msg: "not in a session"}, msg.Ref))
			return
		}
		if err := c.session.Update(c.id, u, msg.Ref); err != nil {
			Log.Warnw("update not delivered", "id", c.id, "session", c.session.ID, "error", err)
		}
	case game.MsgMessage:
		var req game.ChatRequest
		if !srv.decode(c, msg, &req, true) || c.session == nil {
			return
		}
		_ = c.session.Chat(c.id, req)
	case game.MsgAck:
		var req game.AckRequest
		if !srv.decode(c, msg, &req, true) || c.session == nil {
			return
		}
		_ = c.session.Ack(c.id, req.Tick)
	case game.MsgSessions:
		var req game.SessionsRequest
		if !srv.decode(c, msg, &req, false) {
			return
		}
		c.Send(game.ServerMessage{Type: game.MsgSessions, Content: srv.Sessions.List(req.GameID)})
	default:
		srv.metrics.IncMalformed()
		Log.Warnw("unknown msg_type dropped", "id", c.id, "msg_type", msg.Type)
	}
}

// decode 解析 content；失败按 malformed 丢弃并记录告警
func (srv *Server) decode(c *ClientConn, msg game.ClientMessage, v any, required bool) bool {
	if len(msg.Content) == 0 || string(msg.Content) == "null" {
		if !required {
			return true
		}
		srv.metrics.IncMalformed()
		Log.Warnw("message without content dropped", "id", c.id, "msg_type", msg.Type)
		return false
	}
	if err := json.Unmarshal(msg.Content, v); err != nil {
		srv.metrics.IncMalformed()
		Log.Warnw("malformed message dropped", "id", c.id, "msg_type", msg.Type, "error", err)
		return false
	}
	return true
}

func (srv *Server) join(c *ClientConn, sess *Session, password, ref string) error {
	if c.session != nil && c.session != sess {
		srv.leave(c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.JoinTimeout)
	defer cancel()
	if err := sess.Join(ctx, JoinArgs{UserID: c.id, Password: password, Out: c}); err != nil {
		var ge *game.Error
		if !errors.As(err, &ge) {
			err = &game.Error{Type: game.Internal, Msg: err.Error()}
		}
		c.Send(game.ErrorMessage(err, ref))
		return err
	}
	c.session = sess
	srv.Registry.Attach(c.id, sess.ID)
	return nil
}

func (srv *Server) leave(c *ClientConn) {
	if c.session == nil {
		return
	}
	_ = c.session.Leave(c.id)
	c.session = nil
	srv.Registry.Attach(c.id, "")
}
