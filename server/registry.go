package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deltarena/game"
)

// Peer 连接的可关闭端，由 ClientConn 实现
type Peer interface {
	Close()
}

// Connection 一个在线网络对端
type Connection struct {
	ID        string
	Anonymous bool
	SessionID string // 当前所在会话，未加入时为空

	peer     Peer
	alive    bool
	lastBeat time.Time
	rtt      time.Duration
}

// LastBeat 最近一次心跳时间
func (c *Connection) LastBeat() time.Time { return c.lastBeat }

// Registry 连接注册表：接入路径与清扫路径唯一共享的结构，所有操作加锁串行化
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	now   func() time.Time
	// window 清扫周期；最近一个周期内心跳过的连接视为存活
	window time.Duration

	// onEvict 在锁外调用，连接已关闭并移除
	onEvict func(*Connection)
}

// NewRegistry 创建注册表。window 为清扫周期；onEvict 可为空
func NewRegistry(window time.Duration, onEvict func(*Connection)) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		now:     time.Now,
		window:  window,
		onEvict: onEvict,
	}
}

// Register 注册连接。同 id 已存在且仍存活时返回 DuplicateIdentity；已失活的旧连接被替换并关闭
func (r *Registry) Register(id string, anonymous bool, p Peer) (*Connection, error) {
	r.mu.Lock()
	old, ok := r.conns[id]
	if ok && r.alive(old) {
		r.mu.Unlock()
		return nil, &game.Error{Type: game.DuplicateIdentity, Msg: fmt.Sprintf("identity %s is already connected", id)}
	}
	c := &Connection{ID: id, Anonymous: anonymous, peer: p, alive: true, lastBeat: r.now()}
	if ok {
		c.SessionID = old.SessionID
	}
	r.conns[id] = c
	r.mu.Unlock()

	if ok && old.peer != nil {
		Log.Infow("connection replaced", "id", id)
		old.peer.Close()
	}
	Log.Infow("connection registered", "id", id, "anonymous", anonymous)
	return c, nil
}

// alive 清扫会重置标记，因此同时参考最近一个周期内的心跳时间
func (r *Registry) alive(c *Connection) bool {
	return c.alive || (r.window > 0 && r.now().Sub(c.lastBeat) < r.window)
}

// Heartbeat 标记存活并刷新时间戳；未知 id 直接忽略
func (r *Registry) Heartbeat(id string) {
	r.HeartbeatRTT(id, 0)
}

// HeartbeatRTT 同 Heartbeat，并记录往返时延（rtt>0 时）
func (r *Registry) HeartbeatRTT(id string, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return
	}
	c.alive = true
	c.lastBeat = r.now()
	if rtt > 0 {
		c.rtt = rtt
	}
}

// Ping 最近测得的往返时延（毫秒），未知 id 为 0
func (r *Registry) Ping(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		return c.rtt.Milliseconds()
	}
	return 0
}

// Attach 记录连接当前所在会话
func (r *Registry) Attach(id, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.SessionID = sessionID
	}
}

// Unregister 连接主动关闭时移除；仅当登记的仍是同一 Peer 时生效，避免误删重连后的新连接
func (r *Registry) Unregister(id string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.peer != p {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get 返回连接副本
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Len 在线连接数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Sweep 清扫一次：上个周期内未心跳（alive=false）的连接被关闭移除，
// 其余连接的 alive 置为 false，必须在下个周期内再次心跳才能存活。返回被驱逐的 id（有序）
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var evicted []*Connection
	for id, c := range r.conns {
		if !c.alive {
			evicted = append(evicted, c)
			delete(r.conns, id)
			continue
		}
		c.alive = false
	}
	r.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].ID < evicted[j].ID })
	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		Log.Infow("connection evicted", "id", c.ID, "session", c.SessionID, "silent_for", now.Sub(c.lastBeat).String())
		if c.peer != nil {
			c.peer.Close()
		}
		if r.onEvict != nil {
			r.onEvict(c)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

// Run 以固定周期执行 Sweep，直到 ctx 结束
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
