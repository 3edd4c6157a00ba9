package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"deltarena/game"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// outbox 内存发送端，记录收到的消息
type outbox struct {
	mu   sync.Mutex
	msgs []game.ServerMessage
}

func (o *outbox) Send(m game.ServerMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
}

func (o *outbox) all() []game.ServerMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]game.ServerMessage(nil), o.msgs...)
}

func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = nil
}

func (o *outbox) ofType(msgType string) []game.ServerMessage {
	var out []game.ServerMessage
	for _, m := range o.all() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// lastTick 最近收到的 tick 快照
func (o *outbox) lastTick(t *testing.T) game.Tick {
	t.Helper()
	ticks := o.ofType(game.MsgTick)
	if len(ticks) == 0 {
		t.Fatalf("no tick received")
	}
	return ticks[len(ticks)-1].Content.(game.Tick)
}

// affects 收到的 affect 转发
func (o *outbox) affects() []game.AffectUpdate {
	var out []game.AffectUpdate
	for _, m := range o.ofType(game.MsgUpdate) {
		su := m.Content.(game.ServerUpdate)
		out = append(out, su.Update.(game.AffectUpdate))
	}
	return out
}

type fakePeer struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// harness 手动驱动 Tick 的会话
type harness struct {
	t    *testing.T
	s    *Session
	now  time.Time
	outs map[string]*outbox
}

func testConfig() SessionConfig {
	return SessionConfig{
		TickInterval:    16 * time.Millisecond,
		StartingTimeout: time.Minute,
		SpawnAckTimeout: time.Minute,
		MinPlayers:      1,
		InboxCapacity:   64,
	}
}

func newHarness(t *testing.T, cfg SessionConfig, rules Rules, observers ...game.Observer) *harness {
	t.Helper()
	s := NewSession(SessionOptions{
		ID:        "s1",
		GameID:    "g1",
		Creator:   "x",
		Rules:     rules,
		Config:    cfg,
		Observers: observers,
		Now:       t0,
	})
	return &harness{t: t, s: s, now: t0, outs: make(map[string]*outbox)}
}

// step 推进一个 Tick
func (h *harness) step() bool {
	h.now = h.now.Add(16 * time.Millisecond)
	return h.s.Step(h.now)
}

// advance 推进时钟后 Tick
func (h *harness) advance(d time.Duration) bool {
	h.now = h.now.Add(d)
	return h.s.Step(h.now)
}

func (h *harness) tryJoin(id, password string) error {
	h.t.Helper()
	out := &outbox{}
	ev, err := h.s.requestJoin(context.Background(), JoinArgs{UserID: id, Password: password, Out: out})
	if err != nil {
		return err
	}
	h.step()
	select {
	case err := <-ev.reply:
		if err == nil {
			h.outs[id] = out
		}
		return err
	default:
		h.t.Fatalf("join of %s not processed by the tick", id)
		return nil
	}
}

func (h *harness) join(id string) *outbox {
	h.t.Helper()
	if err := h.tryJoin(id, ""); err != nil {
		h.t.Fatalf("join %s: %v", id, err)
	}
	return h.outs[id]
}

func (h *harness) update(id string, u game.Update) {
	h.t.Helper()
	if err := h.s.Update(id, u, ""); err != nil {
		h.t.Fatalf("update from %s: %v", id, err)
	}
}

func (h *harness) entities(id string, deltas map[string]game.EntityDelta) {
	h.t.Helper()
	h.update(id, game.Update{Type: game.UpdateEntities, Entities: deltas})
}

func (h *harness) ready(ids ...string) {
	h.t.Helper()
	for _, id := range ids {
		h.update(id, game.Update{Type: game.UpdateStatus, Status: &game.PlayerStatus{State: game.PlayerReady}})
	}
}

func (h *harness) ack(id string) {
	h.t.Helper()
	if err := h.s.Ack(id, h.s.Tick()); err != nil {
		h.t.Fatalf("ack from %s: %v", id, err)
	}
}

// spawn 生成实体并推进一个 Tick
func (h *harness) spawn(owner, id string, hp float64) {
	h.t.Helper()
	h.entities(owner, map[string]game.EntityDelta{id: {
		Type:       "unit",
		Position:   &game.Position{X: 1, Y: 1},
		Attributes: game.AttributeSet{game.AttrHP: hp, game.AttrMaxHP: 100},
	}})
	h.step()
}

// entity 在服务端存储中查找（存活或待确认）
func (h *harness) entity(id string) game.EntityConfig {
	h.t.Helper()
	e, ok := h.s.store.Get(id)
	if !ok {
		h.t.Fatalf("entity %s not in store", id)
	}
	return e.Clone()
}

// observeLogs 把全局日志替换为可断言的观察者，测试结束后恢复
func observeLogs(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	prev := Log
	Log = zap.New(core).Sugar()
	t.Cleanup(func() { Log = prev })
	return logs
}

// recorder 记录事件流
type recorder struct {
	mu     sync.Mutex
	events []game.Event
}

func (r *recorder) OnEvent(ev game.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []game.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []game.EventKind
	for _, ev := range r.events {
		if ev.Kind != game.EventSessionTick {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
