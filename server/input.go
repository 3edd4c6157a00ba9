package server

import (
	"context"
	"sync/atomic"

	"deltarena/game"
)

// event 会话收件箱中的入站事件。网络协程只负责投递，Tick 协程按到达顺序逐个处理
type event interface {
	apply(s *Session)
}

// JoinArgs 加入会话的请求参数
type JoinArgs struct {
	UserID   string
	Password string
	Out      Outbox
}

// join 请求的归属：调用方放弃与 Tick 协程受理二者只有一个能成功
const (
	joinPending int32 = iota
	joinAccepted
	joinAbandoned
)

type joinEvent struct {
	ctx   context.Context
	args  JoinArgs
	state *atomic.Int32
	reply chan error
}

type leaveEvent struct {
	userID string
	done   chan struct{}
}

// disconnectEvent 连接断开或被清扫驱逐；out 用于忽略已被重连替换的旧连接
type disconnectEvent struct {
	userID string
	out    Outbox
}

type updateEvent struct {
	userID string
	update game.Update
	ref    string
}

type chatEvent struct {
	userID string
	chat   game.ChatRequest
}

type ackEvent struct {
	userID string
	tick   uint64
}

// tuneEvent 运行期调参（admin）
type tuneEvent struct {
	t Tunables
}

// endEvent 外部触发结束（服务关闭、创建者加入失败等）
type endEvent struct {
	reason string
}

func (e joinEvent) apply(s *Session)       { s.handleJoin(e) }
func (e leaveEvent) apply(s *Session)      { s.handleLeave(e) }
func (e disconnectEvent) apply(s *Session) { s.handleDisconnect(e) }
func (e updateEvent) apply(s *Session)     { s.handleUpdate(e) }
func (e chatEvent) apply(s *Session)       { s.handleChat(e) }
func (e ackEvent) apply(s *Session)        { s.handleAck(e.userID, e.tick) }
func (e tuneEvent) apply(s *Session)       { s.applyTunables(e.t) }
func (e endEvent) apply(s *Session)        { s.end(s.clock, "", e.reason) }
