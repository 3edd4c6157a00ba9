package server

import (
	"time"

	"deltarena/game"
)

// Outbox 玩家的发送端（由连接层实现，测试中替换为内存队列）。
// Send 在 Tick 协程内调用，必须非阻塞
type Outbox interface {
	Send(msg game.ServerMessage)
}

// Player 会话内的玩家成员（服务端权威状态）
type Player struct {
	ID      string
	Ordinal int // 加入顺序，决定 host 回退顺序
	Out     Outbox

	Stats  game.PlayerStats
	Status game.PlayerStatus

	// LastAck 该玩家确认已应用的最新 tick，用于生成确认
	LastAck  uint64
	JoinedAt time.Time
}

// Connected 玩家仍在线参与
func (p *Player) Connected() bool {
	return p.Out != nil && p.Status.Connected()
}

func (p *Player) send(msg game.ServerMessage) {
	if p.Connected() {
		p.Out.Send(msg)
	}
}

func (p *Player) setStatus(state game.PlayerState, now time.Time) {
	p.Status = game.PlayerStatus{State: state, Since: now}
}
