package game

// EventKind 对外事件流的类别
type EventKind string

const (
	EventSessionTick    EventKind = "session.tick"
	EventSessionJoined  EventKind = "session.joined"
	EventSessionPaused  EventKind = "session.paused"
	EventSessionResumed EventKind = "session.resumed"
	EventSessionEnded   EventKind = "session.ended"
	EventEntityUpdate   EventKind = "entity.update"
	EventPeerLost       EventKind = "peer.disconnected"
)

// Event 每个 tick 内同步产生、同步消费的类型化事件
type Event struct {
	Kind      EventKind
	SessionID string
	Tick      uint64
	// 以下字段按类别选填
	PlayerID string
	EntityID string
	Entity   *EntityConfig
	Snapshot *Tick
}

// Observer 事件消费者（归档、指标、渲染桥接等）
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc 函数适配
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) {
	if f != nil {
		f(e)
	}
}
