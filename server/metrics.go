package server

import (
	"sync/atomic"
)

// Metrics 运行期关键指标（用于监控与调试）。会话与连接层各持有一份
type Metrics struct {
	TickCount       int64 // 统计的 Tick 次数
	UpdatesAccepted int64 // 被接受的实体增量数
	Rejected        int64 // 权限校验失败被丢弃的增量/affect 数
	Malformed       int64 // 格式错误被丢弃的消息数
	Dropped         int64 // 暂停期间或发送方不在会话内被丢弃的消息数
	InboxFull       int64 // 因收件箱满被丢弃的消息数
	SendDropped     int64 // 因发送队列满被丢弃的出站帧数
	AffectsRouted   int64 // 转发的 affect 消息数
	AffectsResolved int64 // 由服务端结算的 affect 目标数
	SpawnsConfirmed int64 // 确认生成的实体数
	JoinsExpired    int64 // 处理前已超时的加入请求数
	Evicted         int64 // 心跳超时被驱逐的连接数
	TotalTickNs     int64 // Tick 累计耗时（纳秒）
}

func (m *Metrics) IncAccepted()        { atomic.AddInt64(&m.UpdatesAccepted, 1) }
func (m *Metrics) IncRejected()        { atomic.AddInt64(&m.Rejected, 1) }
func (m *Metrics) IncMalformed()       { atomic.AddInt64(&m.Malformed, 1) }
func (m *Metrics) IncDropped()         { atomic.AddInt64(&m.Dropped, 1) }
func (m *Metrics) IncInboxFull()       { atomic.AddInt64(&m.InboxFull, 1) }
func (m *Metrics) IncSendDropped()     { atomic.AddInt64(&m.SendDropped, 1) }
func (m *Metrics) IncAffectsRouted()   { atomic.AddInt64(&m.AffectsRouted, 1) }
func (m *Metrics) IncAffectsResolved() { atomic.AddInt64(&m.AffectsResolved, 1) }
func (m *Metrics) IncJoinsExpired()    { atomic.AddInt64(&m.JoinsExpired, 1) }
func (m *Metrics) IncEvicted()         { atomic.AddInt64(&m.Evicted, 1) }
func (m *Metrics) AddSpawnsConfirmed(n int) {
	if n > 0 {
		atomic.AddInt64(&m.SpawnsConfirmed, int64(n))
	}
}
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":       tick,
		"updates_accepted": atomic.LoadInt64(&m.UpdatesAccepted),
		"rejected":         atomic.LoadInt64(&m.Rejected),
		"malformed":        atomic.LoadInt64(&m.Malformed),
		"dropped":          atomic.LoadInt64(&m.Dropped),
		"inbox_full":       atomic.LoadInt64(&m.InboxFull),
		"send_dropped":     atomic.LoadInt64(&m.SendDropped),
		"affects_routed":   atomic.LoadInt64(&m.AffectsRouted),
		"affects_resolved": atomic.LoadInt64(&m.AffectsResolved),
		"spawns_confirmed": atomic.LoadInt64(&m.SpawnsConfirmed),
		"joins_expired":    atomic.LoadInt64(&m.JoinsExpired),
		"evicted":          atomic.LoadInt64(&m.Evicted),
		"avg_tick_ms":      avgMs,
	}
}
