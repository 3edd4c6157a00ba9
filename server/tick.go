package server

import (
	"context"
	"slices"
	"time"

	"deltarena/game"
)

// Run 启动会话的 Tick 循环（单协程推进），直到会话结束或 ctx 取消
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 在最后一个 Tick 内结束，销毁的实体随最后一帧发出
			s.shutdown = true
			s.Step(time.Now())
			return
		case <-ticker.C:
			// 核心循环：处理收件箱 → 归属转移 → 生成/销毁结算 → 生命周期 → 广播
			start := time.Now()
			running := s.Step(start)
			s.metrics.AddTick(time.Since(start).Nanoseconds())
			if !running {
				return
			}
		}
	}
}

// Step 推进一个 Tick。返回 false 表示会话已结束，循环应退出
func (s *Session) Step(now time.Time) bool {
	if s.finished {
		return false
	}
	s.clock = now
	s.tickSeq++

	s.drain()
	if s.shutdown {
		_ = s.end(now, "", "server shutdown")
	}
	if !s.status.Terminal() {
		s.reassignOrphans()
	}
	confirmed, _ := s.store.Resolve(s.tickSeq, now, s.acked)
	s.metrics.AddSpawnsConfirmed(len(confirmed))
	if !s.status.Terminal() {
		s.advanceLifecycle(now)
	}

	snap := s.snapshot(now)
	msg := game.ServerMessage{Type: game.MsgTick, Content: snap}
	if s.status.Terminal() {
		for _, out := range s.farewell {
			out.Send(msg)
		}
	} else {
		s.broadcast(msg)
	}
	s.emit(game.Event{Kind: game.EventSessionTick, Snapshot: &snap})
	s.publish()

	if s.status.Terminal() {
		s.finalize(now, snap)
		return false
	}
	s.maybeCheckpoint(now, snap)
	return true
}

// drain 非阻塞处理本 Tick 开始前已到达的事件，保持到达顺序
func (s *Session) drain() {
	n := len(s.inbox)
	for i := 0; i < n; i++ {
		ev := <-s.inbox
		ev.apply(s)
	}
}

func (s *Session) snapshot(now time.Time) game.Tick {
	return game.Tick{
		Tick:    s.tickSeq,
		State:   s.state(),
		Players: s.playerInfos(now),
		Status:  s.status.At(now),
		Host:    s.host,
	}
}

func (s *Session) state() game.SessionState {
	entities, pending, destroyed := s.store.Snapshot()
	stats := make(map[string]game.PlayerStats, len(s.players))
	for id, p := range s.players {
		stats[id] = p.Stats
	}
	return game.SessionState{
		Spawn:             s.spawn,
		Entities:          entities,
		PendingSpawns:     pending,
		DestroyedEntities: destroyed,
		Stats:             stats,
	}
}

func (s *Session) playerInfos(now time.Time) map[string]game.PlayerInfo {
	managers := s.store.Managers()
	out := make(map[string]game.PlayerInfo, len(s.players))
	for id, p := range s.players {
		info := game.PlayerInfo{
			ManagedEntities: nonNil(managers[id]),
			Stats:           p.Stats,
			Status:          p.Status.At(now),
		}
		if s.pings != nil && p.Connected() {
			info.Ping = s.pings(id)
		}
		out[id] = info
	}
	return out
}

// publish 发布给其他协程读取的快照
func (s *Session) publish() {
	s.tick.Store(s.tickSeq)
	s.view.Store(&game.SessionView{
		SessionID: s.ID,
		GameID:    s.GameID,
		Creator:   s.Creator,
		CreatedAt: s.CreatedAt,
		Players:   len(s.connected()),
		Password:  len(s.rules.PasswordHash) > 0,
		Phase:     s.status.Phase,
	})
	spawnAck := s.cfg.SpawnAckTimeout.Milliseconds()
	starting := s.cfg.StartingTimeout.Milliseconds()
	limit := s.rules.PlayerLimit
	s.tunables.Store(&Tunables{SpawnAckTimeoutMs: &spawnAck, StartingTimeoutMs: &starting, PlayerLimit: &limit})
}

func (s *Session) maybeCheckpoint(now time.Time, snap game.Tick) {
	if s.archive == nil || s.cfg.CheckpointInterval <= 0 || now.Sub(s.lastCheckpoint) < s.cfg.CheckpointInterval {
		return
	}
	s.lastCheckpoint = now
	s.archive.Checkpoint(s.record(now, snap))
}

// finalize 最后一帧已发出：通知 ended、归档、从管理器移除
func (s *Session) finalize(now time.Time, snap game.Tick) {
	s.finished = true
	ended := game.ServerMessage{Type: game.MsgEnded, Content: game.Ended{SessionID: s.ID}}
	for _, out := range s.farewell {
		out.Send(ended)
	}
	s.farewell = nil
	if s.archive != nil {
		s.archive.Final(s.record(now, snap))
	}
	if s.onEnd != nil {
		s.onEnd(s)
	}
	close(s.done)
	Log.Infow("session finished", "session", s.ID, "ticks", s.tickSeq)
}

func (s *Session) record(now time.Time, snap game.Tick) Record {
	rec := Record{
		SessionID: s.ID,
		GameID:    s.GameID,
		Creator:   s.Creator,
		CreatedAt: s.CreatedAt,
		UpdatedAt: now,
		Status:    snap.Status,
		State:     snap.State,
		Players:   make(map[string]PlayerRecord, len(snap.Players)),
		Logs:      slices.Clone(s.logs),
	}
	if s.status.Terminal() {
		ended := s.status.Since
		rec.EndedAt = &ended
	}
	for id, info := range snap.Players {
		pr := PlayerRecord{Info: info, JoinedAt: s.players[id].JoinedAt}
		if st := s.players[id].Status; st.State == game.PlayerEnded {
			at := st.Since
			pr.EndedAt = &at
		}
		rec.Players[id] = pr
	}
	return rec
}
