package server

import (
	"time"

	"deltarena/game"
)

// advanceLifecycle 每个 Tick 检查自动迁移：掉线超时、starting 的就绪/超时开局，带时长暂停的自动恢复
func (s *Session) advanceLifecycle(now time.Time) {
	if s.expireLost(now) && s.allLeft() {
		_ = s.end(now, "", "all players left")
		return
	}
	switch s.status.Phase {
	case game.PhaseStarting:
		if s.readyToStart() {
			s.begin(now, false)
		} else if s.cfg.StartingTimeout > 0 && now.Sub(s.status.Since) >= s.cfg.StartingTimeout {
			s.begin(now, true)
		}
	case game.PhasePaused:
		if s.status.ResumeDue(now) {
			_ = s.resume(now, "")
		}
	}
}

// expireLost 掉线超过重连宽限期的玩家转为 ended，释放席位
func (s *Session) expireLost(now time.Time) bool {
	if s.cfg.ReconnectGrace <= 0 {
		return false
	}
	expired := false
	for _, id := range s.order {
		p := s.players[id]
		if p.Status.State != game.PlayerLostConnection || now.Sub(p.Status.Since) < s.cfg.ReconnectGrace {
			continue
		}
		managed := nonNil(s.store.ManagedBy(id))
		p.setStatus(game.PlayerEnded, now)
		s.broadcastExcept(id, game.ServerMessage{Type: game.MsgLeft, Content: game.Left{UserID: id, ManagedEntities: managed}})
		s.logf("%s did not reconnect", id)
		Log.Infow("reconnect grace expired", "session", s.ID, "user", id)
		expired = true
	}
	return expired
}

// readyToStart 在线人数达到下限且全部 ready
func (s *Session) readyToStart() bool {
	online := s.connected()
	if len(online) < s.cfg.MinPlayers {
		return false
	}
	for _, p := range online {
		if p.Status.State != game.PlayerReady {
			return false
		}
	}
	return true
}

// begin starting → in_progress。partial 为超时开局：仍在加载的玩家记为 lost_connection
func (s *Session) begin(now time.Time, partial bool) {
	if err := s.status.Begin(now); err != nil {
		return
	}
	for _, id := range s.order {
		p := s.players[id]
		switch p.Status.State {
		case game.PlayerReady:
			p.setStatus(game.PlayerInProgress, now)
		case game.PlayerLoading:
			if partial {
				p.setStatus(game.PlayerLostConnection, now)
				s.logf("%s did not finish loading", id)
			}
		}
	}
	if partial {
		s.recomputeHost()
	}
	s.logf("session started")
	Log.Infow("session started", "session", s.ID, "partial", partial, "players", len(s.connected()))
}

func (s *Session) pause(now time.Time, by string, forDuration time.Duration) error {
	if err := s.status.Pause(now, by, forDuration); err != nil {
		return err
	}
	s.logf("paused by %s", by)
	s.emit(game.Event{Kind: game.EventSessionPaused, PlayerID: by})
	Log.Infow("session paused", "session", s.ID, "by", by, "for", forDuration.String())
	return nil
}

func (s *Session) resume(now time.Time, by string) error {
	if err := s.status.Resume(now); err != nil {
		return err
	}
	if by == "" {
		s.logf("resumed")
	} else {
		s.logf("resumed by %s", by)
	}
	s.emit(game.Event{Kind: game.EventSessionResumed, PlayerID: by})
	Log.Infow("session resumed", "session", s.ID, "by", by)
	return nil
}

// end 任意非终态 → post_session：全部实体进入 kill-list，在线玩家记为 ended。
// 最后一帧与 ended 消息在本 Tick 末尾发出
func (s *Session) end(now time.Time, by, reason string) error {
	if err := s.status.End(now); err != nil {
		return err
	}
	s.store.DestroyAll(s.tickSeq)
	for _, id := range s.order {
		p := s.players[id]
		if p.Connected() {
			s.farewell = append(s.farewell, p.Out)
		}
		if p.Status.State != game.PlayerEnded {
			p.setStatus(game.PlayerEnded, now)
		}
	}
	s.logf("session ended: %s", reason)
	s.emit(game.Event{Kind: game.EventSessionEnded, PlayerID: by})
	Log.Infow("session ended", "session", s.ID, "by", by, "reason", reason)
	return nil
}
