package server

import (
	"errors"
	"sort"
	"time"

	"deltarena/game"
)

// handleUpdate 处理一条 update。任何失败只影响该条消息，不会中断本 Tick
func (s *Session) handleUpdate(e updateEvent) {
	p, ok := s.players[e.userID]
	if !ok || !p.Connected() || s.status.Terminal() {
		s.metrics.IncDropped()
		return
	}
	u := e.update
	if u.Ack != nil {
		s.handleAck(p.ID, *u.Ack)
	}
	now := s.clock
	switch u.Type {
	case game.UpdateEntities:
		s.applyEntities(p, u.Entities)
	case game.UpdateStats:
		if u.Stats == nil {
			s.malformed(p, u.Type, e.ref)
			return
		}
		p.Stats = *u.Stats
	case game.UpdateStatus:
		if u.Status == nil {
			s.malformed(p, u.Type, e.ref)
			return
		}
		s.applyPlayerStatus(p, u.Status.State, e.ref)
	case game.UpdateAffect:
		if u.Affect == nil {
			s.malformed(p, u.Type, e.ref)
			return
		}
		if s.status.Phase == game.PhasePaused {
			s.metrics.IncDropped()
			return
		}
		s.routeAffect(p, *u.Affect)
	case game.UpdatePause:
		var d time.Duration
		if u.Pause != nil && u.Pause.ForDuration > 0 {
			d = time.Duration(u.Pause.ForDuration) * time.Millisecond
		}
		if err := s.pause(now, p.ID, d); err != nil {
			s.sendError(p, err, e.ref)
		}
	case game.UpdateResume:
		if err := s.resume(now, p.ID); err != nil {
			s.sendError(p, err, e.ref)
		}
	case game.UpdateEnd:
		if p.ID != s.host {
			s.sendError(p, &game.Error{Type: game.Unauthorized, Msg: "only the host may end the session"}, e.ref)
			return
		}
		_ = s.end(now, p.ID, "ended by host")
	case game.UpdateChangeSpawn:
		if u.Spawn == nil {
			s.malformed(p, u.Type, e.ref)
			return
		}
		if p.ID != s.host {
			s.sendError(p, &game.Error{Type: game.Unauthorized, Msg: "only the host may change the spawn"}, e.ref)
			return
		}
		s.spawn = *u.Spawn
		s.logf("%s moved the spawn to %s", p.ID, u.Spawn.Scene)
	default:
		s.malformed(p, u.Type, e.ref)
	}
}

// applyEntities 逐实体合并。paused 期间丢弃；id 排序保证同一条消息内的处理顺序确定
func (s *Session) applyEntities(p *Player, deltas map[string]game.EntityDelta) {
	if s.status.Phase == game.PhasePaused {
		s.metrics.IncDropped()
		return
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		outcome, err := s.store.ApplyEntityDelta(id, deltas[id], p.ID, s.host, s.tickSeq, s.clock)
		if err != nil {
			if errors.Is(err, game.ErrAuthorityViolation) {
				s.metrics.IncRejected()
			} else {
				s.metrics.IncMalformed()
			}
			Log.Warnw("entity delta rejected", "session", s.ID, "entity", id, "from", p.ID, "error", err)
			continue
		}
		if outcome == OutcomeIgnored {
			continue
		}
		s.metrics.IncAccepted()
		if e, ok := s.store.Find(id); ok {
			cfg := e.Clone()
			s.emit(game.Event{Kind: game.EventEntityUpdate, PlayerID: p.ID, EntityID: id, Entity: &cfg})
		}
	}
}

// applyPlayerStatus 客户端只能声明 loading 或 ready；会话已开局时 ready 直接记为 in_progress
func (s *Session) applyPlayerStatus(p *Player, state game.PlayerState, ref string) {
	switch state {
	case game.PlayerLoading:
		p.setStatus(game.PlayerLoading, s.clock)
	case game.PlayerReady, game.PlayerInProgress:
		if s.status.Phase == game.PhaseStarting {
			p.setStatus(game.PlayerReady, s.clock)
		} else {
			p.setStatus(game.PlayerInProgress, s.clock)
		}
	default:
		s.sendError(p, &game.Error{Type: game.InvalidTransition, Msg: "clients may only report loading or ready"}, ref)
	}
}

func (s *Session) malformed(p *Player, t game.UpdateType, ref string) {
	s.metrics.IncMalformed()
	Log.Warnw("malformed update dropped", "session", s.ID, "from", p.ID, "update_type", t, "ref", ref)
}
