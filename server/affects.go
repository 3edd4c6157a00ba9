package server

import (
	"sort"

	"deltarena/game"
)

// routeAffect 转发 affect：
// 发起方必须管理 affector；发起方自己管理的目标由它本地结算，不再转发。
// 目标 manager 离线或为 server 时由服务端结算；发起方或目标 manager 是 host 时直接发给目标 manager；
// 其余情况（含未知目标）广播给除发起方外的所有人，由目标 manager 自行认领。
// 每个目标只进入一条路径，保证恰好被结算一次
func (s *Session) routeAffect(from *Player, a game.AffectUpdate) {
	affector, ok := s.store.Find(a.Affector)
	if !ok {
		Log.Debugw("affect from unknown affector dropped", "session", s.ID, "from", from.ID, "affector", a.Affector)
		s.metrics.IncDropped()
		return
	}
	if affector.Manager != from.ID {
		s.metrics.IncRejected()
		Log.Warnw("affect rejected", "session", s.ID, "from", from.ID, "affector", a.Affector, "manager", affector.Manager)
		return
	}

	direct := make(map[string][]string)
	var spectators []string
	for _, id := range a.Affected {
		target, ok := s.store.Get(id)
		switch {
		case !ok:
			spectators = append(spectators, id)
		case target.Manager == from.ID:
			// 发起方本地已结算
		case !s.online(target.Manager):
			s.resolveAffect(id, target, affector, a.Affectors)
		case from.ID == s.host || target.Manager == s.host:
			direct[target.Manager] = append(direct[target.Manager], id)
		default:
			spectators = append(spectators, id)
		}
	}

	managers := make([]string, 0, len(direct))
	for m := range direct {
		managers = append(managers, m)
	}
	sort.Strings(managers)
	for _, m := range managers {
		s.players[m].send(affectMessage(a, direct[m]))
		s.metrics.IncAffectsRouted()
	}
	if len(spectators) > 0 {
		s.broadcastExcept(from.ID, affectMessage(a, spectators))
		s.metrics.IncAffectsRouted()
	}
}

// resolveAffect 服务端按效果表结算（目标由 server 管理或 manager 已离线等待转移）
func (s *Session) resolveAffect(id string, target, source *game.EntityConfig, affectors []string) {
	mods, applied := s.catalog.Resolve(affectors, target, source)
	if len(applied) == 0 {
		return
	}
	outcome := s.store.ApplyModifiers(id, mods, s.tickSeq)
	s.metrics.IncAffectsResolved()
	Log.Debugw("affect resolved by server", "session", s.ID, "entity", id, "affects", applied, "outcome", outcome.String())
	if e, ok := s.store.Find(id); ok {
		cfg := e.Clone()
		s.emit(game.Event{Kind: game.EventEntityUpdate, EntityID: id, Entity: &cfg})
	}
}

// online manager 是在线玩家（server 视为不在线，由服务端结算）
func (s *Session) online(manager string) bool {
	p, ok := s.players[manager]
	return ok && p.Connected()
}

func affectMessage(a game.AffectUpdate, affected []string) game.ServerMessage {
	return game.ServerMessage{Type: game.MsgUpdate, Content: game.ServerUpdate{
		Type: game.UpdateAffect,
		Update: game.AffectUpdate{
			Affector:  a.Affector,
			Affectors: a.Affectors,
			Affected:  affected,
		},
	}}
}
