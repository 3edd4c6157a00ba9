package server

import (
	"fmt"
	"sort"
	"time"

	"deltarena/game"
)

// Outcome 一次实体增量的处理结果
type Outcome int

const (
	OutcomeIgnored   Outcome = iota // 已销毁实体的迟到增量等
	OutcomeSpawned                  // 首次写入，进入待确认生成
	OutcomeUpdated                  // 合并到已有实体
	OutcomeDestroyed                // 显式销毁或 hp 归零，进入 kill-list
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSpawned:
		return "spawned"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDestroyed:
		return "destroyed"
	default:
		return "ignored"
	}
}

type pendingSpawn struct {
	manager string
	config  *game.EntityConfig
	tick    uint64
	at      time.Time
}

type killed struct {
	config game.EntityConfig
	tick   uint64
}

// Store 会话状态存储。只被所属会话的 Tick 协程访问，不加锁
type Store struct {
	entities map[string]*game.EntityConfig
	pending  map[string]*pendingSpawn
	killList map[string]killed

	spawnAckTimeout time.Duration
}

// NewStore 创建空存储
func NewStore(spawnAckTimeout time.Duration) *Store {
	return &Store{
		entities:        make(map[string]*game.EntityConfig),
		pending:         make(map[string]*pendingSpawn),
		killList:        make(map[string]killed),
		spawnAckTimeout: spawnAckTimeout,
	}
}

// SetSpawnAckTimeout 运行期调整确认超时
func (s *Store) SetSpawnAckTimeout(d time.Duration) { s.spawnAckTimeout = d }

// Get 查找存活或待确认的实体
func (s *Store) Get(id string) (*game.EntityConfig, bool) {
	if e, ok := s.entities[id]; ok {
		return e, true
	}
	if p, ok := s.pending[id]; ok {
		return p.config, true
	}
	return nil, false
}

// Find 同 Get，但也查找本 Tick 刚被销毁的实体
func (s *Store) Find(id string) (*game.EntityConfig, bool) {
	if e, ok := s.Get(id); ok {
		return e, true
	}
	if k, ok := s.killList[id]; ok {
		cfg := k.config
		return &cfg, true
	}
	return nil, false
}

// Live 是否已确认生成
func (s *Store) Live(id string) bool {
	_, ok := s.entities[id]
	return ok
}

// Pending 是否处于待确认
func (s *Store) Pending(id string) bool {
	_, ok := s.pending[id]
	return ok
}

// Destroyed 是否在 kill-list 中
func (s *Store) Destroyed(id string) bool {
	_, ok := s.killList[id]
	return ok
}

// ApplyEntityDelta 权限校验后合并增量。
// 不存在的实体：首次写入认领，写入方成为 manager 并进入待确认生成。
// 已存在的实体：仅 manager 或 host 可写，否则返回 AuthorityViolation 且不做任何修改
func (s *Store) ApplyEntityDelta(id string, d game.EntityDelta, from, host string, tick uint64, now time.Time) (Outcome, error) {
	if id == "" {
		return OutcomeIgnored, &game.Error{Type: game.MalformedMessage, Msg: "empty entity id"}
	}
	if _, gone := s.killList[id]; gone {
		return OutcomeIgnored, nil
	}
	current, exists := s.Get(id)
	if !game.Accept(current, from, host) {
		return OutcomeIgnored, &game.Error{
			Type: game.AuthorityViolation,
			Msg:  fmt.Sprintf("%s may not write entity %s managed by %s", from, id, current.Manager),
		}
	}
	if !exists {
		if d.Destroy {
			return OutcomeIgnored, nil
		}
		cfg, invalid := game.NewEntity(from, d)
		warnInvalid(id, from, invalid)
		s.MarkSpawn(id, from, cfg, tick, now)
		return OutcomeSpawned, nil
	}
	if d.Destroy {
		s.MarkDestroyed(id, tick)
		return OutcomeDestroyed, nil
	}
	warnInvalid(id, from, current.Apply(d))
	if current.Dead() {
		s.MarkDestroyed(id, tick)
		return OutcomeDestroyed, nil
	}
	return OutcomeUpdated, nil
}

// ApplyModifiers 服务端自行结算的属性修正（affect 目标无在线 manager 时），不做权限校验
func (s *Store) ApplyModifiers(id string, mods game.AttributeSet, tick uint64) Outcome {
	e, ok := s.Get(id)
	if !ok || len(mods) == 0 {
		return OutcomeIgnored
	}
	e.Apply(game.EntityDelta{Attributes: mods})
	if e.Dead() {
		s.MarkDestroyed(id, tick)
		return OutcomeDestroyed
	}
	return OutcomeUpdated
}

func warnInvalid(id, from string, invalid []game.Attribute) {
	if len(invalid) > 0 {
		Log.Warnw("dropped unknown attributes", "entity", id, "from", from, "keys", invalid)
	}
}

// MarkSpawn 放入待确认生成表
func (s *Store) MarkSpawn(id, manager string, cfg game.EntityConfig, tick uint64, now time.Time) {
	cfg.Manager = manager
	s.pending[id] = &pendingSpawn{manager: manager, config: &cfg, tick: tick, at: now}
}

// ConfirmSpawn 待确认 → 存活
func (s *Store) ConfirmSpawn(id string) bool {
	p, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	s.entities[id] = p.config
	return true
}

// MarkDestroyed 从存活或待确认表移入 kill-list，保留一个 Tick 后清除
func (s *Store) MarkDestroyed(id string, tick uint64) bool {
	var cfg *game.EntityConfig
	if e, ok := s.entities[id]; ok {
		cfg = e
		delete(s.entities, id)
	} else if p, ok := s.pending[id]; ok {
		cfg = p.config
		delete(s.pending, id)
	} else {
		return false
	}
	s.killList[id] = killed{config: cfg.Clone(), tick: tick}
	return true
}

// AckFunc 判断某个 manager 在 tick 发起的生成是否已被所有参与者确认
type AckFunc func(manager string, tick uint64) bool

// Resolve 每个 Tick 调用一次：
// 清除早于本 Tick 标记的 kill-list 条目；全员确认或超时的待确认生成转为存活。
// 返回本次确认与清除的 id（有序）
func (s *Store) Resolve(tick uint64, now time.Time, acked AckFunc) (confirmed, purged []string) {
	for id, k := range s.killList {
		if k.tick < tick {
			delete(s.killList, id)
			purged = append(purged, id)
		}
	}
	for id, p := range s.pending {
		timedOut := s.spawnAckTimeout > 0 && now.Sub(p.at) >= s.spawnAckTimeout
		if timedOut || (acked != nil && acked(p.manager, p.tick)) {
			confirmed = append(confirmed, id)
		}
	}
	for _, id := range confirmed {
		s.ConfirmSpawn(id)
	}
	sort.Strings(confirmed)
	sort.Strings(purged)
	return confirmed, purged
}

// Transfer 把 from 管理的全部实体转给 to，返回被转移的 id
func (s *Store) Transfer(from, to string) []string {
	if from == to {
		return nil
	}
	var moved []string
	for id, e := range s.entities {
		if e.Manager == from {
			e.Manager = to
			moved = append(moved, id)
		}
	}
	for id, p := range s.pending {
		if p.manager == from {
			p.manager = to
			p.config.Manager = to
			moved = append(moved, id)
		}
	}
	sort.Strings(moved)
	return moved
}

// Managers 每个 manager 当前管理的实体（存活与待确认），id 有序
func (s *Store) Managers() map[string][]string {
	out := make(map[string][]string)
	for id, e := range s.entities {
		out[e.Manager] = append(out[e.Manager], id)
	}
	for id, p := range s.pending {
		out[p.manager] = append(out[p.manager], id)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

// ManagedBy 某个 manager 管理的实体
func (s *Store) ManagedBy(manager string) []string {
	return s.Managers()[manager]
}

// DestroyAll 会话结束时全部实体进入 kill-list
func (s *Store) DestroyAll(tick uint64) []string {
	var ids []string
	for id := range s.entities {
		ids = append(ids, id)
	}
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.MarkDestroyed(id, tick)
	}
	return ids
}

// Snapshot 深拷贝当前状态，用于广播与归档
func (s *Store) Snapshot() (entities map[string]game.EntityConfig, pending map[string]game.PendingSpawn, destroyed map[string]game.EntityConfig) {
	entities = make(map[string]game.EntityConfig, len(s.entities))
	for id, e := range s.entities {
		entities[id] = e.Clone()
	}
	pending = make(map[string]game.PendingSpawn, len(s.pending))
	for id, p := range s.pending {
		pending[id] = game.PendingSpawn{Manager: p.manager, Config: p.config.Clone()}
	}
	destroyed = make(map[string]game.EntityConfig, len(s.killList))
	for id, k := range s.killList {
		destroyed[id] = k.config.Clone()
	}
	return entities, pending, destroyed
}

// Len 存活与待确认实体总数
func (s *Store) Len() int { return len(s.entities) + len(s.pending) }
