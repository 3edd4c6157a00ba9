// Package client 实现无头客户端：本地副本预测、按 manager 对账、affect 自选结算与出站增量合并。
package client

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deltarena/game"
)

// Engine 渲染/物理引擎回调（外部协作方），全部可选
type Engine interface {
	Spawn(id string, cfg game.EntityConfig)
	UpdateConfig(id string, cfg game.EntityConfig)
	Destroy(id string)
}

// Replica 本地世界副本。自己管理的实体由本地计算并上报，他人管理的实体总以服务端广播为准
type Replica struct {
	mu       sync.Mutex
	self     string
	entities map[string]*game.EntityConfig
	outbox   map[string]*game.EntityDelta // 下一次 Flush 的出站增量
	catalog  game.Catalog
	engine   Engine
	log      *zap.SugaredLogger

	lastTick uint64
	host     string
	status   game.SessionStatus
}

// Option 副本选项
type Option func(*Replica)

// WithEngine 绑定引擎回调
func WithEngine(e Engine) Option { return func(r *Replica) { r.engine = e } }

// WithCatalog 替换效果表
func WithCatalog(c game.Catalog) Option { return func(r *Replica) { r.catalog = c } }

// WithLogger 使用指定日志
func WithLogger(l *zap.SugaredLogger) Option { return func(r *Replica) { r.log = l } }

// NewReplica self 为本连接的身份 id
func NewReplica(self string, opts ...Option) *Replica {
	r := &Replica{
		self:     self,
		entities: make(map[string]*game.EntityConfig),
		outbox:   make(map[string]*game.EntityDelta),
		catalog:  game.DefaultCatalog(),
		log:      zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Self 本端身份
func (r *Replica) Self() string { return r.self }

// Host 最近一帧的 host
func (r *Replica) Host() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host
}

// LastTick 最近应用的 tick
func (r *Replica) LastTick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTick
}

// Status 最近一帧的会话状态
func (r *Replica) Status() game.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Get 读取实体副本
func (r *Replica) Get(id string) (game.EntityConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return game.EntityConfig{}, false
	}
	return e.Clone(), true
}

// Managed 本端管理的实体 id（有序）
func (r *Replica) Managed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.entities {
		if e.Manager == r.self {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Spawn 本地生成实体（预测），id 全局唯一，首次写入即认领管理权
func (r *Replica) Spawn(d game.EntityDelta) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, invalid := game.NewEntity(r.self, d)
	if len(invalid) > 0 {
		r.log.Warnw("dropped unknown attributes", "entity", id, "keys", invalid)
	}
	r.entities[id] = &cfg
	initial := d
	initial.Attributes = cfg.Attributes.Clone()
	r.outbox[id] = &initial
	r.notifySpawn(id, cfg)
	return id
}

// Mod 对本端管理的实体施加加法修正
func (r *Replica) Mod(id string, mods game.AttributeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(id)
	if err != nil {
		return err
	}
	r.modLocked(id, e, mods)
	return nil
}

// Move 设置本端管理实体的绝对位置
func (r *Replica) Move(id string, pos game.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(id)
	if err != nil {
		return err
	}
	e.Position = pos
	d := r.pending(id)
	p := pos
	d.Position = &p
	r.notifyUpdate(id, *e)
	return nil
}

// Destroy 本地销毁并在下一次 Flush 中上报
func (r *Replica) Destroy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.owned(id); err != nil {
		return err
	}
	delete(r.entities, id)
	r.outbox[id] = &game.EntityDelta{Destroy: true}
	if r.engine != nil {
		r.engine.Destroy(id)
	}
	return nil
}

// ApplyTick 应用服务端全量快照：他人管理的实体覆盖本地；
// 新划归本端的实体（host 接管）采用服务端值；kill-list 中的实体移除
func (r *Replica) ApplyTick(t game.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Tick <= r.lastTick && r.lastTick != 0 {
		return
	}
	r.lastTick = t.Tick
	r.host = t.Host
	r.status = t.Status

	for id, cfg := range t.State.Entities {
		r.applyRemote(id, cfg)
	}
	for id, p := range t.State.PendingSpawns {
		cfg := p.Config
		cfg.Manager = p.Manager
		r.applyRemote(id, cfg)
	}
	for id := range t.State.DestroyedEntities {
		if _, ok := r.entities[id]; ok {
			delete(r.entities, id)
			delete(r.outbox, id)
			if r.engine != nil {
				r.engine.Destroy(id)
			}
		}
	}
}

func (r *Replica) applyRemote(id string, remote game.EntityConfig) {
	local, known := r.entities[id]
	if known && local.Manager == r.self && !game.ShouldApplyRemote(remote, r.self) {
		// 本端管理：绝不被网络覆盖
		return
	}
	if _, queued := r.outbox[id]; queued && remote.Manager == r.self {
		return
	}
	cfg := remote.Clone()
	r.entities[id] = &cfg
	if !known {
		r.notifySpawn(id, cfg)
	} else {
		r.notifyUpdate(id, cfg)
	}
	if known && local.Manager != r.self && remote.Manager == r.self {
		r.log.Infow("took over entity", "entity", id, "from", local.Manager)
	}
}

// HandleAffect 处理服务端转发的 affect：只结算本端管理的目标，其余忽略。
// 返回实际结算的实体 id
func (r *Replica) HandleAffect(a game.AffectUpdate) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var source *game.EntityConfig
	if s, ok := r.entities[a.Affector]; ok {
		c := s.Clone()
		source = &c
	}
	var applied []string
	for _, id := range a.Affected {
		target, ok := r.entities[id]
		if !ok || target.Manager != r.self {
			continue
		}
		mods, effective := r.catalog.Resolve(a.Affectors, target, source)
		if len(effective) == 0 {
			continue
		}
		r.modLocked(id, target, mods)
		applied = append(applied, id)
	}
	return applied
}

// TriggerAffect 本端管理的 affector 命中目标：自己管理的目标立即结算，
// 其余目标返回一条 affect update 交由服务端转发；没有需要转发的目标时返回 nil
func (r *Replica) TriggerAffect(affector string, affectors, affected []string) (*game.Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, err := r.owned(affector)
	if err != nil {
		return nil, err
	}
	source := src.Clone()
	var remote []string
	for _, id := range affected {
		target, ok := r.entities[id]
		if ok && target.Manager == r.self {
			mods, _ := r.catalog.Resolve(affectors, target, &source)
			r.modLocked(id, target, mods)
			continue
		}
		remote = append(remote, id)
	}
	if len(remote) == 0 {
		return nil, nil
	}
	return &game.Update{Type: game.UpdateAffect, Affect: &game.AffectUpdate{
		Affector:  affector,
		Affectors: append([]string(nil), affectors...),
		Affected:  remote,
	}}, nil
}

// Flush 取出累积的实体增量，附带最近应用的 tick 作为确认。没有增量时返回 false
func (r *Replica) Flush() (game.Update, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outbox) == 0 {
		return game.Update{}, false
	}
	deltas := make(map[string]game.EntityDelta, len(r.outbox))
	for id, d := range r.outbox {
		deltas[id] = *d
	}
	r.outbox = make(map[string]*game.EntityDelta)
	ack := r.lastTick
	return game.Update{Type: game.UpdateEntities, Entities: deltas, Ack: &ack}, true
}

func (r *Replica) owned(id string) (*game.EntityConfig, error) {
	e, ok := r.entities[id]
	if !ok {
		return nil, fmt.Errorf("unknown entity %s", id)
	}
	if e.Manager != r.self {
		return nil, &game.Error{Type: game.AuthorityViolation, Msg: fmt.Sprintf("entity %s is managed by %s", id, e.Manager)}
	}
	return e, nil
}

// modLocked 本地应用并累积到出站增量（同一实体多次修正相加）
func (r *Replica) modLocked(id string, e *game.EntityConfig, mods game.AttributeSet) {
	if len(mods) == 0 {
		return
	}
	before := e.Clone()
	e.Apply(game.EntityDelta{Attributes: mods})
	// 裁剪后的实际变化量才是要上报的修正
	diff, changed := game.Diff(before, *e)
	if !changed {
		return
	}
	d := r.pending(id)
	if d.Attributes == nil {
		d.Attributes = make(game.AttributeSet)
	}
	for k, v := range diff.Attributes {
		d.Attributes[k] += v
	}
	r.notifyUpdate(id, *e)
}

func (r *Replica) pending(id string) *game.EntityDelta {
	d, ok := r.outbox[id]
	if !ok {
		d = &game.EntityDelta{}
		r.outbox[id] = d
	}
	return d
}

func (r *Replica) notifySpawn(id string, cfg game.EntityConfig) {
	if r.engine != nil {
		r.engine.Spawn(id, cfg.Clone())
	}
}

func (r *Replica) notifyUpdate(id string, cfg game.EntityConfig) {
	if r.engine != nil {
		r.engine.UpdateConfig(id, cfg.Clone())
	}
}
