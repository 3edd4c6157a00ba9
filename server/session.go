package server

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"deltarena/game"
)

// Rules 会话准入规则
type Rules struct {
	PasswordHash []byte
	Whitelist    []string
	PlayerLimit  int // 0 表示不限
	AttemptLimit int // 每个用户累计加入次数上限，0 表示不限
}

// NewRules 由创建请求构造规则，密码以 bcrypt 存储
func NewRules(req game.CreateRequest) (Rules, error) {
	r := Rules{
		Whitelist:    slices.Clone(req.Whitelist),
		PlayerLimit:  req.PlayerLimit,
		AttemptLimit: req.AttemptLimit,
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return Rules{}, fmt.Errorf("hash session password: %w", err)
		}
		r.PasswordHash = hash
	}
	return r, nil
}

// check 白名单与密码；创建者不受限制
func (r Rules) check(user, creator, password string) error {
	if user == creator {
		return nil
	}
	if len(r.Whitelist) > 0 && !slices.Contains(r.Whitelist, user) {
		return &game.Error{Type: game.Restricted, Msg: "not on the session whitelist"}
	}
	if len(r.PasswordHash) > 0 && bcrypt.CompareHashAndPassword(r.PasswordHash, []byte(password)) != nil {
		return &game.Error{Type: game.Restricted, Msg: "wrong session password"}
	}
	return nil
}

// LogEntry 会话日志
type LogEntry struct {
	At  time.Time `json:"at"`
	Msg string    `json:"msg"`
}

// SessionOptions 创建会话所需参数
type SessionOptions struct {
	ID        string
	GameID    string
	Creator   string
	Rules     Rules
	Spawn     *game.Spawn
	Config    SessionConfig
	Catalog   game.Catalog
	Archive   Archiver
	Observers []game.Observer
	// Pings 查询玩家往返时延（毫秒）
	Pings func(id string) int64
	// OnEnd 会话结束后在 Tick 协程内回调一次
	OnEnd func(*Session)
	Now   time.Time
}

// Session 一个运行中的对局。除收件箱与原子快照外，所有字段只由 Tick 协程访问
type Session struct {
	ID        string
	GameID    string
	Creator   string
	CreatedAt time.Time

	cfg     SessionConfig
	rules   Rules
	status  game.SessionStatus
	spawn   game.Spawn
	players map[string]*Player
	order   []string // 按加入顺序
	host    string

	attempts map[string]int
	store    *Store
	catalog  game.Catalog
	logs     []LogEntry

	tickSeq        uint64
	clock          time.Time // 当前 Tick 的时间，事件处理统一使用
	lastCheckpoint time.Time
	farewell       []Outbox // 结束时仍在线的玩家，最后一帧与 ended 发给他们

	inbox     chan event
	done      chan struct{}
	finished  bool
	shutdown  bool // 服务关闭，下一个 Tick 结束会话
	archive   Archiver
	observers []game.Observer
	pings     func(string) int64
	onEnd     func(*Session)
	metrics   *Metrics

	// 供其他协程读取的快照，每个 Tick 末尾发布
	view     atomic.Pointer[game.SessionView]
	tunables atomic.Pointer[Tunables]
	tick     atomic.Uint64
}

// NewSession 创建会话，状态为 starting。调用方负责启动 Run
func NewSession(opts SessionOptions) *Session {
	cfg := opts.Config.withDefaults()
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	spawn := game.DefaultSpawn()
	if opts.Spawn != nil {
		spawn = *opts.Spawn
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = game.DefaultCatalog()
	}
	s := &Session{
		ID:             id,
		GameID:         opts.GameID,
		Creator:        opts.Creator,
		CreatedAt:      now,
		cfg:            cfg,
		rules:          opts.Rules,
		status:         game.NewSessionStatus(now),
		spawn:          spawn,
		players:        make(map[string]*Player),
		host:           game.ServerManager,
		attempts:       make(map[string]int),
		store:          NewStore(cfg.SpawnAckTimeout),
		catalog:        catalog,
		clock:          now,
		lastCheckpoint: now,
		inbox:          make(chan event, cfg.InboxCapacity),
		done:           make(chan struct{}),
		archive:        opts.Archive,
		observers:      opts.Observers,
		pings:          opts.Pings,
		onEnd:          opts.OnEnd,
		metrics:        &Metrics{},
	}
	s.logf("session created by %s", opts.Creator)
	s.publish()
	return s
}

// Done 会话结束后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Metrics 会话指标
func (s *Session) Metrics() *Metrics { return s.metrics }

// Tick 最近一次广播的 tick 序号
func (s *Session) Tick() uint64 { return s.tick.Load() }

// View 会话列表视图（任意协程可读）
func (s *Session) View() game.SessionView { return *s.view.Load() }

// Tunables 当前可调参数（任意协程可读）
func (s *Session) Tunables() Tunables { return *s.tunables.Load() }

// ---- 以下方法由网络协程调用，只向收件箱投递 ----

// Join 加入会话并等待 Tick 协程处理结果。ctx 到期返回 RequestTimeout，且不产生任何修改
func (s *Session) Join(ctx context.Context, args JoinArgs) error {
	ev, err := s.requestJoin(ctx, args)
	if err != nil {
		return err
	}
	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		if ev.state.CompareAndSwap(joinPending, joinAbandoned) {
			return &game.Error{Type: game.RequestTimeout, Msg: "join timed out"}
		}
		// 已被受理，结果随后必定到达
		return <-ev.reply
	case <-s.done:
		return &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	}
}

func (s *Session) requestJoin(ctx context.Context, args JoinArgs) (joinEvent, error) {
	ev := joinEvent{ctx: ctx, args: args, state: new(atomic.Int32), reply: make(chan error, 1)}
	select {
	case <-s.done:
		return joinEvent{}, &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	default:
	}
	select {
	case s.inbox <- ev:
		return ev, nil
	case <-ctx.Done():
		return joinEvent{}, &game.Error{Type: game.RequestTimeout, Msg: "join timed out"}
	case <-s.done:
		return joinEvent{}, &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	}
}

// Leave 主动离开；阻塞直到被处理或会话结束
func (s *Session) Leave(userID string) error {
	done := make(chan struct{})
	if err := s.deliver(leaveEvent{userID: userID, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
	case <-s.done:
	}
	return nil
}

// Disconnect 连接断开或被驱逐，玩家转为 lost_connection（保留重连机会）
func (s *Session) Disconnect(userID string, out Outbox) error {
	return s.deliver(disconnectEvent{userID: userID, out: out})
}

// Update 投递一条 update，收件箱满则丢弃
func (s *Session) Update(userID string, u game.Update, ref string) error {
	return s.offer(updateEvent{userID: userID, update: u, ref: ref})
}

// Chat 投递聊天消息
func (s *Session) Chat(userID string, c game.ChatRequest) error {
	return s.offer(chatEvent{userID: userID, chat: c})
}

// Ack 投递 tick 确认
func (s *Session) Ack(userID string, tick uint64) error {
	return s.offer(ackEvent{userID: userID, tick: tick})
}

// Tune 投递运行期参数修改
func (s *Session) Tune(t Tunables) error {
	return s.deliver(tuneEvent{t: t})
}

// End 请求结束会话（服务端发起）
func (s *Session) End(reason string) error {
	return s.deliver(endEvent{reason: reason})
}

// deliver 可靠投递：收件箱满时等待，会话结束时返回 SessionEnded
func (s *Session) deliver(ev event) error {
	select {
	case <-s.done:
		return &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	default:
	}
	select {
	case s.inbox <- ev:
		return nil
	case <-s.done:
		return &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	}
}

// offer 非阻塞投递：为保证 Tick 准时，拥塞时丢弃
func (s *Session) offer(ev event) error {
	select {
	case <-s.done:
		return &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	default:
	}
	select {
	case s.inbox <- ev:
		return nil
	default:
		s.metrics.IncInboxFull()
		return game.CapacityError("inbox", "session inbox is full")
	}
}

// ---- 以下方法只在 Tick 协程内执行 ----

func (s *Session) handleJoin(e joinEvent) {
	if e.ctx.Err() != nil || !e.state.CompareAndSwap(joinPending, joinAccepted) {
		s.metrics.IncJoinsExpired()
		Log.Infow("join request expired before processing", "session", s.ID, "user", e.args.UserID)
		e.reply <- &game.Error{Type: game.RequestTimeout, Msg: "join request expired"}
		return
	}
	err := s.join(e.args)
	if err != nil {
		Log.Infow("join rejected", "session", s.ID, "user", e.args.UserID, "error", err)
	}
	e.reply <- err
}

func (s *Session) join(a JoinArgs) error {
	now := s.clock
	if s.status.Terminal() {
		return &game.Error{Type: game.SessionEnded, Msg: "session has ended"}
	}
	if a.UserID == "" || a.UserID == game.ServerManager {
		return &game.Error{Type: game.Unauthorized, Msg: "invalid user id"}
	}
	if err := s.rules.check(a.UserID, s.Creator, a.Password); err != nil {
		return err
	}
	p, known := s.players[a.UserID]
	holdsSlot := known && p.Status.State != game.PlayerEnded
	if !holdsSlot && s.rules.PlayerLimit > 0 && s.seated() >= s.rules.PlayerLimit {
		return game.CapacityError("player_limit", fmt.Sprintf("session is limited to %d players", s.rules.PlayerLimit))
	}
	if s.rules.AttemptLimit > 0 && s.attempts[a.UserID] >= s.rules.AttemptLimit {
		return game.CapacityError("attempt_limit", fmt.Sprintf("at most %d join attempts allowed", s.rules.AttemptLimit))
	}
	s.attempts[a.UserID]++

	if !known {
		p = &Player{ID: a.UserID, Ordinal: len(s.order), JoinedAt: now}
		s.players[a.UserID] = p
		s.order = append(s.order, a.UserID)
	}
	p.Out = a.Out
	p.setStatus(game.PlayerLoading, now)
	// joined 消息携带当前全量状态，视为已确认到本 tick
	p.LastAck = s.tickSeq
	s.recomputeHost()

	p.send(game.ServerMessage{Type: game.MsgJoined, Content: game.Joined{
		SessionID: s.ID,
		Players:   s.playerInfos(now),
		State:     s.state(),
		Status:    s.status.At(now),
	}})
	s.notifyOthers(a.UserID, fmt.Sprintf("%s joined the session", a.UserID))
	s.logf("%s joined", a.UserID)
	s.emit(game.Event{Kind: game.EventSessionJoined, PlayerID: a.UserID})
	Log.Infow("player joined", "session", s.ID, "user", a.UserID, "host", s.host)
	return nil
}

func (s *Session) handleLeave(e leaveEvent) {
	defer close(e.done)
	p, ok := s.players[e.userID]
	if !ok || p.Status.State == game.PlayerEnded {
		return
	}
	now := s.clock
	managed := nonNil(s.store.ManagedBy(p.ID))
	p.setStatus(game.PlayerEnded, now)
	p.Out = nil
	s.recomputeHost()

	s.broadcastExcept(p.ID, game.ServerMessage{Type: game.MsgLeft, Content: game.Left{UserID: p.ID, ManagedEntities: managed}})
	s.notifyOthers(p.ID, fmt.Sprintf("%s left the session", p.ID))
	s.logf("%s left", p.ID)
	Log.Infow("player left", "session", s.ID, "user", p.ID, "host", s.host)

	if s.allLeft() {
		s.end(now, "", "all players left")
	}
}

func (s *Session) handleDisconnect(e disconnectEvent) {
	p, ok := s.players[e.userID]
	if !ok || !p.Connected() {
		return
	}
	if e.out != nil && p.Out != e.out {
		return
	}
	p.setStatus(game.PlayerLostConnection, s.clock)
	p.Out = nil
	s.recomputeHost()

	s.broadcastExcept(p.ID, game.ServerMessage{Type: game.MsgDisconnected, Content: game.Disconnected{UserID: p.ID}})
	s.logf("%s lost connection", p.ID)
	s.emit(game.Event{Kind: game.EventPeerLost, PlayerID: p.ID})
	Log.Infow("player lost connection", "session", s.ID, "user", p.ID, "host", s.host)
}

func (s *Session) handleChat(e chatEvent) {
	p, ok := s.players[e.userID]
	if !ok || !p.Connected() || e.chat.Msg == "" {
		return
	}
	msg := game.ServerMessage{Type: game.MsgMessage, Content: game.Chat{Sender: p.ID, Msg: e.chat.Msg}}
	if len(e.chat.Recipients) == 0 {
		s.broadcastExcept(p.ID, msg)
	} else {
		for _, id := range e.chat.Recipients {
			if r, ok := s.players[id]; ok && id != p.ID {
				r.send(msg)
			}
		}
	}
	s.logf("%s: %s", p.ID, e.chat.Msg)
}

func (s *Session) handleAck(userID string, tick uint64) {
	p, ok := s.players[userID]
	if !ok || tick > s.tickSeq {
		return
	}
	if tick > p.LastAck {
		p.LastAck = tick
	}
}

// recomputeHost 创建者在线则为创建者，否则为序号最小的在线玩家，都不在线时为 server
func (s *Session) recomputeHost() {
	host := game.SelectHost(s.Creator, s.order, func(id string) bool {
		p, ok := s.players[id]
		return ok && p.Connected()
	})
	if host != s.host {
		Log.Infow("host changed", "session", s.ID, "from", s.host, "to", host)
		s.logf("host is now %s", host)
		s.host = host
	}
}

// reassignOrphans Tick 边界上把离线 manager 的实体转给 host；
// 无人在线期间由 server 托管的实体在出现真实 host 后交还给它
func (s *Session) reassignOrphans() {
	for _, id := range s.order {
		p := s.players[id]
		if p.Connected() || id == s.host {
			continue
		}
		s.transfer(id)
	}
	if s.host != game.ServerManager {
		s.transfer(game.ServerManager)
	}
}

func (s *Session) transfer(from string) {
	moved := s.store.Transfer(from, s.host)
	if len(moved) == 0 {
		return
	}
	Log.Infow("orphaned entities transferred", "session", s.ID, "from", from, "to", s.host, "entities", moved)
	for _, eid := range moved {
		if e, ok := s.store.Get(eid); ok {
			cfg := e.Clone()
			s.emit(game.Event{Kind: game.EventEntityUpdate, EntityID: eid, Entity: &cfg})
		}
	}
}

// acked 除生成者外的所有在线玩家都已确认到 tick
func (s *Session) acked(manager string, tick uint64) bool {
	for _, p := range s.players {
		if !p.Connected() || p.ID == manager {
			continue
		}
		if p.LastAck < tick {
			return false
		}
	}
	return true
}

// seated 占用席位的玩家数（掉线玩家保留席位以便重连）
func (s *Session) seated() int {
	n := 0
	for _, p := range s.players {
		if p.Status.State != game.PlayerEnded {
			n++
		}
	}
	return n
}

func (s *Session) connected() []*Player {
	var out []*Player
	for _, id := range s.order {
		if p := s.players[id]; p.Connected() {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) allLeft() bool {
	for _, p := range s.players {
		if p.Status.State != game.PlayerEnded {
			return false
		}
	}
	return len(s.players) > 0
}

func (s *Session) broadcast(msg game.ServerMessage) {
	for _, p := range s.connected() {
		p.Out.Send(msg)
	}
}

func (s *Session) broadcastExcept(except string, msg game.ServerMessage) {
	for _, p := range s.connected() {
		if p.ID != except {
			p.Out.Send(msg)
		}
	}
}

func (s *Session) notifyOthers(except, text string) {
	s.broadcastExcept(except, game.ServerMessage{Type: game.MsgNotification, Content: game.Notification{ID: uuid.NewString(), Message: text}})
}

func (s *Session) sendError(p *Player, err error, ref string) {
	if p != nil {
		p.send(game.ErrorMessage(err, ref))
	}
}

func (s *Session) emit(ev game.Event) {
	ev.SessionID = s.ID
	ev.Tick = s.tickSeq
	for _, o := range s.observers {
		o.OnEvent(ev)
	}
}

func (s *Session) logf(format string, args ...any) {
	s.logs = append(s.logs, LogEntry{At: s.clock, Msg: fmt.Sprintf(format, args...)})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
