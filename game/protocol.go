package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 客户端 → 服务端消息类型
const (
	MsgJoin      = "join"
	MsgCreate    = "create"
	MsgLeave     = "leave"
	MsgUpdate    = "update"
	MsgMessage   = "message"
	MsgAck       = "ack"
	MsgHeartbeat = "heartbeat"
	MsgSessions  = "sessions"
)

// 服务端 → 客户端消息类型
const (
	MsgTick         = "tick"
	MsgJoined       = "joined"
	MsgCreated      = "created"
	MsgEnded        = "ended"
	MsgLeft         = "left"
	MsgConnected    = "connected"
	MsgDisconnected = "disconnected"
	MsgNotification = "notification"
	MsgError        = "error"
)

// UpdateType update 消息的子类型
type UpdateType string

const (
	UpdateEntities    UpdateType = "entities"
	UpdateStats       UpdateType = "stats"
	UpdateStatus      UpdateType = "status"
	UpdateAffect      UpdateType = "affect"
	UpdatePause       UpdateType = "pause"
	UpdateResume      UpdateType = "resume"
	UpdateEnd         UpdateType = "end"
	UpdateChangeSpawn UpdateType = "change_spawn"
)

// ClientMessage 入站信封 {msg_type, content, ref?}
type ClientMessage struct {
	Type    string          `json:"msg_type"`
	Content json.RawMessage `json:"content,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// ServerMessage 出站信封 {msg_type, content}
type ServerMessage struct {
	Type    string `json:"msg_type" msgpack:"msg_type"`
	Content any    `json:"content,omitempty" msgpack:"content,omitempty"`
}

type JoinRequest struct {
	SessionID string `json:"session_id"`
	Password  string `json:"password,omitempty"`
}

type CreateRequest struct {
	GameID       string   `json:"game_id"`
	Password     string   `json:"password,omitempty"`
	Whitelist    []string `json:"whitelist,omitempty"`
	PlayerLimit  int      `json:"player_limit,omitempty"`
	AttemptLimit int      `json:"attempt_limit,omitempty"`
	Spawn        *Spawn   `json:"spawn,omitempty"`
}

// ChatRequest recipiants 沿用原有线上拼写
type ChatRequest struct {
	Msg        string   `json:"msg"`
	Recipients []string `json:"recipiants,omitempty"`
}

type AckRequest struct {
	Tick uint64 `json:"tick"`
}

type SessionsRequest struct {
	GameID string `json:"game_id,omitempty"`
}

// PlayerStats 每玩家统计
type PlayerStats struct {
	Kills     int        `json:"kills" msgpack:"kills"`
	XPAccrual uint64     `json:"xp_accrual" msgpack:"xp_accrual"`
	DiedAt    *time.Time `json:"died_at,omitempty" msgpack:"died_at,omitempty"`
}

// AffectUpdate {affector, affectors, affected}
type AffectUpdate struct {
	Affector  string   `json:"affector" msgpack:"affector"`
	Affectors []string `json:"affectors" msgpack:"affectors"`
	Affected  []string `json:"affected" msgpack:"affected"`
}

// PauseRequest pause 可选载荷
type PauseRequest struct {
	ForDuration int64 `json:"for_duration,omitempty"` // 毫秒
}

// Spawn 出生区域（矩形）
type Spawn struct {
	Scene string      `json:"scene" msgpack:"scene"`
	Zone  [2]Position `json:"zone" msgpack:"zone"`
}

// DefaultSpawn 默认场景
func DefaultSpawn() Spawn {
	return Spawn{Scene: "BaseScene", Zone: [2]Position{{X: 0, Y: 0}, {X: 1920, Y: 1080}}}
}

// Update 带类型的增量 {update_type, update, ack?}
type Update struct {
	Type     UpdateType
	Entities map[string]EntityDelta
	Stats    *PlayerStats
	Status   *PlayerStatus
	Affect   *AffectUpdate
	Pause    *PauseRequest
	Spawn    *Spawn
	// Ack 发送方已应用的最新 tick（可选）
	Ack *uint64
}

type updateWire struct {
	Type   UpdateType      `json:"update_type"`
	Update json.RawMessage `json:"update,omitempty"`
	Ack    *uint64         `json:"ack,omitempty"`
}

func (u Update) payload() any {
	switch u.Type {
	case UpdateEntities:
		return u.Entities
	case UpdateStats:
		return u.Stats
	case UpdateStatus:
		return u.Status
	case UpdateAffect:
		return u.Affect
	case UpdatePause:
		if u.Pause != nil {
			return u.Pause
		}
	case UpdateChangeSpawn:
		return u.Spawn
	}
	return nil
}

func (u Update) MarshalJSON() ([]byte, error) {
	w := updateWire{Type: u.Type, Ack: u.Ack}
	if p := u.payload(); p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		w.Update = b
	}
	return json.Marshal(w)
}

func (u *Update) UnmarshalJSON(b []byte) error {
	var w updateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = Update{Type: w.Type, Ack: w.Ack}
	empty := len(w.Update) == 0 || string(w.Update) == "null"
	switch w.Type {
	case UpdateEntities:
		if empty {
			return fmt.Errorf("entities update without payload")
		}
		return json.Unmarshal(w.Update, &u.Entities)
	case UpdateStats:
		if empty {
			return fmt.Errorf("stats update without payload")
		}
		u.Stats = new(PlayerStats)
		return json.Unmarshal(w.Update, u.Stats)
	case UpdateStatus:
		if empty {
			return fmt.Errorf("status update without payload")
		}
		u.Status = new(PlayerStatus)
		return json.Unmarshal(w.Update, u.Status)
	case UpdateAffect:
		if empty {
			return fmt.Errorf("affect update without payload")
		}
		u.Affect = new(AffectUpdate)
		if err := json.Unmarshal(w.Update, u.Affect); err != nil {
			return err
		}
		if u.Affect.Affector == "" {
			return fmt.Errorf("affect update without affector")
		}
		return nil
	case UpdatePause:
		if !empty {
			u.Pause = new(PauseRequest)
			return json.Unmarshal(w.Update, u.Pause)
		}
		return nil
	case UpdateResume, UpdateEnd:
		return nil
	case UpdateChangeSpawn:
		if empty {
			return fmt.Errorf("change_spawn update without payload")
		}
		u.Spawn = new(Spawn)
		return json.Unmarshal(w.Update, u.Spawn)
	default:
		return fmt.Errorf("unknown update_type %q", w.Type)
	}
}

// ServerUpdate 服务端转发的 update（目前仅 affect）
type ServerUpdate struct {
	Type   UpdateType `json:"update_type" msgpack:"update_type"`
	Update any        `json:"update" msgpack:"update"`
}

// PendingSpawn 待确认的生成：请求方 manager 与其配置
type PendingSpawn struct {
	Manager string       `json:"manager" msgpack:"manager"`
	Config  EntityConfig `json:"config" msgpack:"config"`
}

// SessionState 每 tick 全量广播的会话状态
type SessionState struct {
	Spawn             Spawn                   `json:"spawn" msgpack:"spawn"`
	Entities          map[string]EntityConfig `json:"entities" msgpack:"entities"`
	PendingSpawns     map[string]PendingSpawn `json:"pending_spawns" msgpack:"pending_spawns"`
	DestroyedEntities map[string]EntityConfig `json:"destroyed_entities" msgpack:"destroyed_entities"`
	Stats             map[string]PlayerStats  `json:"stats" msgpack:"stats"`
}

// PlayerInfo 玩家视图
type PlayerInfo struct {
	Ping            int64        `json:"ping" msgpack:"ping"`
	ManagedEntities []string     `json:"managed_entities" msgpack:"managed_entities"`
	Stats           PlayerStats  `json:"stats" msgpack:"stats"`
	Status          PlayerStatus `json:"status" msgpack:"status"`
}

type Tick struct {
	Tick    uint64                `json:"tick" msgpack:"tick"`
	State   SessionState          `json:"state" msgpack:"state"`
	Players map[string]PlayerInfo `json:"players" msgpack:"players"`
	Status  SessionStatus         `json:"status" msgpack:"status"`
	Host    string                `json:"host" msgpack:"host"`
}

type Joined struct {
	SessionID string                `json:"session_id" msgpack:"session_id"`
	Players   map[string]PlayerInfo `json:"players" msgpack:"players"`
	State     SessionState          `json:"state" msgpack:"state"`
	Status    SessionStatus         `json:"status" msgpack:"status"`
}

type Created struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
	GameID    string `json:"game_id" msgpack:"game_id"`
}

type Left struct {
	UserID          string   `json:"user_id" msgpack:"user_id"`
	ManagedEntities []string `json:"managed_entities" msgpack:"managed_entities"`
}

type Ended struct {
	SessionID string `json:"session_id" msgpack:"session_id"`
}

type Connected struct {
	ID string `json:"id" msgpack:"id"`
}

type Disconnected struct {
	UserID string `json:"user_id" msgpack:"user_id"`
}

type Notification struct {
	ID      string `json:"id" msgpack:"id"`
	Message string `json:"message" msgpack:"message"`
}

type Chat struct {
	Sender string `json:"sender" msgpack:"sender"`
	Msg    string `json:"msg" msgpack:"msg"`
}

// ErrorContent {error, error_type}，ref 对应引发错误的请求
type ErrorContent struct {
	Error      string    `json:"error" msgpack:"error"`
	ErrorType  ErrorType `json:"error_type" msgpack:"error_type"`
	Constraint string    `json:"constraint,omitempty" msgpack:"constraint,omitempty"`
	Ref        string    `json:"ref,omitempty" msgpack:"ref,omitempty"`
}

// SessionView 会话列表项
type SessionView struct {
	SessionID string    `json:"session_id" msgpack:"session_id"`
	GameID    string    `json:"game_id" msgpack:"game_id"`
	Creator   string    `json:"creator" msgpack:"creator"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	Players   int       `json:"players" msgpack:"players"`
	Password  bool      `json:"password" msgpack:"password"`
	Phase     Phase     `json:"phase" msgpack:"phase"`
}

// ErrorMessage 把 error 转换为线上 error 消息
func ErrorMessage(err error, ref string) ServerMessage {
	c := ErrorContent{Error: err.Error(), ErrorType: TypeOf(err), Ref: ref}
	var e *Error
	if errors.As(err, &e) {
		c.Constraint = e.Constraint
		if e.Msg != "" {
			c.Error = e.Msg
		}
	}
	return ServerMessage{Type: MsgError, Content: c}
}
