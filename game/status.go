package game

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Phase 会话生命周期阶段
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseInProgress  Phase = "in_progress"
	PhasePaused      Phase = "paused"
	PhasePostSession Phase = "post_session"
)

// SessionStatus 会话级状态机：starting → in_progress ↔ paused → post_session（终态）
type SessionStatus struct {
	Phase    Phase
	Since    time.Time     // 进入当前阶段的时间（paused 时即 paused_at）
	PausedBy string        // 可选：请求暂停者
	PauseFor time.Duration // 可选：固定暂停时长，到期自动恢复
	Elapsed  time.Duration // 仅用于序列化：快照时刻在当前阶段停留的时长
}

// NewSessionStatus 会话创建即进入 starting
func NewSessionStatus(now time.Time) SessionStatus {
	return SessionStatus{Phase: PhaseStarting, Since: now}
}

// Terminal post_session 不再接受任何迁移
func (s SessionStatus) Terminal() bool { return s.Phase == PhasePostSession }

func (s *SessionStatus) transition(to Phase, now time.Time) {
	s.Phase = to
	s.Since = now
	s.PausedBy = ""
	s.PauseFor = 0
}

// Begin starting → in_progress
func (s *SessionStatus) Begin(now time.Time) error {
	if s.Phase != PhaseStarting {
		return invalidTransition(s.Phase, PhaseInProgress)
	}
	s.transition(PhaseInProgress, now)
	return nil
}

// Pause 仅 in_progress 可暂停
func (s *SessionStatus) Pause(now time.Time, by string, forDuration time.Duration) error {
	if s.Phase != PhaseInProgress {
		return invalidTransition(s.Phase, PhasePaused)
	}
	s.transition(PhasePaused, now)
	s.PausedBy = by
	s.PauseFor = forDuration
	return nil
}

// Resume paused → in_progress
func (s *SessionStatus) Resume(now time.Time) error {
	if s.Phase != PhasePaused {
		return invalidTransition(s.Phase, PhaseInProgress)
	}
	s.transition(PhaseInProgress, now)
	return nil
}

// End 任意非终态 → post_session，不可逆
func (s *SessionStatus) End(now time.Time) error {
	if s.Terminal() {
		return invalidTransition(s.Phase, PhasePostSession)
	}
	s.transition(PhasePostSession, now)
	return nil
}

// ResumeDue 带时长的暂停是否已到期
func (s SessionStatus) ResumeDue(now time.Time) bool {
	return s.Phase == PhasePaused && s.PauseFor > 0 && !now.Before(s.Since.Add(s.PauseFor))
}

// At 返回带 Elapsed 的副本，供快照序列化
func (s SessionStatus) At(now time.Time) SessionStatus {
	s.Elapsed = now.Sub(s.Since)
	if s.Elapsed < 0 {
		s.Elapsed = 0
	}
	return s
}

func invalidTransition(from, to Phase) error {
	return &Error{Type: InvalidTransition, Msg: fmt.Sprintf("cannot move from %s to %s", from, to)}
}

type pausedWire struct {
	PausedAt    time.Time `json:"paused_at" msgpack:"paused_at"`
	ForDuration *int64    `json:"for_duration,omitempty" msgpack:"for_duration,omitempty"`
	By          string    `json:"by,omitempty" msgpack:"by,omitempty"`
}

// wire 与原有客户端一致的外部形态：
// {"starting":ms} | {"in_progress":ms} | {"paused_at":ts,"for_duration"?,"by"?} | "post_session"
func (s SessionStatus) wire() any {
	switch s.Phase {
	case PhaseStarting:
		return map[string]int64{"starting": s.Elapsed.Milliseconds()}
	case PhaseInProgress:
		return map[string]int64{"in_progress": s.Elapsed.Milliseconds()}
	case PhasePaused:
		p := pausedWire{PausedAt: s.Since.UTC(), By: s.PausedBy}
		if s.PauseFor > 0 {
			ms := s.PauseFor.Milliseconds()
			p.ForDuration = &ms
		}
		return p
	default:
		return string(PhasePostSession)
	}
}

func (s SessionStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.wire()) }

func (s *SessionStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		if str != string(PhasePostSession) {
			return fmt.Errorf("unknown session status %q", str)
		}
		*s = SessionStatus{Phase: PhasePostSession}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, ok := raw["starting"]; ok {
		return s.decodeElapsed(PhaseStarting, v)
	}
	if v, ok := raw["in_progress"]; ok {
		return s.decodeElapsed(PhaseInProgress, v)
	}
	if _, ok := raw["paused_at"]; ok {
		var p pausedWire
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		*s = SessionStatus{Phase: PhasePaused, Since: p.PausedAt, PausedBy: p.By}
		if p.ForDuration != nil {
			s.PauseFor = time.Duration(*p.ForDuration) * time.Millisecond
		}
		return nil
	}
	return fmt.Errorf("unknown session status %s", string(b))
}

func (s *SessionStatus) decodeElapsed(phase Phase, v json.RawMessage) error {
	var ms int64
	if err := json.Unmarshal(v, &ms); err != nil {
		return err
	}
	*s = SessionStatus{Phase: phase, Elapsed: time.Duration(ms) * time.Millisecond}
	return nil
}

func (s SessionStatus) EncodeMsgpack(enc *msgpack.Encoder) error { return enc.Encode(s.wire()) }

// PlayerState 玩家级状态（仅供 UI 与匹配公平性参考，不阻塞会话状态机）
type PlayerState string

const (
	PlayerLoading        PlayerState = "loading"
	PlayerReady          PlayerState = "ready"
	PlayerInProgress     PlayerState = "in_progress"
	PlayerLostConnection PlayerState = "lost_connection"
	PlayerEnded          PlayerState = "ended"
)

// PlayerStatus loading_from(ts) → ready → {in_progress 时长 | lost_connection(ts) | ended(ts)}
type PlayerStatus struct {
	State PlayerState
	Since time.Time
	// 仅用于序列化 in_progress 时长
	Elapsed time.Duration
}

// Connected 仍在线参与（未掉线、未离开）
func (p PlayerStatus) Connected() bool {
	return p.State != PlayerLostConnection && p.State != PlayerEnded
}

// At 返回带 Elapsed 的副本
func (p PlayerStatus) At(now time.Time) PlayerStatus {
	p.Elapsed = now.Sub(p.Since)
	if p.Elapsed < 0 {
		p.Elapsed = 0
	}
	return p
}

func (p PlayerStatus) wire() any {
	switch p.State {
	case PlayerLoading:
		return map[string]time.Time{"loading_from": p.Since.UTC()}
	case PlayerLostConnection:
		return map[string]time.Time{"lost_connection_at": p.Since.UTC()}
	case PlayerInProgress:
		return map[string]int64{"for_duration": p.Elapsed.Milliseconds()}
	case PlayerEnded:
		return map[string]time.Time{"ended_at": p.Since.UTC()}
	default:
		return string(PlayerReady)
	}
}

func (p PlayerStatus) MarshalJSON() ([]byte, error) { return json.Marshal(p.wire()) }

func (p PlayerStatus) EncodeMsgpack(enc *msgpack.Encoder) error { return enc.Encode(p.wire()) }

func (p *PlayerStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		switch PlayerState(str) {
		case PlayerReady, PlayerLoading, PlayerInProgress:
			*p = PlayerStatus{State: PlayerState(str)}
			return nil
		}
		return fmt.Errorf("unknown player status %q", str)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	stamped := map[string]PlayerState{
		"loading_from":       PlayerLoading,
		"lost_connection_at": PlayerLostConnection,
		"ended_at":           PlayerEnded,
	}
	for key, state := range stamped {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var ts time.Time
		if err := json.Unmarshal(v, &ts); err != nil {
			return err
		}
		*p = PlayerStatus{State: state, Since: ts}
		return nil
	}
	if v, ok := raw["for_duration"]; ok {
		var ms int64
		if err := json.Unmarshal(v, &ms); err != nil {
			return err
		}
		*p = PlayerStatus{State: PlayerInProgress, Elapsed: time.Duration(ms) * time.Millisecond}
		return nil
	}
	return fmt.Errorf("unknown player status %s", string(b))
}
