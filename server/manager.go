package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"deltarena/game"
)

// SessionManager 管理多个会话的生命周期。会话之间不共享可变状态，各自一个 Tick 协程
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ctx       context.Context
	cfg       SessionConfig
	archive   Archiver
	observers []game.Observer
	pings     func(string) int64
	wg        sync.WaitGroup
}

// NewSessionManager ctx 取消时所有会话结束并归档
func NewSessionManager(ctx context.Context, cfg SessionConfig, archive Archiver, pings func(string) int64, observers ...game.Observer) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cfg:       cfg,
		archive:   archive,
		observers: observers,
		pings:     pings,
	}
}

// Create 创建会话并启动 Tick 循环
func (m *SessionManager) Create(creator string, req game.CreateRequest) (*Session, error) {
	rules, err := NewRules(req)
	if err != nil {
		return nil, err
	}
	s := NewSession(SessionOptions{
		ID:        uuid.NewString(),
		GameID:    req.GameID,
		Creator:   creator,
		Rules:     rules,
		Spawn:     req.Spawn,
		Config:    m.cfg,
		Archive:   m.archive,
		Observers: m.observers,
		Pings:     m.pings,
		OnEnd:     m.remove,
		Now:       time.Now(),
	})
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(m.ctx)
	}()
	Log.Infow("session created", "session", s.ID, "game", req.GameID, "creator", creator)
	return s, nil
}

// Get 按 id 查找
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &game.Error{Type: game.SessionNotFound, Msg: "no session " + id}
	}
	return s, nil
}

// List 会话列表，gameID 为空时返回全部，按创建时间排序
func (m *SessionManager) List(gameID string) []game.SessionView {
	m.mu.RLock()
	views := make([]game.SessionView, 0, len(m.sessions))
	for _, s := range m.sessions {
		v := s.View()
		if gameID == "" || v.GameID == gameID {
			views = append(views, v)
		}
	}
	m.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// Len 运行中的会话数
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Wait 等待所有会话的 Tick 协程退出
func (m *SessionManager) Wait() { m.wg.Wait() }

func (m *SessionManager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}
