package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Tunables 会话运行期可调参数（毫秒）
type Tunables struct {
	SpawnAckTimeoutMs *int64 `json:"spawn_ack_timeout,omitempty"`
	StartingTimeoutMs *int64 `json:"starting_timeout,omitempty"`
	PlayerLimit       *int   `json:"player_limit,omitempty"`
}

func (t Tunables) valid() bool {
	return (t.SpawnAckTimeoutMs == nil || *t.SpawnAckTimeoutMs >= 0) &&
		(t.StartingTimeoutMs == nil || *t.StartingTimeoutMs >= 0) &&
		(t.PlayerLimit == nil || *t.PlayerLimit >= 0)
}

// applyTunables 在 Tick 协程内生效
func (s *Session) applyTunables(t Tunables) {
	if t.SpawnAckTimeoutMs != nil {
		s.cfg.SpawnAckTimeout = time.Duration(*t.SpawnAckTimeoutMs) * time.Millisecond
		s.store.SetSpawnAckTimeout(s.cfg.SpawnAckTimeout)
	}
	if t.StartingTimeoutMs != nil {
		s.cfg.StartingTimeout = time.Duration(*t.StartingTimeoutMs) * time.Millisecond
	}
	if t.PlayerLimit != nil {
		s.rules.PlayerLimit = *t.PlayerLimit
	}
	Log.Infow("config updated", "session", s.ID,
		"spawn_ack_timeout", s.cfg.SpawnAckTimeout.String(),
		"starting_timeout", s.cfg.StartingTimeout.String(),
		"player_limit", s.rules.PlayerLimit)
	s.publish()
}

// HandleAdminConfig 提供会话参数的读取与更新（热更新）
// GET /admin/config?session=<id>  返回当前参数
// POST /admin/config?session=<id> 以 JSON 载荷更新部分字段
func (srv *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.Sessions.Get(r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, sess.Tunables())
	case http.MethodPost:
		var body Tunables
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.valid() {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := sess.Tune(body); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出运行指标
// GET /metrics               连接层指标与会话数
// GET /metrics?session=<id>  指定会话的指标
func (srv *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if id == "" {
		writeJSON(w, map[string]any{
			"connections": srv.Registry.Len(),
			"sessions":    srv.Sessions.Len(),
			"metrics":     srv.metrics.Snapshot(),
		})
		return
	}
	sess, err := srv.Sessions.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"session": id,
		"tick":    sess.Tick(),
		"metrics": sess.Metrics().Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
