package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"deltarena/game"
)

// Archiver 接收会话检查点与结束归档。二者都在 Tick 协程内调用：
// Checkpoint 必须非阻塞，可丢弃；Final 每个会话只调用一次，必须落盘
type Archiver interface {
	Checkpoint(Record)
	Final(Record)
}

// PlayerRecord player_sessions 表的一行
type PlayerRecord struct {
	Info     game.PlayerInfo `json:"info"`
	JoinedAt time.Time       `json:"joined_at"`
	EndedAt  *time.Time      `json:"ended_at,omitempty"`
}

// Record 会话归档快照（已深拷贝，可跨协程传递）
type Record struct {
	SessionID string
	GameID    string
	Creator   string
	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time
	Status    game.SessionStatus
	State     game.SessionState
	Players   map[string]PlayerRecord
	Logs      []LogEntry
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS sessions (
  id         TEXT PRIMARY KEY,
  game_id    TEXT NOT NULL,
  creator    TEXT NOT NULL,
  status     TEXT NOT NULL,
  state      TEXT NOT NULL,
  logs       TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS player_sessions (
  session_id TEXT NOT NULL,
  user_id    TEXT NOT NULL,
  info       TEXT NOT NULL,
  joined_at  INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  ended_at   INTEGER,
  PRIMARY KEY (session_id, user_id)
);`

// Archive SQLite 归档，写入在独立协程中进行，不阻塞 Tick
type Archive struct {
	db    *sql.DB
	queue chan Record
	stop  chan struct{}
	once  sync.Once
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenArchive 打开 SQLite 文件并建表
func OpenArchive(path string, queueSize int) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return &Archive{db: db, queue: make(chan Record, queueSize), stop: make(chan struct{})}, nil
}

// Checkpoint 入队，队列满时丢弃并记录错误
func (a *Archive) Checkpoint(rec Record) {
	select {
	case a.queue <- rec:
	default:
		Log.Errorw("archive queue full, checkpoint dropped", "session", rec.SessionID)
	}
}

// Final 同步写入结束归档，不经过可丢弃的队列。队列中更早的检查点随后写入也不会覆盖它
func (a *Archive) Final(rec Record) {
	a.write(rec)
}

// Run 写协程：持续写入直到 Stop，退出前写完队列中剩余记录
func (a *Archive) Run() error {
	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
		case <-a.stop:
			for {
				select {
				case rec := <-a.queue:
					a.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

// Stop 通知写协程退出
func (a *Archive) Stop() {
	a.once.Do(func() { close(a.stop) })
}

func (a *Archive) write(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Save(ctx, rec); err != nil {
		Log.Errorw("archive write failed", "session", rec.SessionID, "error", err)
	}
}

// Save 同步写入一条记录（sessions 与 player_sessions 在同一事务中 upsert）。
// 只接受不早于已存记录的写入，ended_at 一旦写入不再清除
func (a *Archive) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := json.Marshal(rec.Status)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, game_id, creator, status, state, logs, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   state = excluded.state,
		   logs = excluded.logs,
		   updated_at = excluded.updated_at,
		   ended_at = COALESCE(sessions.ended_at, excluded.ended_at)
		 WHERE excluded.updated_at >= sessions.updated_at`,
		rec.SessionID, rec.GameID, rec.Creator, string(status), string(state), string(logs),
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), nullableMillis(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	for userID, p := range rec.Players {
		info, err := json.Marshal(p.Info)
		if err != nil {
			return fmt.Errorf("encode player %s: %w", userID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO player_sessions (session_id, user_id, info, joined_at, updated_at, ended_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, user_id) DO UPDATE SET
			   info = excluded.info,
			   updated_at = excluded.updated_at,
			   ended_at = excluded.ended_at
			 WHERE excluded.updated_at >= player_sessions.updated_at`,
			rec.SessionID, userID, string(info), toMillis(p.JoinedAt), toMillis(rec.UpdatedAt), nullableMillis(p.EndedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert player session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ErrNotArchived 查询的会话没有归档记录
var ErrNotArchived = errors.New("session not archived")

// Load 读取归档记录
func (a *Archive) Load(ctx context.Context, sessionID string) (Record, error) {
	var (
		rec                  Record
		status, state, logs  string
		createdAt, updatedAt int64
		endedAt              sql.NullInt64
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT id, game_id, creator, status, state, logs, created_at, updated_at, ended_at
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&rec.SessionID, &rec.GameID, &rec.Creator, &status, &state, &logs, &createdAt, &updatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotArchived
	}
	if err != nil {
		return Record{}, fmt.Errorf("query session: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		rec.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(status), &rec.Status); err != nil {
		return Record{}, fmt.Errorf("decode status: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
		return Record{}, fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal([]byte(logs), &rec.Logs); err != nil {
		return Record{}, fmt.Errorf("decode logs: %w", err)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT user_id, info, joined_at, ended_at FROM player_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return Record{}, fmt.Errorf("query player sessions: %w", err)
	}
	defer rows.Close()
	rec.Players = make(map[string]PlayerRecord)
	for rows.Next() {
		var (
			userID, info string
			joinedAt     int64
			pEnded       sql.NullInt64
		)
		if err := rows.Scan(&userID, &info, &joinedAt, &pEnded); err != nil {
			return Record{}, fmt.Errorf("scan player session: %w", err)
		}
		p := PlayerRecord{JoinedAt: fromMillis(joinedAt)}
		if err := json.Unmarshal([]byte(info), &p.Info); err != nil {
			return Record{}, fmt.Errorf("decode player %s: %w", userID, err)
		}
		if pEnded.Valid {
			t := fromMillis(pEnded.Int64)
			p.EndedAt = &t
		}
		rec.Players[userID] = p
	}
	return rec, rows.Err()
}

// Close 关闭数据库
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}
