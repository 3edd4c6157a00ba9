package server

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"deltarena/game"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := OpenArchive(filepath.Join(t.TempDir(), "archive.db"), 8)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func testRecord() Record {
	ended := t0.Add(time.Minute)
	return Record{
		SessionID: "s1",
		GameID:    "g1",
		Creator:   "x",
		CreatedAt: t0,
		UpdatedAt: ended,
		EndedAt:   &ended,
		Status:    game.SessionStatus{Phase: game.PhasePostSession},
		State: game.SessionState{
			Spawn:    game.DefaultSpawn(),
			Entities: map[string]game.EntityConfig{"e1": {Type: "unit", Manager: "x", Attributes: game.AttributeSet{game.AttrHP: 40}}},
		},
		Players: map[string]PlayerRecord{
			"x": {Info: game.PlayerInfo{ManagedEntities: []string{"e1"}, Status: game.PlayerStatus{State: game.PlayerEnded, Since: ended}}, JoinedAt: t0, EndedAt: &ended},
			"y": {Info: game.PlayerInfo{ManagedEntities: []string{}, Status: game.PlayerStatus{State: game.PlayerLostConnection, Since: t0}}, JoinedAt: t0},
		},
		Logs: []LogEntry{{At: t0, Msg: "session created by x"}},
	}
}

func TestArchiveSaveLoad(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	rec := testRecord()
	if err := a.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	// upsert
	rec.State.Entities["e1"] = game.EntityConfig{Type: "unit", Manager: "x", Attributes: game.AttributeSet{game.AttrHP: 30}}
	if err := a.Save(ctx, rec); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := a.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.GameID != "g1" || got.Creator != "x" || !got.CreatedAt.Equal(t0) {
		t.Fatalf("record = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(*rec.EndedAt) {
		t.Fatalf("ended_at = %v", got.EndedAt)
	}
	if got.Status.Phase != game.PhasePostSession {
		t.Fatalf("status = %+v", got.Status)
	}
	if hp := got.State.Entities["e1"].Attributes[game.AttrHP]; hp != 30 {
		t.Fatalf("hp = %v", hp)
	}
	if len(got.Players) != 2 || got.Players["x"].EndedAt == nil || got.Players["y"].EndedAt != nil {
		t.Fatalf("players = %+v", got.Players)
	}
	if got.Players["y"].Info.Status.State != game.PlayerLostConnection {
		t.Fatalf("y status = %+v", got.Players["y"].Info.Status)
	}
	if len(got.Logs) != 1 || got.Logs[0].Msg != "session created by x" {
		t.Fatalf("logs = %+v", got.Logs)
	}
}

func TestArchiveLoadMissing(t *testing.T) {
	a := openTestArchive(t)
	if _, err := a.Load(context.Background(), "nope"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("err = %v", err)
	}
}

func TestArchiveRunDrainsOnStop(t *testing.T) {
	a := openTestArchive(t)
	a.Checkpoint(testRecord())
	a.Stop()
	if err := a.Run(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Load(context.Background(), "s1"); err != nil {
		t.Fatalf("queued checkpoint not written: %v", err)
	}
}

func TestOpenArchiveRequiresPath(t *testing.T) {
	if _, err := OpenArchive("  ", 1); err == nil {
		t.Fatalf("empty path accepted")
	}
}

func TestSessionArchivesOnEnd(t *testing.T) {
	a := openTestArchive(t)
	s := NewSession(SessionOptions{ID: "s9", GameID: "g1", Creator: "x", Config: testConfig(), Archive: a, Now: t0})
	out := &outbox{}
	ev, err := s.requestJoin(context.Background(), JoinArgs{UserID: "x", Out: out})
	if err != nil {
		t.Fatal(err)
	}
	s.Step(t0.Add(time.Millisecond))
	if err := <-ev.reply; err != nil {
		t.Fatal(err)
	}
	if err := s.End("test"); err != nil {
		t.Fatal(err)
	}
	if s.Step(t0.Add(2 * time.Millisecond)) {
		t.Fatalf("session still running")
	}
	a.Stop()
	if err := a.Run(); err != nil {
		t.Fatal(err)
	}
	rec, err := a.Load(context.Background(), "s9")
	if err != nil {
		t.Fatal(err)
	}
	if rec.EndedAt == nil || rec.Players["x"].EndedAt == nil {
		t.Fatalf("record = %+v", rec)
	}
}

func TestArchiveFinalSurvivesFullQueue(t *testing.T) {
	a := openTestArchive(t)
	stale := testRecord()
	stale.UpdatedAt = t0.Add(time.Second)
	stale.EndedAt = nil
	stale.Status = game.SessionStatus{Phase: game.PhaseInProgress}
	for i := 0; i < 9; i++ {
		a.Checkpoint(stale)
	}

	final := testRecord()
	a.Final(final)
	got, err := a.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("final record not written: %v", err)
	}
	if got.EndedAt == nil {
		t.Fatalf("ended_at missing")
	}

	// 队列中更早的检查点随后写入
	a.Stop()
	if err := a.Run(); err != nil {
		t.Fatal(err)
	}
	got, err = a.Load(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(*final.EndedAt) || got.Status.Phase != game.PhasePostSession {
		t.Fatalf("stale checkpoint overwrote the final record: ended_at=%v phase=%s", got.EndedAt, got.Status.Phase)
	}
	if got.Players["x"].EndedAt == nil {
		t.Fatalf("player ended_at cleared")
	}
}
