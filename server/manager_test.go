package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"deltarena/game"
)

func TestSessionManagerLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.TickInterval = 5 * time.Millisecond
	m := NewSessionManager(ctx, cfg, nil, nil)

	a, err := m.Create("x", game.CreateRequest{GameID: "g1", Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create("y", game.CreateRequest{GameID: "g2"}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d", m.Len())
	}
	views := m.List("g1")
	if len(views) != 1 || views[0].SessionID != a.ID || !views[0].Password {
		t.Fatalf("views = %+v", views)
	}
	if _, err := m.Get("nope"); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}

	if err := a.End("test"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish")
	}
	if _, err := m.Get(a.ID); !errors.Is(err, game.ErrSessionNotFound) {
		t.Fatalf("finished session still registered: %v", err)
	}

	cancel()
	m.Wait()
	if m.Len() != 0 {
		t.Fatalf("sessions left after shutdown: %d", m.Len())
	}
}
