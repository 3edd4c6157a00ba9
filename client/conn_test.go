package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"deltarena/game"
	"deltarena/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.TickRate = 100
	cfg.PingInterval = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	srv := server.NewServer(ctx, cfg, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		cancel()
		srv.Sessions.Wait()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connect(t *testing.T, ctx context.Context, url, id string, h Handlers) *Conn {
	t.Helper()
	c, err := Dial(ctx, url+"?id="+id, NewReplica(id), h)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAffectRoundTrip(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := make(chan string, 1)
	var affected atomic.Int32
	alice := connect(t, ctx, url, "alice", Handlers{
		OnMessage: func(msgType string, content json.RawMessage) {
			if msgType != game.MsgCreated {
				return
			}
			var c game.Created
			if json.Unmarshal(content, &c) == nil {
				sessionID <- c.SessionID
			}
		},
		OnAffect: func(_ game.AffectUpdate, applied []string) {
			affected.Add(int32(len(applied)))
		},
	})
	if err := alice.Create(game.CreateRequest{GameID: "arena"}); err != nil {
		t.Fatal(err)
	}
	var sid string
	select {
	case sid = <-sessionID:
	case <-time.After(3 * time.Second):
		t.Fatalf("no created message")
	}
	eventually(t, "alice as host", func() bool { return alice.Replica().Host() == "alice" })
	go func() { _ = alice.Sync(ctx, 20*time.Millisecond) }()

	target := alice.Replica().Spawn(game.EntityDelta{
		Type:       "hero",
		Attributes: game.AttributeSet{game.AttrMaxHP: 100, game.AttrHP: 100},
	})

	bob := connect(t, ctx, url, "bob", Handlers{})
	if err := bob.Join(sid, ""); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob sees alice's entity", func() bool {
		e, ok := bob.Replica().Get(target)
		return ok && e.Manager == "alice"
	})
	if err := bob.Ready(); err != nil {
		t.Fatal(err)
	}

	wand := bob.Replica().Spawn(game.EntityDelta{Type: "wand", Attributes: game.AttributeSet{game.AttrMaxHP: 1, game.AttrHP: 1}})
	u, err := bob.Replica().TriggerAffect(wand, []string{"magic damage"}, []string{target})
	if err != nil || u == nil {
		t.Fatalf("trigger: %+v, %v", u, err)
	}
	if err := bob.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := bob.SendUpdate(*u); err != nil {
		t.Fatal(err)
	}

	eventually(t, "bob sees the damage", func() bool {
		e, ok := bob.Replica().Get(target)
		return ok && e.Get(game.AttrHP) == 90
	})
	if e, _ := alice.Replica().Get(target); e.Get(game.AttrHP) != 90 {
		t.Fatalf("alice hp = %v", e.Get(game.AttrHP))
	}
	if n := affected.Load(); n != 1 {
		t.Fatalf("affect applied %d times, want 1", n)
	}
}

func TestHostTakeoverOverNetwork(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := make(chan string, 1)
	aliceCtx, dropAlice := context.WithCancel(ctx)
	alice := connect(t, aliceCtx, url, "alice", Handlers{
		OnMessage: func(msgType string, content json.RawMessage) {
			var c game.Created
			if msgType == game.MsgCreated && json.Unmarshal(content, &c) == nil {
				sessionID <- c.SessionID
			}
		},
	})
	if err := alice.Create(game.CreateRequest{GameID: "arena"}); err != nil {
		t.Fatal(err)
	}
	sid := <-sessionID
	e2 := alice.Replica().Spawn(game.EntityDelta{Type: "hero", Attributes: game.AttributeSet{game.AttrMaxHP: 100, game.AttrHP: 70}})
	if err := alice.Flush(); err != nil {
		t.Fatal(err)
	}

	bob := connect(t, ctx, url, "bob", Handlers{})
	if err := bob.Join(sid, ""); err != nil {
		t.Fatal(err)
	}
	go func() { _ = bob.Sync(ctx, 20*time.Millisecond) }()
	eventually(t, "bob sees e2", func() bool { _, ok := bob.Replica().Get(e2); return ok })

	dropAlice()
	eventually(t, "bob takes over e2", func() bool {
		ids := bob.Replica().Managed()
		return bob.Replica().Host() == "bob" && len(ids) == 1 && ids[0] == e2
	})
	if err := bob.Replica().Mod(e2, game.AttributeSet{game.AttrHP: -20}); err != nil {
		t.Fatal(err)
	}

	// 第三方观察者看到的是服务端接受后的值
	carol := connect(t, ctx, url, "carol", Handlers{})
	if err := carol.Join(sid, ""); err != nil {
		t.Fatal(err)
	}
	eventually(t, "carol sees bob's write", func() bool {
		e, ok := carol.Replica().Get(e2)
		return ok && e.Manager == "bob" && e.Get(game.AttrHP) == 50
	})
}
