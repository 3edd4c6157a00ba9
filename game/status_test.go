package game

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSessionLifecycleTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSessionStatus(now)

	if err := s.Pause(now, "x", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pause from starting should be invalid, got %v", err)
	}
	if err := s.Begin(now); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Begin(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second begin should be invalid, got %v", err)
	}
	if err := s.Pause(now, "x", time.Second); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.PausedBy != "x" || s.PauseFor != time.Second {
		t.Fatalf("pause metadata not recorded: %+v", s)
	}
	if s.ResumeDue(now.Add(500 * time.Millisecond)) {
		t.Fatalf("resume should not be due yet")
	}
	if !s.ResumeDue(now.Add(time.Second)) {
		t.Fatalf("resume should be due")
	}
	if err := s.Resume(now); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.Phase != PhaseInProgress || s.PausedBy != "" {
		t.Fatalf("unexpected status after resume: %+v", s)
	}
}

func TestEndFromAnyNonTerminalPhase(t *testing.T) {
	now := time.Unix(1000, 0)
	setups := map[Phase]func(*SessionStatus){
		PhaseStarting:   func(*SessionStatus) {},
		PhaseInProgress: func(s *SessionStatus) { _ = s.Begin(now) },
		PhasePaused:     func(s *SessionStatus) { _ = s.Begin(now); _ = s.Pause(now, "", 0) },
	}
	for phase, setup := range setups {
		s := NewSessionStatus(now)
		setup(&s)
		if s.Phase != phase {
			t.Fatalf("setup for %s produced %s", phase, s.Phase)
		}
		if err := s.End(now); err != nil {
			t.Fatalf("end from %s: %v", phase, err)
		}
		if s.Phase != PhasePostSession {
			t.Fatalf("expected post_session from %s, got %s", phase, s.Phase)
		}
	}
}

func TestPostSessionIsTerminal(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSessionStatus(now)
	if err := s.End(now); err != nil {
		t.Fatalf("end: %v", err)
	}
	checks := []error{s.Begin(now), s.Pause(now, "", 0), s.Resume(now), s.End(now)}
	for i, err := range checks {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("transition %d from post_session should fail, got %v", i, err)
		}
	}
	if s.Phase != PhasePostSession {
		t.Fatalf("phase changed: %s", s.Phase)
	}
}

func TestSessionStatusWireShape(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSessionStatus(now)

	b, _ := json.Marshal(s.At(now.Add(1500 * time.Millisecond)))
	if string(b) != `{"starting":1500}` {
		t.Fatalf("unexpected starting wire: %s", b)
	}

	_ = s.Begin(now)
	_ = s.Pause(now, "bob", 2*time.Second)
	b, _ = json.Marshal(s)
	var back SessionStatus
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal paused: %v (%s)", err, b)
	}
	if back.Phase != PhasePaused || back.PausedBy != "bob" || back.PauseFor != 2*time.Second || !back.Since.Equal(now) {
		t.Fatalf("paused round trip lost data: %+v", back)
	}

	_ = s.End(now)
	b, _ = json.Marshal(s)
	if string(b) != `"post_session"` {
		t.Fatalf("unexpected post_session wire: %s", b)
	}
}

func TestPlayerStatusWireShape(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		status PlayerStatus
		want   string
	}{
		{PlayerStatus{State: PlayerReady}, `"ready"`},
		{PlayerStatus{State: PlayerLoading, Since: ts}, `{"loading_from":"2024-01-01T12:00:00Z"}`},
		{PlayerStatus{State: PlayerLostConnection, Since: ts}, `{"lost_connection_at":"2024-01-01T12:00:00Z"}`},
		{PlayerStatus{State: PlayerEnded, Since: ts}, `{"ended_at":"2024-01-01T12:00:00Z"}`},
		{PlayerStatus{State: PlayerInProgress, Since: ts}.At(ts.Add(3 * time.Second)), `{"for_duration":3000}`},
	}
	for _, c := range cases {
		b, err := json.Marshal(c.status)
		if err != nil {
			t.Fatalf("marshal %s: %v", c.status.State, err)
		}
		if string(b) != c.want {
			t.Fatalf("%s: expected %s, got %s", c.status.State, c.want, b)
		}
		var back PlayerStatus
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back.State != c.status.State {
			t.Fatalf("expected state %s, got %s", c.status.State, back.State)
		}
	}
}
