package server

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"deltarena/game"
)

func TestAuthenticatorIssueVerify(t *testing.T) {
	a := NewAuthenticator("s3cret")
	a.now = func() time.Time { return t0 }
	token, err := a.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := a.Verify(token)
	if err != nil || sub != "alice" {
		t.Fatalf("sub = %q, err = %v", sub, err)
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if sub, err := a.Identify(r); err != nil || sub != "alice" {
		t.Fatalf("bearer: sub = %q, err = %v", sub, err)
	}
	r = httptest.NewRequest("GET", "/ws?token="+token, nil)
	if sub, err := a.Identify(r); err != nil || sub != "alice" {
		t.Fatalf("query: sub = %q, err = %v", sub, err)
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	a := NewAuthenticator("s3cret")
	a.now = func() time.Time { return t0 }
	expired, _ := a.Issue("alice", -time.Minute)
	server, _ := a.Issue(game.ServerManager, time.Hour)
	forged, _ := NewAuthenticator("other").Issue("alice", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"empty":    "",
		"expired":  expired,
		"reserved": server,
		"forged":   forged,
		"alg none": none,
		"garbage":  "not.a.token",
	} {
		if _, err := a.Verify(token); !errors.Is(err, game.ErrUnauthorized) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestAuthenticatorAnonymous(t *testing.T) {
	a := NewAuthenticator("")
	if !a.Anonymous() {
		t.Fatalf("expected anonymous mode")
	}
	id, err := a.Identify(httptest.NewRequest("GET", "/ws?id=bob", nil))
	if err != nil || id != "bob" {
		t.Fatalf("id = %q, err = %v", id, err)
	}
	id, err = a.Identify(httptest.NewRequest("GET", "/ws", nil))
	if err != nil || len(id) != 36 {
		t.Fatalf("generated id = %q, err = %v", id, err)
	}
}
