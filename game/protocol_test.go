package game

import (
	"encoding/json"
	"testing"
)

func TestUpdateDecodesEntities(t *testing.T) {
	raw := `{"update_type":"entities","ack":7,"update":{"e1":{"type":"player","position":{"x":1,"y":2},"attributes":{"hp":100,"max_hp":100}}}}`
	var u Update
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Type != UpdateEntities || u.Ack == nil || *u.Ack != 7 {
		t.Fatalf("unexpected header: %+v", u)
	}
	d, ok := u.Entities["e1"]
	if !ok || d.Position == nil || d.Attributes[AttrHP] != 100 {
		t.Fatalf("unexpected delta: %+v", d)
	}
}

func TestUpdateRejectsMalformedPayloads(t *testing.T) {
	bad := []string{
		`{"update_type":"entities"}`,
		`{"update_type":"entities","update":[1,2]}`,
		`{"update_type":"teleport","update":{}}`,
		`{"update_type":"affect","update":{"affected":["a"]}}`,
		`{"update_type":"status","update":"sleeping"}`,
		`not json`,
	}
	for _, raw := range bad {
		var u Update
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestUpdateControlTypesNeedNoPayload(t *testing.T) {
	for _, typ := range []UpdateType{UpdatePause, UpdateResume, UpdateEnd} {
		var u Update
		if err := json.Unmarshal([]byte(`{"update_type":"`+string(typ)+`"}`), &u); err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if u.Type != typ {
			t.Fatalf("expected %s, got %s", typ, u.Type)
		}
	}
	var u Update
	if err := json.Unmarshal([]byte(`{"update_type":"pause","update":{"for_duration":5000}}`), &u); err != nil {
		t.Fatalf("pause with duration: %v", err)
	}
	if u.Pause == nil || u.Pause.ForDuration != 5000 {
		t.Fatalf("pause duration lost: %+v", u.Pause)
	}
}

func TestUpdateEncodesCanonicalFieldNames(t *testing.T) {
	u := Update{Type: UpdateAffect, Affect: &AffectUpdate{Affector: "bolt", Affectors: []string{"magic damage"}, Affected: []string{"e1"}}}
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	_ = json.Unmarshal(b, &generic)
	if generic["update_type"] != "affect" {
		t.Fatalf("missing update_type: %s", b)
	}
	inner, _ := generic["update"].(map[string]any)
	if inner["affector"] != "bolt" {
		t.Fatalf("missing affector: %s", b)
	}
}

func TestErrorMessageCarriesTypeAndConstraint(t *testing.T) {
	msg := ErrorMessage(CapacityError("player_limit", "session is full"), "req-1")
	c, ok := msg.Content.(ErrorContent)
	if !ok {
		t.Fatalf("unexpected content %T", msg.Content)
	}
	if msg.Type != MsgError || c.ErrorType != CapacityExceeded || c.Constraint != "player_limit" || c.Ref != "req-1" {
		t.Fatalf("unexpected error content: %+v", c)
	}
}
