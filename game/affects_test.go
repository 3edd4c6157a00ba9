package game

import "testing"

func TestMagicDamage(t *testing.T) {
	target, _ := NewEntity("bob", EntityDelta{Attributes: AttributeSet{AttrHP: 50, AttrMaxHP: 100}})
	mods, applied := DefaultCatalog().Resolve([]string{"magic damage"}, &target, nil)
	if len(applied) != 1 {
		t.Fatalf("expected one applied affect, got %v", applied)
	}
	target.Apply(EntityDelta{Attributes: mods})
	if target.Get(AttrHP) != 40 {
		t.Fatalf("expected hp 40, got %v", target.Get(AttrHP))
	}
}

func TestResolveCombinesAndSkipsUnknown(t *testing.T) {
	target, _ := NewEntity("bob", EntityDelta{Attributes: AttributeSet{AttrHP: 50, AttrMaxHP: 100, AttrSpeed: 200}})
	mods, applied := DefaultCatalog().Resolve([]string{"slow", "nope", "magic damage", "heal"}, &target, nil)
	if len(applied) != 3 {
		t.Fatalf("expected three applied affects, got %v", applied)
	}
	if mods[AttrHP] != 0 {
		t.Fatalf("damage and heal should cancel, got %v", mods[AttrHP])
	}
	if mods[AttrSpeed] != -50 {
		t.Fatalf("expected slow of -50, got %v", mods[AttrSpeed])
	}
}

func TestResolveWithoutTarget(t *testing.T) {
	mods, _ := DefaultCatalog().Resolve([]string{"magic damage"}, nil, nil)
	if len(mods) != 0 {
		t.Fatalf("nil target must produce no modifiers, got %v", mods)
	}
}
