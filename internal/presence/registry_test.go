package presence

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestJoinLastWins(t *testing.T) {
	r := NewRegistry()
	if _, replaced := r.Join(models.RoleDriver, "d1", "c1"); replaced {
		t.Fatalf("first join must not report a replacement")
	}
	prev, replaced := r.Join(models.RoleDriver, "d1", "c2")
	if !replaced || prev != "c1" {
		t.Fatalf("expected c1 replaced, got prev=%q replaced=%v", prev, replaced)
	}
	if c, _ := r.Lookup(models.RoleDriver, "d1"); c != "c2" {
		t.Fatalf("expected c2, got %q", c)
	}
}

func TestRejoinSameConnection(t *testing.T) {
	r := NewRegistry()
	r.Join(models.RoleClient, "u1", "c1")
	if _, replaced := r.Join(models.RoleClient, "u1", "c1"); replaced {
		t.Fatalf("rejoining on the same connection is not a replacement")
	}
}

func TestLeaveOnlyMatchingConnection(t *testing.T) {
	r := NewRegistry()
	r.Join(models.RoleDriver, "d1", "c1")
	r.Join(models.RoleDriver, "d1", "c2")
	if removed := r.Leave("c1"); len(removed) != 0 {
		t.Fatalf("stale connection must not remove the newer entry: %v", removed)
	}
	if !r.Online(models.RoleDriver, "d1") {
		t.Fatalf("d1 should still be online")
	}
	removed := r.Leave("c2")
	if len(removed) != 1 || removed[0] != (Key{Role: models.RoleDriver, UserID: "d1"}) {
		t.Fatalf("unexpected removal: %v", removed)
	}
	if r.Online(models.RoleDriver, "d1") {
		t.Fatalf("d1 should be gone")
	}
}

func TestRolesAreSeparateKeys(t *testing.T) {
	r := NewRegistry()
	r.Join(models.RoleDriver, "u1", "c1")
	r.Join(models.RoleClient, "u1", "c2")
	if r.Count(models.RoleDriver) != 1 || r.Count(models.RoleClient) != 1 {
		t.Fatalf("expected one entry per role")
	}
	r.Leave("c1")
	if !r.Online(models.RoleClient, "u1") {
		t.Fatalf("client entry must survive driver leave")
	}
}
