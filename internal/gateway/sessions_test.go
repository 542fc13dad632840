// ABOUTME: Tests for the per-user session registry
// ABOUTME: Verifies first/last detection that drives presence transitions

package gateway

import "testing"

func TestSessionRegistry(t *testing.T) {
	r := newSessionRegistry()
	a1 := &session{id: "s1", userID: "alice"}
	a2 := &session{id: "s2", userID: "alice"}
	b1 := &session{id: "s3", userID: "bob"}

	if !r.add(a1) {
		t.Error("first alice session should report first")
	}
	if r.add(a2) {
		t.Error("second alice session should not report first")
	}
	if !r.add(b1) {
		t.Error("bob's session should report first")
	}
	if got := r.count("alice"); got != 2 {
		t.Errorf("count(alice) = %d, want 2", got)
	}

	if r.remove(a1) {
		t.Error("removing one of two sessions should not report last")
	}
	if r.remove(a1) {
		t.Error("removing an unknown session should report false")
	}
	if !r.remove(a2) {
		t.Error("removing the final alice session should report last")
	}
	if got := r.count("alice"); got != 0 {
		t.Errorf("count(alice) = %d, want 0", got)
	}
	if got := r.count("bob"); got != 1 {
		t.Errorf("count(bob) = %d, want 1", got)
	}
}
