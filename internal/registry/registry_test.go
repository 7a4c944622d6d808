package registry

import (
	"strings"
	"testing"
	"time"
)

func TestCreateProducesValidCodes(t *testing.T) {
	r := New(0)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := r.Create()
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if len(id) != roomCodeLen {
			t.Fatalf("code %q has length %d, want %d", id, len(id), roomCodeLen)
		}
		for _, c := range id {
			if !strings.ContainsRune(roomCodeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("code %q allocated twice", id)
		}
		seen[id] = true
		if !r.Exists(id) {
			t.Fatalf("Exists(%q) = false right after Create", id)
		}
	}
}

func TestJoinCreatesRoomImplicitly(t *testing.T) {
	r := New(0)

	others, err := r.Join("abc123", "conn-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("first join returned others %v, want none", others)
	}
	if !r.Exists("ABC123") {
		t.Fatal("room not created by join")
	}

	others, err = r.Join("ABC123", "conn-2")
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if len(others) != 1 || others[0] != "conn-1" {
		t.Fatalf("second join returned %v, want [conn-1]", others)
	}
}

func TestJoinIsCaseInsensitive(t *testing.T) {
	r := New(0)
	if _, err := r.Join("RoOm42", "a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := r.Join("room42", "b"); err != nil {
		t.Fatalf("Join lowercase: %v", err)
	}
	if !r.SameRoom("a", "b") {
		t.Fatal("differently-cased joins landed in different rooms")
	}
	if r.RoomCount() != 1 {
		t.Fatalf("RoomCount = %d, want 1", r.RoomCount())
	}
}

func TestJoinReturnsMembersInJoinOrder(t *testing.T) {
	r := New(0)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Join("ROOM", id); err != nil {
			t.Fatalf("Join(%s): %v", id, err)
		}
	}
	others, err := r.Join("ROOM", "d")
	if err != nil {
		t.Fatalf("Join(d): %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(others) != len(want) {
		t.Fatalf("others = %v, want %v", others, want)
	}
	for i := range want {
		if others[i] != want[i] {
			t.Fatalf("others = %v, want %v", others, want)
		}
	}
}

func TestJoinWhileInAnotherRoomFails(t *testing.T) {
	r := New(0)
	if _, err := r.Join("AAAAAA", "conn"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := r.Join("BBBBBB", "conn"); err == nil {
		t.Fatal("joining a second room succeeded, want error")
	}
	// Rejoining the same room is a no-op.
	if _, err := r.Join("AAAAAA", "conn"); err != nil {
		t.Fatalf("rejoin same room: %v", err)
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	r := New(0)
	r.Join("ROOM", "a")
	r.Join("ROOM", "b")

	res, ok := r.Leave("a")
	if !ok {
		t.Fatal("Leave(a) = not found")
	}
	if res.RoomID != "ROOM" || res.Deleted {
		t.Fatalf("Leave(a) = %+v, want room ROOM not deleted", res)
	}
	if len(res.Remaining) != 1 || res.Remaining[0] != "b" {
		t.Fatalf("Remaining = %v, want [b]", res.Remaining)
	}

	res, ok = r.Leave("b")
	if !ok {
		t.Fatal("Leave(b) = not found")
	}
	if !res.Deleted || len(res.Remaining) != 0 {
		t.Fatalf("Leave(b) = %+v, want deleted with no remaining", res)
	}
	if r.Exists("ROOM") {
		t.Fatal("room still exists after last member left")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := New(0)
	r.Join("ROOM", "a")

	if _, ok := r.Leave("a"); !ok {
		t.Fatal("first Leave = not found")
	}
	if _, ok := r.Leave("a"); ok {
		t.Fatal("second Leave reported membership")
	}
	if _, ok := r.Leave("never-joined"); ok {
		t.Fatal("Leave of unknown connection reported membership")
	}
}

func TestSameRoom(t *testing.T) {
	r := New(0)
	r.Join("AAAAAA", "a1")
	r.Join("AAAAAA", "a2")
	r.Join("BBBBBB", "b1")

	if !r.SameRoom("a1", "a2") {
		t.Error("a1/a2 should share a room")
	}
	if r.SameRoom("a1", "b1") {
		t.Error("a1/b1 should not share a room")
	}
	if r.SameRoom("a1", "ghost") {
		t.Error("unknown connection should never share a room")
	}
}

func TestPreallocReap(t *testing.T) {
	r := New(5 * time.Minute)
	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return base }

	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !r.Exists(id) {
		t.Fatal("room missing right after Create")
	}

	// Still inside the TTL.
	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	if !r.Exists(id) {
		t.Fatal("room reaped before TTL expired")
	}

	// Past the TTL with no joins.
	r.now = func() time.Time { return base.Add(6 * time.Minute) }
	if r.Exists(id) {
		t.Fatal("unused preallocated room survived past TTL")
	}
}

func TestPreallocJoinStopsReaping(t *testing.T) {
	r := New(5 * time.Minute)
	base := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return base }

	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Join(id, "conn"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	r.now = func() time.Time { return base.Add(time.Hour) }
	if !r.Exists(id) {
		t.Fatal("occupied room was reaped")
	}
}
