package replay

import (
	"bytes"
	"testing"
)

func TestResetThenFullReplay(t *testing.T) {
	g := New()
	g.Reset()
	data := []byte("hello world")
	r := g.OnReplay(data, 0, uint64(len(data)))
	if !bytes.Equal(r.Bytes, data) {
		t.Fatalf("got %q, want %q", r.Bytes, data)
	}
	if !r.IsFirst {
		t.Fatal("expected is_first=true on first replay after reset")
	}
	if g.GateOffset() != uint64(len(data)) {
		t.Fatalf("gate = %d, want %d", g.GateOffset(), len(data))
	}
}

func TestOnPTYInPendingIsNoOp(t *testing.T) {
	g := New()
	r := g.OnPTY([]byte("AAAA"), 0)
	if r.Bytes != nil {
		t.Fatalf("expected no-op in Pending, got %q", r.Bytes)
	}
}

func TestNoDuplicationAcrossPTYAndReplay(t *testing.T) {
	// Live PTY arrives first for [0,4), then a replay response also
	// covering [0,8) arrives (as if the client requested replay before the
	// live bytes landed); the combined output must still be exactly AAAABBBB.
	g := New()
	var out []byte

	// Pending: live bytes are dropped.
	r := g.OnPTY([]byte("AAAA"), 0)
	out = append(out, r.Bytes...)

	r = g.OnReplay([]byte("AAAABBBB"), 0, 8)
	out = append(out, r.Bytes...)

	// More live bytes arrive past the gate.
	r = g.OnPTY([]byte("CCCC"), 8)
	out = append(out, r.Bytes...)

	if string(out) != "AAAABBBBCCCC" {
		t.Fatalf("got %q", out)
	}
}

func TestOnPTYOverlapSkipsDuplicateBytes(t *testing.T) {
	g := New()
	g.OnReplay([]byte("AAAA"), 0, 4)
	// Overlapping chunk [2,6): bytes 2,3 are dup, 4,5 are new.
	r := g.OnPTY([]byte("AABB"), 2)
	if string(r.Bytes) != "BB" {
		t.Fatalf("got %q, want BB", r.Bytes)
	}
	if g.GateOffset() != 6 {
		t.Fatalf("gate = %d, want 6", g.GateOffset())
	}
}

func TestOnPTYFullyDuplicateDrops(t *testing.T) {
	g := New()
	g.OnReplay([]byte("AAAA"), 0, 4)
	r := g.OnPTY([]byte("AA"), 0)
	if r.Bytes != nil {
		t.Fatalf("expected drop, got %q", r.Bytes)
	}
}

func TestOnReplayAlreadyDeliveredDrops(t *testing.T) {
	g := New()
	g.OnReplay([]byte("AAAA"), 0, 4)
	g.OnPTY([]byte("BBBB"), 4) // gate now 8
	r := g.OnReplay([]byte("AAAABBBB"), 0, 8)
	if r.Bytes != nil {
		t.Fatalf("expected drop, got %q", r.Bytes)
	}
}
