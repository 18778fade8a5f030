package ring

import (
	"bytes"
	"testing"
)

func TestWriteMonotonicity(t *testing.T) {
	r := New(16)
	lens := []int{3, 5, 1, 20, 7}
	var want uint64
	for _, n := range lens {
		r.Write(bytes.Repeat([]byte{'x'}, n))
		want += uint64(n)
		if got := r.TotalWritten(); got != want {
			t.Fatalf("total_written = %d, want %d", got, want)
		}
	}
}

func TestReadFromCompleteness(t *testing.T) {
	r := New(8)
	r.Write([]byte("abcdefgh")) // exactly fills, total=8, oldest=0

	a, b, ok := r.ReadFrom(0)
	if !ok {
		t.Fatal("expected ok")
	}
	got := append(append([]byte{}, a...), b...)
	if string(got) != "abcdefgh" {
		t.Fatalf("got %q", got)
	}

	r.Write([]byte("ij")) // wraps: buffer now cdefghij, oldest=2, total=10

	if got := r.OldestOffset(); got != 2 {
		t.Fatalf("oldest_offset = %d, want 2", got)
	}
	a, b, ok = r.ReadFrom(2)
	if !ok {
		t.Fatal("expected ok")
	}
	got = append(append([]byte{}, a...), b...)
	if string(got) != "cdefghij" {
		t.Fatalf("got %q", got)
	}
	if len(got) != int(r.TotalWritten()-2) {
		t.Fatalf("read length %d != total_written-offset %d", len(got), r.TotalWritten()-2)
	}
}

func TestReadFromBeforeOldestClampsForward(t *testing.T) {
	r := New(4)
	r.Write([]byte("abcdefgh")) // only "efgh" resident, oldest=4

	a, b, ok := r.ReadFrom(0)
	if !ok {
		t.Fatal("expected ok")
	}
	got := append(append([]byte{}, a...), b...)
	if string(got) != "efgh" {
		t.Fatalf("got %q, want efgh (clamped to oldest_offset)", got)
	}
}

func TestReadFromEmptyOrBeyondTotal(t *testing.T) {
	r := New(4)
	if _, _, ok := r.ReadFrom(0); ok {
		t.Fatal("expected !ok on empty ring")
	}
	r.Write([]byte("ab"))
	if _, _, ok := r.ReadFrom(5); ok {
		t.Fatal("expected !ok when offset > total_written")
	}
}

func TestReadFromAtTotalWrittenReturnsEmpty(t *testing.T) {
	r := New(4)
	r.Write([]byte("ab"))
	a, b, ok := r.ReadFrom(2)
	if !ok {
		t.Fatal("expected ok")
	}
	if len(a)+len(b) != 0 {
		t.Fatalf("expected zero bytes at offset == total_written, got %d", len(a)+len(b))
	}
}

func TestWriteLargerThanCapacity(t *testing.T) {
	r := New(4)
	r.Write([]byte("abcdefgh"))
	if got := r.TotalWritten(); got != 8 {
		t.Fatalf("total_written = %d, want 8", got)
	}
	got := r.Bytes()
	if string(got) != "efgh" {
		t.Fatalf("got %q, want efgh", got)
	}
}
