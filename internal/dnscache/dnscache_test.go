package dnscache

import (
	"bytes"
	"testing"
)

func TestSaveAndLookupNewestFirst(t *testing.T) {
	r := New(2)
	r.Save(1, 65399, "a.t.test.", []byte("first"))
	r.Save(2, 65399, "a.t.test.", []byte("second"))

	answer, ok := r.Lookup(65399, "a.t.test.")
	if !ok {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(answer, []byte("second")) {
		t.Fatalf("expected newest entry, got %q", answer)
	}
}

func TestLookupMissOnCaseMismatch(t *testing.T) {
	r := New(4)
	r.Save(1, 65399, "a.t.test.", []byte("x"))
	if _, ok := r.Lookup(65399, "A.t.test."); ok {
		t.Fatal("lookup must be case-sensitive")
	}
}

func TestZeroIDNeverStored(t *testing.T) {
	r := New(4)
	r.Save(0, 65399, "a.t.test.", []byte("x"))
	if _, ok := r.Lookup(65399, "a.t.test."); ok {
		t.Fatal("id 0 must never be stored (reserved sentinel)")
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	r := New(2)
	r.Save(1, 1, "a.t.test.", []byte("a"))
	r.Save(2, 1, "b.t.test.", []byte("b"))
	r.Save(3, 1, "c.t.test.", []byte("c"))

	if _, ok := r.Lookup(1, "a.t.test."); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := r.Lookup(1, "c.t.test."); !ok {
		t.Fatal("newest entry should be present")
	}
}
