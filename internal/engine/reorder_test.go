package engine

import (
	"math/rand"
	"testing"
)

func TestReorderBufferReleasesInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(30)
		rb := newReorderBuffer(n)
		var got []int
		for _, i := range rng.Perm(n) {
			for _, o := range rb.add(outcome{index: i}) {
				got = append(got, o.index)
			}
		}
		if !rb.done() || len(got) != n {
			t.Fatalf("released %d of %d", len(got), n)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("out of order release: %v", got)
			}
		}
	}
}

func TestReorderBufferIgnoresDuplicatesAndStrays(t *testing.T) {
	rb := newReorderBuffer(3)
	if got := rb.add(outcome{index: 2}); len(got) != 0 {
		t.Fatalf("released early: %v", got)
	}
	if rb.pending() != 1 {
		t.Fatalf("pending = %d", rb.pending())
	}
	if got := rb.add(outcome{index: 2}); got != nil {
		t.Fatal("duplicate accepted")
	}
	if got := rb.add(outcome{index: 7}); got != nil {
		t.Fatal("out of range accepted")
	}
	if got := rb.add(outcome{index: 0}); len(got) != 1 {
		t.Fatalf("expected one release, got %d", len(got))
	}
	if got := rb.add(outcome{index: 0}); got != nil {
		t.Fatal("released index accepted again")
	}
	if got := rb.add(outcome{index: 1}); len(got) != 2 {
		t.Fatalf("expected two releases, got %d", len(got))
	}
}
