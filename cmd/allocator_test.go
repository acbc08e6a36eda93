package cmd

import (
	"errors"
	"slices"
	"testing"
)

func TestBlockAllocator(t *testing.T) {
	a := newBlockAllocator(3, 4)

	var s1, s2 sequence
	slots, err := a.reserve(&s1, 5)
	if err != nil {
		t.Fatal(err)
	}

	if want := []int32{0, 1, 2, 3, 4}; !slices.Equal(slots, want) {
		t.Errorf("have %v; want %v", slots, want)
	}

	slots, err = a.reserve(&s2, 2)
	if err != nil {
		t.Fatal(err)
	}

	if want := []int32{8, 9}; !slices.Equal(slots, want) {
		t.Errorf("have %v; want %v", slots, want)
	}

	// the partially filled block is reused before a new one is needed
	slots, err = a.reserve(&s1, 3)
	if err != nil {
		t.Fatal(err)
	}

	if want := []int32{5, 6, 7}; !slices.Equal(slots, want) {
		t.Errorf("have %v; want %v", slots, want)
	}

	if _, err := a.reserve(&s1, 1); !errors.Is(err, errOutOfBlocks) {
		t.Errorf("have %v; want %v", err, errOutOfBlocks)
	}

	a.release(&s2)
	if a.available() != 1 {
		t.Errorf("have %d free blocks; want 1", a.available())
	}

	if _, err := a.reserve(&s1, 1); err != nil {
		t.Fatal(err)
	}
}
