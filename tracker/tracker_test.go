package tracker

import "testing"

func TestRecordAndWriteEligible(t *testing.T) {
	l := New()
	content := []byte("hello\n")
	l.Record("/w/a.txt", content, Range{Start: 1, End: 1})

	if !l.WriteEligible("/w/a.txt", content) {
		t.Fatal("expected write-eligible after matching read")
	}
	if l.WriteEligible("/w/a.txt", []byte("changed\n")) {
		t.Fatal("expected not write-eligible after content changed on disk")
	}
}

func TestWriteEligible_UnknownPath(t *testing.T) {
	l := New()
	if l.WriteEligible("/w/never-read.txt", []byte("x")) {
		t.Fatal("expected unknown path to be ineligible")
	}
}

func TestRecord_UnionsRanges(t *testing.T) {
	l := New()
	content := []byte("same bytes")
	l.Record("/w/a.txt", content, Range{Start: 1, End: 10})
	l.Record("/w/a.txt", content, Range{Start: 5, End: 20})

	rng, ok := l.ShownRange("/w/a.txt")
	if !ok {
		t.Fatal("expected range to be recorded")
	}
	if rng.Start != 1 || rng.End != 20 {
		t.Fatalf("expected union [1,20], got %+v", rng)
	}
}

func TestRecord_DifferentContentResetsRange(t *testing.T) {
	l := New()
	l.Record("/w/a.txt", []byte("v1"), Range{Start: 1, End: 5})
	l.Record("/w/a.txt", []byte("v2 totally different"), Range{Start: 1, End: 3})

	rng, _ := l.ShownRange("/w/a.txt")
	if rng.Start != 1 || rng.End != 3 {
		t.Fatalf("expected fresh range [1,3] after content change, got %+v", rng)
	}
}

func TestClear(t *testing.T) {
	l := New()
	l.Record("/w/a.txt", []byte("x"), Range{Start: 1, End: 1})
	l.Clear()
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger after Clear, got %d entries", l.Len())
	}
}

func TestRangeContains(t *testing.T) {
	full := Range{Start: 1, End: 0}
	if !full.Contains(Range{Start: 5, End: 10}) {
		t.Fatal("an open-ended range should contain any sub-range starting after it")
	}
	partial := Range{Start: 1, End: 10}
	if partial.Contains(Range{Start: 5, End: 0}) {
		t.Fatal("a bounded range should not contain an open-ended range")
	}
}
