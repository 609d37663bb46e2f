package reqstate

import (
	"errors"
	"testing"
)

func TestUnknownKeySynthesizesNone(t *testing.T) {
	tb := NewTable[string, struct{}](nil)

	if got := tb.Status("missing"); got != None {
		t.Fatalf("Status = %v, want none", got)
	}
	if tb.Len() != 0 {
		t.Fatalf("reading a status must not persist a record, len=%d", tb.Len())
	}
	if _, ok := tb.Peek("missing"); ok {
		t.Fatalf("Peek must not see unknown keys")
	}
	if tb.Err("missing") != nil {
		t.Fatalf("unknown keys carry no error")
	}
	if tb.Len() != 0 {
		t.Fatalf("pure reads must not persist records, len=%d", tb.Len())
	}
}

func TestStateMaterializesViaFactory(t *testing.T) {
	calls := 0
	tb := NewTable[string, *[]int](func() *[]int { calls++; return new([]int) })

	s := tb.State("k")
	if s == nil || calls != 1 {
		t.Fatalf("factory not applied: state=%v calls=%d", s, calls)
	}
	*s = append(*s, 7)

	if got := tb.State("k"); got != s || len(*got) != 1 {
		t.Fatalf("State must return the same payload on later reads")
	}
	if calls != 1 {
		t.Fatalf("factory ran %d times, want 1", calls)
	}
	if got, ok := tb.Peek("k"); !ok || got != s {
		t.Fatalf("Peek should now see the materialized payload")
	}
	if tb.Len() != 1 {
		t.Fatalf("State must persist the record, len=%d", tb.Len())
	}
}

func TestStatusTransitionsAndErr(t *testing.T) {
	tb := NewTable[int, struct{}](nil)
	boom := errors.New("boom")

	tb.SetStatus(1, InProgress)
	if !tb.Is(1, InProgress) || tb.Is(1, Done, Error) {
		t.Fatalf("Is misreports after InProgress")
	}

	tb.Fail(1, boom)
	if tb.Status(1) != Error || !errors.Is(tb.Err(1), boom) {
		t.Fatalf("Fail not recorded: %v %v", tb.Status(1), tb.Err(1))
	}

	// Any non-Error transition clears the recorded error.
	tb.SetStatus(1, Done)
	if tb.Status(1) != Done || tb.Err(1) != nil {
		t.Fatalf("error must clear on Done, got %v", tb.Err(1))
	}

	tb.SetStatus(1, NotFound)
	if tb.Status(1) != NotFound || tb.Err(1) != nil {
		t.Fatalf("NotFound carries no error, got %v", tb.Err(1))
	}
}

func TestDeleteAndReset(t *testing.T) {
	tb := NewTable[string, struct{}](nil)
	tb.SetStatus("a", Done)
	tb.SetStatus("b", InProgress)

	tb.Delete("a")
	if tb.Status("a") != None || tb.Len() != 1 {
		t.Fatalf("Delete left state behind: %v len=%d", tb.Status("a"), tb.Len())
	}

	tb.Reset()
	if tb.Len() != 0 || tb.Status("b") != None {
		t.Fatalf("Reset left state behind")
	}
}

func TestForEachStops(t *testing.T) {
	tb := NewTable[int, struct{}](nil)
	for i := 0; i < 5; i++ {
		tb.SetStatus(i, Done)
	}

	seen := 0
	tb.ForEach(func(int, Status, struct{}) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("ForEach visited %d records after stop, want 3", seen)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		None:       "none",
		InProgress: "in_progress",
		Done:       "done",
		Error:      "error",
		NotFound:   "not_found",
		Status(99): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}
