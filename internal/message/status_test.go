package message

import (
	"math/rand"
	"testing"
)

func TestAdvance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		current  Status
		incoming Status
		want     Status
		changed  bool
	}{
		{name: "forward", current: StatusSent, incoming: StatusDelivered, want: StatusDelivered, changed: true},
		{name: "skip ahead", current: StatusPending, incoming: StatusRead, want: StatusRead, changed: true},
		{name: "lower rank ignored", current: StatusDelivered, incoming: StatusSent, want: StatusDelivered},
		{name: "duplicate ignored", current: StatusDelivered, incoming: StatusDelivered, want: StatusDelivered},
		{name: "error overrides read", current: StatusRead, incoming: StatusError, want: StatusError, changed: true},
		{name: "error is terminal", current: StatusError, incoming: StatusRead, want: StatusError},
		{name: "error twice", current: StatusError, incoming: StatusError, want: StatusError},
	}
	for _, tc := range cases {
		got, changed := Advance(tc.current, tc.incoming)
		if got != tc.want || changed != tc.changed {
			t.Fatalf("%s: Advance(%s, %s) = (%s, %v), want (%s, %v)", tc.name, tc.current, tc.incoming, got, changed, tc.want, tc.changed)
		}
	}
}

func TestAdvanceAnyOrderConverges(t *testing.T) {
	t.Parallel()

	all := []Status{StatusSentToProvider, StatusSent, StatusDelivered, StatusRead, StatusError}
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 500; round++ {
		n := 1 + rng.Intn(8)
		seq := make([]Status, n)
		for i := range seq {
			seq[i] = all[rng.Intn(len(all))]
		}

		want := StatusPending
		sawError := false
		for _, s := range seq {
			if s == StatusError {
				sawError = true
				continue
			}
			if s.Rank() > want.Rank() {
				want = s
			}
		}
		if sawError {
			want = StatusError
		}

		got := StatusPending
		for _, s := range seq {
			got, _ = Advance(got, s)
		}
		if got != want {
			t.Fatalf("sequence %v ended at %s, want %s", seq, got, want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus(" Delivered ")
	if err != nil || s != StatusDelivered {
		t.Fatalf("ParseStatus = (%q, %v)", s, err)
	}
	if _, err := ParseStatus("bounced"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
