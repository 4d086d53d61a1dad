package cursor

import (
	"testing"
	"time"

	"github.com/marcus/medsync/internal/syncerr"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type pos Cursor

func (p pos) Position() Cursor { return Cursor(p) }

func TestNewRequiresTimestamp(t *testing.T) {
	if _, err := New(time.Time{}, "x"); !syncerr.Is(err, syncerr.InvalidArgument) {
		t.Fatalf("zero timestamp: got %v, want InvalidArgument", err)
	}
	c, err := New(t0.In(time.FixedZone("X", 3600)), "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp not normalized to UTC: %v", c.Timestamp)
	}
}

func TestOrdering(t *testing.T) {
	a := At(t0, 5)
	b := At(t0, 12)
	c := At(t0.Add(time.Nanosecond), 1)
	empty, _ := New(t0, "")

	tests := []struct {
		name string
		x, y Cursor
		want int
	}{
		{"same timestamp by id", a, b, -1},
		{"numeric not lexical", b, a, 1},
		{"timestamp first", b, c, -1},
		{"empty id sorts first", empty, a, -1},
		{"equal", a, At(t0, 5), 0},
	}
	for _, tt := range tests {
		if got := Compare(tt.x, tt.y); got != tt.want {
			t.Errorf("%s: Compare(%s, %s) = %d, want %d", tt.name, tt.x, tt.y, got, tt.want)
		}
	}
	if !Start().After(Cursor{}) || !a.After(Start()) {
		t.Fatal("Start must precede every record")
	}
}

func TestAdvanceNeverRegresses(t *testing.T) {
	c := At(t0, 10)
	if got := Advance(c, pos(At(t0, 4))); !got.Equal(c) {
		t.Fatalf("advance backwards: got %s, want %s", got, c)
	}
	later := At(t0.Add(time.Second), 1)
	if got := Advance(c, pos(later)); !got.Equal(later) {
		t.Fatalf("advance forwards: got %s, want %s", got, later)
	}
	if got := Advance(c, pos(c)); !got.Equal(c) {
		t.Fatalf("advance to same: got %s", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	c := At(t0.Add(123*time.Nanosecond), 42)
	got, err := Decode(c.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(c) {
		t.Fatalf("round trip: got %s, want %s", got, c)
	}

	for _, bad := range []string{"%%%", "bm90IGpzb24", Cursor{}.Encode()} {
		if _, err := Decode(bad); !syncerr.Is(err, syncerr.InvalidArgument) {
			t.Errorf("Decode(%q): got %v, want InvalidArgument", bad, err)
		}
	}
}

func TestSeqID(t *testing.T) {
	id := SeqID(42)
	if len(id) != seqIDWidth {
		t.Fatalf("width: got %d, want %d", len(id), seqIDWidth)
	}
	if SeqID(9) >= SeqID(10) {
		t.Fatal("seq ids must sort numerically")
	}
	seq, err := ParseSeqID(id)
	if err != nil || seq != 42 {
		t.Fatalf("parse: got %d, %v", seq, err)
	}
	if seq, err := ParseSeqID(""); err != nil || seq != 0 {
		t.Fatalf("empty id: got %d, %v", seq, err)
	}
	if _, err := ParseSeqID("abc"); !syncerr.Is(err, syncerr.InvalidArgument) {
		t.Fatalf("bad id: got %v", err)
	}
}

func TestString(t *testing.T) {
	empty, _ := New(t0, "")
	if got, want := empty.String(), "2024-03-01T08:00:00Z/-"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
