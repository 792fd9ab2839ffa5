package batch

import (
	"reflect"
	"strings"
	"testing"

	"github.com/minios-linux/lokitd/segment"
)

func units(texts ...string) []segment.Unit {
	out := make([]segment.Unit, len(texts))
	for i, s := range texts {
		out[i] = segment.Unit{Index: i, Text: s}
	}
	return out
}

func batchUnits(bs []Batch) [][]string {
	out := make([][]string, len(bs))
	for i, b := range bs {
		out[i] = b.Units
	}
	return out
}

func TestMakeBudgets(t *testing.T) {
	tests := []struct {
		name  string
		units []segment.Unit
		lim   Limits
		want  [][]string
	}{
		{
			name:  "count budget",
			units: units("A.", "B.", "C."),
			lim:   Limits{MaxUnits: 2},
			want:  [][]string{{"A.", "B."}, {"C."}},
		},
		{
			name:  "char budget counts separator",
			units: units("aaaa", "bbbb", "cc"),
			lim:   Limits{MaxChars: 9},
			// "aaaa\nbbbb" is 9; adding "\ncc" would be 12.
			want: [][]string{{"aaaa", "bbbb"}, {"cc"}},
		},
		{
			name:  "char budget checked before count",
			units: units("aaaa", "bbbb", "cccc"),
			lim:   Limits{MaxChars: 5, MaxUnits: 10},
			want:  [][]string{{"aaaa"}, {"bbbb"}, {"cccc"}},
		},
		{
			name:  "oversized unit flushes and splits",
			units: units("a", "bbbbbbbbbb", "c"),
			lim:   Limits{MaxChars: 4, MaxUnits: 10},
			want:  [][]string{{"a"}, {"bbbb"}, {"bbbb"}, {"bb"}, {"c"}},
		},
		{
			name:  "empty",
			units: nil,
			lim:   Limits{MaxChars: 10, MaxUnits: 2},
			want:  [][]string{},
		},
	}

	for _, tc := range tests {
		got := batchUnits(Make(tc.units, tc.lim))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: Make() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMakeIndicesAndOversizedFlag(t *testing.T) {
	bs := Make(units("a", strings.Repeat("x", 9000), "b"), Limits{MaxChars: 6000, MaxUnits: 10})
	if len(bs) != 4 {
		t.Fatalf("got %d batches, want 4", len(bs))
	}
	for i, b := range bs {
		if b.Index != i || b.Total != len(bs) {
			t.Fatalf("batch %d: Index=%d Total=%d", i, b.Index, b.Total)
		}
	}
	if bs[0].Oversized || !bs[1].Oversized || !bs[2].Oversized || bs[3].Oversized {
		t.Fatalf("unexpected Oversized flags: %v %v %v %v", bs[0].Oversized, bs[1].Oversized, bs[2].Oversized, bs[3].Oversized)
	}
}

func TestMakeForceSplit9000(t *testing.T) {
	bs := Make(units(strings.Repeat("y", 9000)), Limits{MaxChars: 6000, MaxUnits: 10})
	if len(bs) != 2 {
		t.Fatalf("got %d batches, want 2", len(bs))
	}
	for _, b := range bs {
		if b.Len() > 6000 {
			t.Fatalf("batch %d length %d exceeds budget", b.Index, b.Len())
		}
	}
}

func TestMakePreservesOrderExactlyOnce(t *testing.T) {
	var in []string
	for i := 0; i < 137; i++ {
		in = append(in, strings.Repeat(string(rune('a'+i%26)), 1+i%40))
	}
	bs := Make(units(in...), Limits{MaxChars: 120, MaxUnits: 7})

	var flat []string
	for _, b := range bs {
		if !b.Oversized && b.Len() > 120 {
			t.Fatalf("batch %d length %d exceeds budget", b.Index, b.Len())
		}
		if len(b.Units) > 7 {
			t.Fatalf("batch %d has %d units", b.Index, len(b.Units))
		}
		flat = append(flat, b.Units...)
	}
	if !reflect.DeepEqual(flat, in) {
		t.Fatalf("flattened batches do not reproduce the unit sequence")
	}
}

func TestSplitTextRoundTrip(t *testing.T) {
	b := Batch{Units: []string{"one", "two", "three"}}
	if got := SplitText(b.Text()); len(got) != len(b.Units) {
		t.Fatalf("SplitText() returned %d units, want %d", len(got), len(b.Units))
	}
}

func TestScale(t *testing.T) {
	tests := []struct {
		name        string
		total       int
		workers     int
		wantUnits   int
		wantWorkers int
	}{
		{"small", 5_000, 5, 15, 5},
		{"medium", 20_000, 5, 20, 10},
		{"large", 80_000, 5, 25, MaxWorkers},
		{"clamps workers", 1_000, 50, 15, MaxWorkers},
		{"zero workers", 1_000, 0, 15, 1},
	}
	for _, tc := range tests {
		p := Scale(tc.total, Limits{MaxChars: 8000}, tc.workers)
		if p.Limits.MaxUnits != tc.wantUnits || p.Workers != tc.wantWorkers {
			t.Fatalf("%s: Scale() = %+v, want units=%d workers=%d", tc.name, p, tc.wantUnits, tc.wantWorkers)
		}
		if p.Limits.MaxChars != 8000 {
			t.Fatalf("%s: MaxChars = %d, want 8000", tc.name, p.Limits.MaxChars)
		}
	}
}
