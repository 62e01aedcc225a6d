package window

import "testing"

func TestOffsetBoundaryCases(t *testing.T) {
	cases := []struct {
		name string
		ts   int64
		want int64
	}{
		{"exactly on boundary", 1700000100, 0},
		{"one second after", 1700000101, 1},
		{"one second before", 1700000099, -1},
		{"mid window positive edge", 1700000100 + 150, 150},
		{"just past midpoint", 1700000100 + 151, -149},
		{"deep in window", 1700000100 + 299, -1},
		{"zero timestamp", 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Offset(tc.ts)
			if got != tc.want {
				t.Fatalf("Offset(%d) = %d, want %d", tc.ts, got, tc.want)
			}
		})
	}
}

func TestOffsetAlwaysInRange(t *testing.T) {
	for ts := int64(1700000000); ts < 1700000000+900; ts++ {
		off := Offset(ts)
		if off < -150 || off > 150 {
			t.Fatalf("Offset(%d) = %d out of [-150, 150]", ts, off)
		}
	}
}

func TestAt(t *testing.T) {
	// 1700000100 is aligned to a 300s boundary.
	w := At(1700000100 + 40)
	if w.Start != 1700000100 {
		t.Fatalf("expected start 1700000100, got %d", w.Start)
	}
	if w.End != 1700000400 {
		t.Fatalf("expected end 1700000400, got %d", w.End)
	}
	if w.Elapsed != 40 {
		t.Fatalf("expected elapsed 40, got %d", w.Elapsed)
	}
	if w.Remaining != 260 {
		t.Fatalf("expected remaining 260, got %d", w.Remaining)
	}
}

func TestNext(t *testing.T) {
	if got := Next(1700000100); got != 1700000400 {
		t.Fatalf("expected next boundary 1700000400, got %d", got)
	}
	if got := Next(1700000399); got != 1700000400 {
		t.Fatalf("expected next boundary 1700000400, got %d", got)
	}
}
