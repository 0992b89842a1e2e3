package ingest

import "testing"

func TestPlanExactCover(t *testing.T) {
	tests := []struct {
		name     string
		from, to uint64
		maxChunk uint64
		want     []BlockRange
	}{
		{"two even chunks", 1000, 2999, 1000, []BlockRange{{1000, 1999}, {2000, 2999}}},
		{"single block", 5, 5, 1000, []BlockRange{{5, 5}}},
		{"uneven tail", 0, 2500, 1000, []BlockRange{{0, 999}, {1000, 1999}, {2000, 2500}}},
		{"chunk larger than span", 10, 20, 100, []BlockRange{{10, 20}}},
		{"zero chunk treated as one", 1, 3, 0, []BlockRange{{1, 1}, {2, 2}, {3, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.from, tt.to, tt.maxChunk)
			if len(got) != len(tt.want) {
				t.Fatalf("Plan(%d,%d,%d) = %v, want %v", tt.from, tt.to, tt.maxChunk, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("range %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPlanInvariants(t *testing.T) {
	ranges := Plan(17, 90321, 777)
	if ranges[0].From != 17 {
		t.Errorf("first range starts at %d, want 17", ranges[0].From)
	}
	if ranges[len(ranges)-1].To != 90321 {
		t.Errorf("last range ends at %d, want 90321", ranges[len(ranges)-1].To)
	}
	for i, r := range ranges {
		if r.To < r.From {
			t.Errorf("range %d inverted: %v", i, r)
		}
		if r.Blocks() > 777 {
			t.Errorf("range %d covers %d blocks, max 777", i, r.Blocks())
		}
		if i > 0 && r.From != ranges[i-1].To+1 {
			t.Errorf("range %d does not abut previous: %v after %v", i, r, ranges[i-1])
		}
	}
}

func TestPlanEmptyOnInvertedInput(t *testing.T) {
	if got := Plan(10, 5, 100); got != nil {
		t.Errorf("Plan(10,5) = %v, want nil", got)
	}
}

func TestBisectRecoversParent(t *testing.T) {
	lo, hi, err := Bisect(BlockRange{1000, 1999})
	if err != nil {
		t.Fatal(err)
	}
	if lo.From != 1000 || hi.To != 1999 {
		t.Errorf("halves %v, %v do not span parent", lo, hi)
	}
	if hi.From != lo.To+1 {
		t.Errorf("halves %v, %v overlap or leave a hole", lo, hi)
	}
}

func TestBisectTwoBlocks(t *testing.T) {
	lo, hi, err := Bisect(BlockRange{7, 8})
	if err != nil {
		t.Fatal(err)
	}
	if lo != (BlockRange{7, 7}) || hi != (BlockRange{8, 8}) {
		t.Errorf("Bisect(7,8) = %v, %v", lo, hi)
	}
}

func TestBisectSingleBlockFails(t *testing.T) {
	if _, _, err := Bisect(BlockRange{42, 42}); err != ErrRangeIndivisible {
		t.Errorf("Bisect single block err = %v, want ErrRangeIndivisible", err)
	}
}
