package geometry

import "testing"

func TestNewValidates(t *testing.T) {
	if _, err := New(0, 1, 1, 1, 4096, 128); err == nil {
		t.Fatalf("expected error for zero channels")
	}
	if _, err := New(1, 1, 1, 1, 0, 128); err == nil {
		t.Fatalf("expected error for zero page size")
	}
	g, err := New(2, 2, 4, 4, 4096, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.NrPunits() != 4 {
		t.Fatalf("NrPunits = %d, want 4", g.NrPunits())
	}
	if g.NrPagesPerSSD() != 64 {
		t.Fatalf("NrPagesPerSSD = %d, want 64", g.NrPagesPerSSD())
	}
}

func TestPunitIDRoundTrip(t *testing.T) {
	g, _ := New(2, 3, 1, 1, 4096, 128)
	for chip := uint64(0); chip < g.ChipsPerChannel; chip++ {
		for ch := uint64(0); ch < g.Channels; ch++ {
			id := g.PunitID(PPA{Channel: ch, Chip: chip})
			gotCh, gotChip := g.PunitCoords(id)
			if gotCh != ch || gotChip != chip {
				t.Fatalf("PunitCoords(%d) = (%d,%d), want (%d,%d)", id, gotCh, gotChip, ch, chip)
			}
		}
	}
}

func TestValidate(t *testing.T) {
	g, _ := New(2, 2, 4, 4, 4096, 128)
	if err := g.Validate(PPA{Channel: 1, Chip: 1, Block: 3, Page: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Validate(PPA{Channel: 2, Chip: 0, Block: 0, Page: 0}); err == nil {
		t.Fatalf("expected error for out-of-range channel")
	}
}

func TestInvalidPPA(t *testing.T) {
	if !InvalidPPA.IsInvalid() {
		t.Fatalf("InvalidPPA.IsInvalid() = false")
	}
	if (PPA{}).IsInvalid() {
		t.Fatalf("zero PPA reported invalid")
	}
}
