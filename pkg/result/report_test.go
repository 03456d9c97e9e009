package result

import (
	"bytes"
	"testing"
)

func TestTableSortsByBytesSavedDescending(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Report{Name: "f", OriginalBytes: 20, ResidualBytes: 18, Captured: true})
	tbl.Add(Report{Name: "g", OriginalBytes: 20, ResidualBytes: 4, Captured: true})
	tbl.Add(Report{Name: "h", OriginalBytes: 20, ResidualBytes: 20, Captured: true})

	reports := tbl.Reports()
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}
	if reports[0].Name != "g" || reports[1].Name != "f" || reports[2].Name != "h" {
		t.Fatalf("reports not sorted by bytes saved: %+v", reports)
	}
}

func TestTableJSONRoundTrip(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Report{Name: "identity", OriginalBytes: 9, ResidualBytes: 1, Captured: true})
	tbl.Add(Report{Name: "dynamic_branch", BailOut: true, Reason: "control transfer at 0x1008"})

	var buf bytes.Buffer
	if err := tbl.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	readBack := NewTable()
	if err := readBack.ReadJSON(&buf); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if readBack.Len() != 2 {
		t.Fatalf("got %d reports after round trip, want 2", readBack.Len())
	}
}

func TestBytesSaved(t *testing.T) {
	r := Report{OriginalBytes: 9, ResidualBytes: 1}
	if got, want := r.BytesSaved(), 8; got != want {
		t.Errorf("BytesSaved() = %d, want %d", got, want)
	}
}
