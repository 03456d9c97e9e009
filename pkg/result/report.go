// Package result accumulates per-function specialization outcomes into a
// thread-safe table, exportable as JSON for offline inspection.
package result

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
)

// Report describes the outcome of specializing a single function.
type Report struct {
	Name               string `json:"name"`
	OriginalBytes      int    `json:"original_bytes"`
	ResidualInstrCount int    `json:"residual_instr_count"`
	ResidualBytes      int    `json:"residual_bytes"`
	Captured           bool   `json:"captured"`
	BailOut            bool   `json:"bail_out"`
	Reason             string `json:"reason,omitempty"`
}

// BytesSaved returns how many bytes specialization removed; negative if the
// residual somehow grew (e.g. REX synthesis on a previously prefix-free
// instruction).
func (r Report) BytesSaved() int {
	return r.OriginalBytes - r.ResidualBytes
}

// Table stores specialization reports discovered across a batch run.
type Table struct {
	mu      sync.Mutex
	reports []Report
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Add inserts a report into the table.
func (t *Table) Add(r Report) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, r)
}

// Reports returns a copy of all reports, sorted by bytes saved (descending).
func (t *Table) Reports() []Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Report, len(t.reports))
	copy(out, t.reports)
	sort.Slice(out, func(i, j int) bool {
		return out[i].BytesSaved() > out[j].BytesSaved()
	})
	return out
}

// Len returns the number of reports.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reports)
}

// WriteJSON writes the table's reports, sorted, as a JSON array.
func (t *Table) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t.Reports())
}

// ReadJSON replaces the table's contents with reports decoded from r.
func (t *Table) ReadJSON(r io.Reader) error {
	var reports []Report
	if err := json.NewDecoder(r).Decode(&reports); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = reports
	return nil
}
