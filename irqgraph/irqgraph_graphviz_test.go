package irqgraph

import (
	"os"
	"testing"

	"github.com/bradleyjkemp/memviz"
)

// TestSnapshotDotDump exercises the snapshot-ability the arena design calls for:
// a graph with no outstanding pointer lifetimes can be dumped wholesale, here to a
// Graphviz .dot file for visual inspection of a board's wiring during debugging.
func TestSnapshotDotDump(t *testing.T) {
	g := New()
	sck := g.Alloc("lcd.sck", 0)
	din := g.Alloc("lcd.din", 0)
	latch := g.Alloc("lcd.latch", FilterChanges)
	g.Connect(sck, latch)
	g.Connect(din, latch)
	g.Raise(sck, 1)

	f, err := os.CreateTemp(t.TempDir(), "irqgraph-*.dot")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	memviz.Map(f, g.Snapshot())
}
