package irqgraph

import "testing"

func TestRaisePropagatesToListenersAndConnections(t *testing.T) {
	g := New()
	src := g.Alloc("src", 0)
	dst := g.Alloc("dst", 0)
	g.Connect(src, dst)

	var srcSeen, dstSeen []uint32
	g.RegisterNotify(src, func(g *Graph, h Handle, value uint32, param interface{}) {
		srcSeen = append(srcSeen, value)
	}, nil)
	g.RegisterNotify(dst, func(g *Graph, h Handle, value uint32, param interface{}) {
		dstSeen = append(dstSeen, value)
	}, nil)

	g.Raise(src, 1)
	g.Raise(src, 0)

	if got, want := srcSeen, []uint32{1, 0}; !equal(got, want) {
		t.Errorf("src listener saw %v, want %v", got, want)
	}
	if got, want := dstSeen, []uint32{1, 0}; !equal(got, want) {
		t.Errorf("dst listener saw %v, want %v (propagation)", got, want)
	}
	if got, want := g.Value(dst), uint32(0); got != want {
		t.Errorf("dst value = %d, want %d", got, want)
	}
}

func TestFilterChangesSuppressesDuplicateRaise(t *testing.T) {
	g := New()
	n := g.Alloc("n", FilterChanges)
	count := 0
	g.RegisterNotify(n, func(g *Graph, h Handle, value uint32, param interface{}) {
		count++
	}, nil)

	g.Raise(n, 5)
	g.Raise(n, 5)
	g.Raise(n, 5)
	g.Raise(n, 6)

	if count != 2 {
		t.Errorf("listener fired %d times, want 2 (one per distinct value)", count)
	}
}

func TestRegisterNotifyParamRoundtrips(t *testing.T) {
	g := New()
	n := g.Alloc("n", 0)
	type box struct{ label string }
	b := &box{label: "hello"}
	var gotParam interface{}
	g.RegisterNotify(n, func(g *Graph, h Handle, value uint32, param interface{}) {
		gotParam = param
	}, b)
	g.Raise(n, 1)
	if gotParam.(*box) != b {
		t.Errorf("param = %v, want %v", gotParam, b)
	}
}

func TestAllocNNamesAreSuffixed(t *testing.T) {
	g := New()
	hs := g.AllocN("pin", 3, 0)
	if len(hs) != 3 {
		t.Fatalf("AllocN returned %d handles, want 3", len(hs))
	}
	for i, h := range hs {
		want := "pin" + string(rune('0'+i))
		if got := g.Name(h); got != want {
			t.Errorf("Name(%d) = %q, want %q", h, got, want)
		}
	}
}

func TestSnapshotReflectsWiring(t *testing.T) {
	g := New()
	a := g.Alloc("a", 0)
	b := g.Alloc("b", 0)
	g.Connect(a, b)
	g.RegisterNotify(a, func(g *Graph, h Handle, value uint32, param interface{}) {}, nil)
	g.Raise(a, 42)

	snap := g.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot returned %d nodes, want 2", len(snap))
	}
	if snap[0].Value != 42 || snap[0].Listeners != 1 || len(snap[0].Connections) != 1 {
		t.Errorf("snapshot of a = %+v, unexpected", snap[0])
	}
	if snap[1].Value != 42 {
		t.Errorf("snapshot of b = %+v, want propagated value 42", snap[1])
	}
}

func equal(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
