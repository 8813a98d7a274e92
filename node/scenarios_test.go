package node_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-sub001/id"
	"github.com/codership/galera-sub001/internal/gctest"
	"github.com/codership/galera-sub001/node"
)

// findView returns the first delivery of the given view type among ds, or
// nil if none match.
func findView(ds []node.Delivery, typ id.ViewType) *id.View {
	for _, d := range ds {
		if d.View != nil && d.View.Id.Type == typ {
			return d.View
		}
	}
	return nil
}

func memberSet(names ...id.UUID) map[id.UUID]bool {
	out := make(map[id.UUID]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func requireMembers(t *testing.T, v *id.View, want map[id.UUID]bool) {
	t.Helper()
	require.NotNil(t, v)
	require.Len(t, v.MemberOrder, len(want))
	for _, u := range v.MemberOrder {
		require.True(t, want[u], "unexpected member %s", u)
	}
}

// Scenario 1: single-node boot. A lone bootstrapped node must immediately
// deliver a V_PRIM view containing only itself at seq 0.
func TestScenario_SingleNodeBoot(t *testing.T) {
	h := gctest.New()
	dir := t.TempDir()
	n1 := h.AddNode("n1", map[string]string{"pc.bootstrap": "true"}, dir)

	ds := n1.Node.Drain()
	v := findView(ds, id.ViewPrim)
	require.NotNil(t, v, "expected a V_PRIM delivery on bootstrap")
	require.Equal(t, n1.Node.Self(), v.Id.Rep)
	require.EqualValues(t, 0, v.Id.Seq)
	requireMembers(t, v, memberSet(n1.Node.Self()))
}

// Scenario 2: two-node boot. A bootstrapped node and a plain joiner must
// converge on a single V_PRIM view containing both, each preceded by a
// V_TRANS view reflecting the survivors of its own previous view.
func TestScenario_TwoNodeBoot(t *testing.T) {
	ctx := context.Background()
	h := gctest.New()
	n1 := h.AddNode("n1", map[string]string{"pc.bootstrap": "true"}, filepath.Join(t.TempDir(), "n1"))
	n2 := h.AddNode("n2", nil, filepath.Join(t.TempDir(), "n2"))
	n1.Node.Drain()

	h.Connect(ctx, "n1", "n2")

	both := memberSet(n1.Node.Self(), n2.Node.Self())
	for _, name := range []string{"n1", "n2"} {
		ds := h.Member(name).Node.Drain()
		trans := findView(ds, id.ViewTrans)
		require.NotNil(t, trans, "%s: expected a V_TRANS delivery", name)
		prim := findView(ds, id.ViewPrim)
		require.NotNil(t, prim, "%s: expected a V_PRIM delivery", name)
		requireMembers(t, prim, both)
	}
}

// Scenario 3: split-and-merge among five nodes. A 5-node primary component
// loses two nodes to a partition (quorum held on the 3-side), then the
// partition heals and the group reconverges into one primary view again.
func TestScenario_SplitAndMerge(t *testing.T) {
	ctx := context.Background()
	h := gctest.New()
	names := []string{"n1", "n2", "n3", "n4", "n5"}
	for i, name := range names {
		overrides := map[string]string{}
		if i == 0 {
			overrides["pc.bootstrap"] = "true"
		}
		h.AddNode(name, overrides, filepath.Join(t.TempDir(), name))
	}
	h.ConnectAll(ctx)
	h.Drain()

	// Partition {n4, n5} away from {n1, n2, n3}.
	h.Disconnect(ctx, "n1", "n4")
	h.Disconnect(ctx, "n1", "n5")
	h.Disconnect(ctx, "n2", "n4")
	h.Disconnect(ctx, "n2", "n5")
	h.Disconnect(ctx, "n3", "n4")
	h.Disconnect(ctx, "n3", "n5")
	h.Advance(ctx, 20*time.Second)

	majority := memberSet(h.Member("n1").Node.Self(), h.Member("n2").Node.Self(), h.Member("n3").Node.Self())
	for _, name := range []string{"n1", "n2", "n3"} {
		ds := h.Member(name).Node.Drain()
		prim := findView(ds, id.ViewPrim)
		require.NotNil(t, prim, "%s: expected to retain V_PRIM after shedding the minority", name)
		requireMembers(t, prim, majority)
	}
	for _, name := range []string{"n4", "n5"} {
		ds := h.Member(name).Node.Drain()
		nonPrim := findView(ds, id.ViewNonPrim)
		require.NotNil(t, nonPrim, "%s: expected V_NON_PRIM after losing quorum", name)
	}

	// Heal the partition; the group should reconverge on all five members.
	h.Connect(ctx, "n1", "n4")
	h.Connect(ctx, "n1", "n5")
	h.Connect(ctx, "n2", "n4")
	h.Connect(ctx, "n2", "n5")
	h.Connect(ctx, "n3", "n4")
	h.Connect(ctx, "n3", "n5")

	all := memberSet(
		h.Member("n1").Node.Self(), h.Member("n2").Node.Self(), h.Member("n3").Node.Self(),
		h.Member("n4").Node.Self(), h.Member("n5").Node.Self(),
	)
	for _, name := range names {
		ds := h.Member(name).Node.Drain()
		prim := findView(ds, id.ViewPrim)
		require.NotNil(t, prim, "%s: expected a reconverged V_PRIM after the merge", name)
		requireMembers(t, prim, all)
	}
}

// Scenario 4: complete network split. Three equally-weighted nodes are cut
// off from one another entirely; none retains quorum (no side has a
// strict majority of the last primary's weight), so all three must fall
// to V_NON_PRIM.
func TestScenario_CompleteNetworkSplit(t *testing.T) {
	ctx := context.Background()
	h := gctest.New()
	names := []string{"n1", "n2", "n3"}
	for i, name := range names {
		overrides := map[string]string{}
		if i == 0 {
			overrides["pc.bootstrap"] = "true"
		}
		h.AddNode(name, overrides, filepath.Join(t.TempDir(), name))
	}
	h.ConnectAll(ctx)
	h.Drain()

	for _, name := range names {
		h.Isolate(ctx, name)
	}
	h.Advance(ctx, 20*time.Second)

	for _, name := range names {
		ds := h.Member(name).Node.Drain()
		nonPrim := findView(ds, id.ViewNonPrim)
		require.NotNil(t, nonPrim, "%s: a lone node out of three must not hold quorum alone", name)
	}
}

// Scenario 6: weighted asymmetric split. Nodes 1(w=0), 2(w=1), 3(w=2)
// partition into {3} and {1,2}. {3} alone outweighs the other two combined
// and must stay V_PRIM; {1,2} must fall to V_NON_PRIM despite being a
// numeric majority.
func TestScenario_WeightedAsymmetricSplit(t *testing.T) {
	ctx := context.Background()
	h := gctest.New()
	h.AddNode("n1", map[string]string{"pc.bootstrap": "true", "pc.weight": "0"}, filepath.Join(t.TempDir(), "n1"))
	h.AddNode("n2", map[string]string{"pc.weight": "1"}, filepath.Join(t.TempDir(), "n2"))
	h.AddNode("n3", map[string]string{"pc.weight": "2"}, filepath.Join(t.TempDir(), "n3"))
	h.ConnectAll(ctx)
	h.Drain()

	h.Disconnect(ctx, "n1", "n3")
	h.Disconnect(ctx, "n2", "n3")
	h.Advance(ctx, 20*time.Second)

	ds3 := h.Member("n3").Node.Drain()
	prim3 := findView(ds3, id.ViewPrim)
	require.NotNil(t, prim3, "n3: weight 2 outweighs {n1,n2}'s combined weight 1 and must stay V_PRIM")
	requireMembers(t, prim3, memberSet(h.Member("n3").Node.Self()))

	for _, name := range []string{"n1", "n2"} {
		ds := h.Member(name).Node.Drain()
		nonPrim := findView(ds, id.ViewNonPrim)
		require.NotNil(t, nonPrim, "%s: {n1,n2}'s combined weight 1 cannot outweigh n3's weight 2", name)
	}
}

// Scenario 7: evicted node rejoin. Evicting n3 must close its future
// handshake attempts while n1 and n2 remain primary together.
func TestScenario_EvictedNodeRejoin(t *testing.T) {
	ctx := context.Background()
	h := gctest.New()
	h.AddNode("n1", map[string]string{"pc.bootstrap": "true"}, filepath.Join(t.TempDir(), "n1"))
	h.AddNode("n2", nil, filepath.Join(t.TempDir(), "n2"))
	h.AddNode("n3", nil, filepath.Join(t.TempDir(), "n3"))
	h.ConnectAll(ctx)
	h.Drain()

	n3 := h.Member("n3").Node.Self()
	h.Member("n1").Node.Evict(n3)
	h.Member("n2").Node.Evict(n3)
	h.Disconnect(ctx, "n1", "n3")
	h.Disconnect(ctx, "n2", "n3")

	remaining := memberSet(h.Member("n1").Node.Self(), h.Member("n2").Node.Self())
	for _, name := range []string{"n1", "n2"} {
		ds := h.Member(name).Node.Drain()
		prim := findView(ds, id.ViewPrim)
		require.NotNil(t, prim, "%s: should stay primary with n3 gone", name)
		requireMembers(t, prim, remaining)
	}

	// n3 attempts to reconnect to n1; the overlay must refuse the handshake
	// as evicted rather than re-admitting it into EVS membership.
	h.Connect(ctx, "n3", "n1")
	ds1 := h.Member("n1").Node.Drain()
	require.Nil(t, findView(ds1, id.ViewTrans), "n1: an evicted peer's handshake must never reach EVS membership negotiation")
}
