package conversation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, parent string, role Role, idx int) *Message {
	return NewMessage("chat", role, id,
		WithID(id),
		WithParentID(parent),
		WithBranchIndex(idx),
		WithTime(t0.Add(time.Duration(idx)*time.Second)),
	)
}

// branchingFixture:
//
//	u1
//	├── a1 (0)
//	│   └── u2
//	│       └── a3
//	└── a2 (1)
//	    └── u3 (0)
//	    └── u4 (1)
//	        └── a4
func branchingFixture() []*Message {
	return []*Message{
		msg("u1", "", RoleUser, 0),
		msg("a1", "u1", RoleAssistant, 0),
		msg("a2", "u1", RoleAssistant, 1),
		msg("u2", "a1", RoleUser, 0),
		msg("a3", "u2", RoleAssistant, 0),
		msg("u3", "a2", RoleUser, 0),
		msg("u4", "a2", RoleUser, 1),
		msg("a4", "u4", RoleAssistant, 0),
	}
}

func TestVisiblePathDefaultsToLastSibling(t *testing.T) {
	path := BuildVisiblePath(branchingFixture(), nil)
	require.Equal(t, []string{"u1", "a2", "u4", "a4"}, path.IDs())
}

func TestVisiblePathHonorsSelections(t *testing.T) {
	path := BuildVisiblePath(branchingFixture(), Selections{"u1": "a1"})
	require.Equal(t, []string{"u1", "a1", "u2", "a3"}, path.IDs())

	path = BuildVisiblePath(branchingFixture(), Selections{"a2": "u3"})
	require.Equal(t, []string{"u1", "a2", "u3"}, path.IDs())
}

func TestVisiblePathIgnoresStaleSelection(t *testing.T) {
	path := BuildVisiblePath(branchingFixture(), Selections{"u1": "gone", "a2": "a4"})
	require.Equal(t, []string{"u1", "a2", "u4", "a4"}, path.IDs())
}

func TestVisiblePathEmpty(t *testing.T) {
	require.Empty(t, BuildVisiblePath(nil, nil))
	sel, ok := BuildSelectionMap(nil, "x")
	require.False(t, ok)
	require.Empty(t, sel)
}

func TestVisiblePathSortsByBranchIndexNotInputOrder(t *testing.T) {
	msgs := []*Message{
		msg("b", "", RoleUser, 1),
		msg("c", "", RoleUser, 2),
		msg("a", "", RoleUser, 0),
	}
	require.Equal(t, []string{"c"}, BuildVisiblePath(msgs, nil).IDs())
	require.Equal(t, []string{"a", "b", "c"}, Conversation(NewTree(msgs).Children(RootKey)).IDs())
}

func TestVisiblePathStopsOnCycle(t *testing.T) {
	msgs := []*Message{
		msg("r", "", RoleUser, 0),
		msg("x", "y", RoleAssistant, 0),
		msg("y", "x", RoleUser, 0),
	}
	require.Equal(t, []string{"r"}, BuildVisiblePath(msgs, nil).IDs())
	tree := NewTree(msgs)
	require.Len(t, tree.Thread("x"), 2)
}

func TestSelectionMapRoutesThroughTarget(t *testing.T) {
	msgs := branchingFixture()
	sel, ok := BuildSelectionMap(msgs, "a1")
	require.True(t, ok)
	require.Equal(t, "a1", sel["u1"])
	require.Equal(t, []string{"u1", "a1", "u2", "a3"}, BuildVisiblePath(msgs, sel).IDs())

	sel, ok = BuildSelectionMap(msgs, "u3")
	require.True(t, ok)
	require.Equal(t, []string{"u1", "a2", "u3"}, BuildVisiblePath(msgs, sel).IDs())
}

func TestSelectionMapCoversEveryBranchPoint(t *testing.T) {
	msgs := branchingFixture()
	sel, ok := BuildSelectionMap(msgs, "a3")
	require.True(t, ok)

	parents := map[string]bool{}
	for _, m := range msgs {
		parents[m.ParentID] = true
	}
	require.Len(t, sel, len(parents))
	for p := range parents {
		require.Contains(t, sel, p)
	}
	// a2 is off the path to a3 and keeps its default.
	require.Equal(t, "u4", sel["a2"])
}

func TestSelectionMapUnknownTarget(t *testing.T) {
	tree := NewTree(branchingFixture())
	_, ok := tree.SelectionMap("nope")
	require.False(t, ok)
	require.Equal(t, tree.DefaultSelections(), tree.SelectionsForLeaf("nope"))
	require.Equal(t, tree.DefaultSelections(), tree.SelectionsForLeaf(""))
}

func TestSwitchRoundTrip(t *testing.T) {
	m := NewManager("chat", branchingFixture())
	require.True(t, m.SwitchTo("a1"))
	first := m.GetConversation().IDs()

	require.True(t, m.SwitchTo("a2"))
	require.NotEqual(t, first, m.GetConversation().IDs())

	require.True(t, m.SwitchTo("a1"))
	require.Equal(t, first, m.GetConversation().IDs())
}

func TestVersionInfoAndNextBranchIndex(t *testing.T) {
	tree := NewTree(branchingFixture())
	idx, total := tree.VersionInfo("a1")
	require.Equal(t, 1, idx)
	require.Equal(t, 2, total)
	idx, total = tree.VersionInfo("a2")
	require.Equal(t, 2, idx)
	require.Equal(t, 2, total)
	idx, total = tree.VersionInfo("missing")
	require.Zero(t, idx)
	require.Zero(t, total)

	require.Equal(t, 2, tree.NextBranchIndex("u1"))
	require.Equal(t, 0, tree.NextBranchIndex("a4"))
	require.Equal(t, 1, tree.NextBranchIndex(RootKey))

	// gaps left by deleted branches never produce a duplicate index
	require.Equal(t, 6, NextBranchIndex([]*Message{msg("x", "", RoleUser, 5)}))
}

func TestDescendants(t *testing.T) {
	tree := NewTree(branchingFixture())
	require.ElementsMatch(t, []string{"a2", "u3", "u4", "a4"}, tree.Descendants("a2").IDs())
	require.Nil(t, tree.Descendants("missing"))
}

// randomTree builds a tree of the given depth where every level holds a
// random number of historical siblings hanging off the chosen path node.
func randomTree(r *rand.Rand, depth int) []*Message {
	var msgs []*Message
	parent := RootKey
	for d := 0; d < depth; d++ {
		n := 1 + r.Intn(4)
		role := RoleUser
		if d%2 == 1 {
			role = RoleAssistant
		}
		var last *Message
		for i := 0; i < n; i++ {
			last = msg(fmt.Sprintf("d%d-%d", d, i), parent, role, i)
			msgs = append(msgs, last)
		}
		parent = last.ID
	}
	r.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })
	return msgs
}

func TestVisiblePathLengthEqualsDepth(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		depth := 1 + r.Intn(10)
		msgs := randomTree(r, depth)
		path := BuildVisiblePath(msgs, nil)
		require.Len(t, path, depth)

		tree := NewTree(msgs)
		for _, m := range path {
			siblings := tree.Siblings(m.ID)
			require.Equal(t, siblings[len(siblings)-1].ID, m.ID)
		}
	}
}

func TestVisiblePathPicksSelectedOrMaxBranchIndex(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		msgs := randomTree(r, 6)
		tree := NewTree(msgs)
		sel := Selections{}
		for parent, children := range tree.children {
			if r.Intn(2) == 0 {
				sel[parent] = children[r.Intn(len(children))].ID
			}
		}
		for _, m := range tree.VisiblePath(sel) {
			siblings := tree.Siblings(m.ID)
			if chosen, ok := sel[m.ParentID]; ok {
				require.Equal(t, chosen, m.ID)
				continue
			}
			max := siblings[0]
			for _, s := range siblings {
				if s.BranchIndex > max.BranchIndex {
					max = s
				}
			}
			require.Equal(t, max.ID, m.ID)
		}
	}
}
