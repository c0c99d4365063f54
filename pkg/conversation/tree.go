package conversation

import (
	"sort"
)

// RootKey is the Selections key for the root level of a tree.
const RootKey = ""

// Selections maps a branch point (parent id, RootKey for roots) to the child
// chosen at that point. It is view state only; the durable form is
// Chat.CurrentLeafMessageID.
type Selections map[string]string

func (s Selections) Clone() Selections {
	ret := make(Selections, len(s))
	for k, v := range s {
		ret[k] = v
	}
	return ret
}

// Tree is an arena of messages keyed by id. Adjacency is derived from the
// ParentID fields when the tree is built and never stored on the messages.
//
// Siblings are ordered by BranchIndex ascending, which is also the order in
// which versions were created. The last sibling is the default choice at
// every branch point.
type Tree struct {
	Nodes    map[string]*Message
	children map[string][]*Message
}

func NewTree(msgs []*Message) *Tree {
	t := &Tree{
		Nodes:    make(map[string]*Message, len(msgs)),
		children: make(map[string][]*Message),
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if _, exists := t.Nodes[m.ID]; exists {
			continue
		}
		t.Nodes[m.ID] = m
		t.children[m.ParentID] = append(t.children[m.ParentID], m)
	}
	for _, siblings := range t.children {
		sortSiblings(siblings)
	}
	return t
}

func sortSiblings(siblings []*Message) {
	sort.SliceStable(siblings, func(i, j int) bool {
		a, b := siblings[i], siblings[j]
		if a.BranchIndex != b.BranchIndex {
			return a.BranchIndex < b.BranchIndex
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (t *Tree) Len() int {
	return len(t.Nodes)
}

func (t *Tree) GetMessageByID(id string) (*Message, bool) {
	ret, exists := t.Nodes[id]
	return ret, exists
}

// Children returns the ordered children of parentID (RootKey for roots).
func (t *Tree) Children(parentID string) []*Message {
	return t.children[parentID]
}

// Siblings returns every message sharing id's parent, id included, in branch order.
func (t *Tree) Siblings(id string) []*Message {
	node, exists := t.Nodes[id]
	if !exists {
		return nil
	}
	return t.children[node.ParentID]
}

// NextBranchIndex is the branch index a new child of parentID receives.
func (t *Tree) NextBranchIndex(parentID string) int {
	return NextBranchIndex(t.children[parentID])
}

// NextBranchIndex returns the index a new sibling appended to siblings gets:
// one past the highest index in use, which equals the sibling count for
// well-formed data.
func NextBranchIndex(siblings []*Message) int {
	next := len(siblings)
	for _, s := range siblings {
		if s.BranchIndex >= next {
			next = s.BranchIndex + 1
		}
	}
	return next
}

// VersionInfo returns the 1-based position of id among its siblings and the
// sibling count, i.e. "version N of M".
func (t *Tree) VersionInfo(id string) (int, int) {
	siblings := t.Siblings(id)
	for i, s := range siblings {
		if s.ID == id {
			return i + 1, len(siblings)
		}
	}
	return 0, 0
}

// Thread returns the ancestor path from the root down to id, id included.
func (t *Tree) Thread(id string) Conversation {
	var thread Conversation
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		seen[id] = true
		node, exists := t.Nodes[id]
		if !exists {
			break
		}
		thread = append(thread, node)
		id = node.ParentID
	}
	for i, j := 0, len(thread)-1; i < j; i, j = i+1, j-1 {
		thread[i], thread[j] = thread[j], thread[i]
	}
	return thread
}

// Descendants returns id and everything below it, parents before children.
func (t *Tree) Descendants(id string) Conversation {
	node, exists := t.Nodes[id]
	if !exists {
		return nil
	}
	ret := Conversation{node}
	seen := map[string]bool{id: true}
	for i := 0; i < len(ret); i++ {
		for _, child := range t.children[ret[i].ID] {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			ret = append(ret, child)
		}
	}
	return ret
}

// pick applies the selection rule at one branch point: the recorded choice if
// it is still one of the siblings, otherwise the most recent sibling.
func pick(siblings []*Message, selected string, ok bool) *Message {
	if len(siblings) == 0 {
		return nil
	}
	if ok {
		for _, s := range siblings {
			if s.ID == selected {
				return s
			}
		}
	}
	return siblings[len(siblings)-1]
}

// VisiblePath walks from the root level down, choosing one child per level.
// The result has exactly one message per depth of the chosen path, however
// many historical versions are stored.
func (t *Tree) VisiblePath(selections Selections) Conversation {
	var path Conversation
	seen := map[string]bool{}
	parent := RootKey
	for {
		selected, ok := selections[parent]
		node := pick(t.children[parent], selected, ok)
		if node == nil || seen[node.ID] {
			return path
		}
		seen[node.ID] = true
		path = append(path, node)
		parent = node.ID
	}
}

// DefaultSelections selects the most recent sibling at every branch point.
func (t *Tree) DefaultSelections() Selections {
	ret := make(Selections, len(t.children))
	for parent, siblings := range t.children {
		if len(siblings) > 0 {
			ret[parent] = siblings[len(siblings)-1].ID
		}
	}
	return ret
}

// SelectionMap builds a selection for every branch point such that the
// visible path runs through targetID. Branch points off that path get their
// default so sibling subtrees still resolve to a sensible continuation.
// It returns false if targetID is not in the tree.
func (t *Tree) SelectionMap(targetID string) (Selections, bool) {
	if _, exists := t.Nodes[targetID]; !exists {
		return Selections{}, false
	}

	onPath := map[string]bool{}
	for _, m := range t.Thread(targetID) {
		onPath[m.ID] = true
	}

	ret := make(Selections, len(t.children))
	for parent, siblings := range t.children {
		if len(siblings) == 0 {
			continue
		}
		choice := siblings[len(siblings)-1].ID
		for _, s := range siblings {
			if onPath[s.ID] {
				choice = s.ID
				break
			}
		}
		ret[parent] = choice
	}
	return ret, true
}

// SelectionsForLeaf is SelectionMap with a fallback to the default
// selections when leafID is empty or gone.
func (t *Tree) SelectionsForLeaf(leafID string) Selections {
	if leafID != "" {
		if sel, ok := t.SelectionMap(leafID); ok {
			return sel
		}
	}
	return t.DefaultSelections()
}

// BuildVisiblePath derives the linear message sequence for a flat message set
// and a selection map.
func BuildVisiblePath(msgs []*Message, selections Selections) Conversation {
	return NewTree(msgs).VisiblePath(selections)
}

// BuildSelectionMap builds a complete selection map that resolves through
// targetID. The boolean is false when targetID does not exist, in which case
// callers fall back to DefaultSelections.
func BuildSelectionMap(msgs []*Message, targetID string) (Selections, bool) {
	return NewTree(msgs).SelectionMap(targetID)
}
