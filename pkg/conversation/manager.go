package conversation

// Manager is the in-memory view of one conversation.
type Manager struct {
	ChatID     string
	Tree       *Tree
	selections Selections
	visible    Conversation
}

type ManagerOption func(*Manager)

// WithSelections seeds the manager with explicit branch choices.
func WithSelections(selections Selections) ManagerOption {
	return func(m *Manager) {
		m.selections = selections.Clone()
	}
}

// WithLeaf seeds the selections so the visible path runs through leafID,
// falling back to the default selections if leafID is unknown.
func WithLeaf(leafID string) ManagerOption {
	return func(m *Manager) {
		m.selections = m.Tree.SelectionsForLeaf(leafID)
	}
}

func NewManager(chatID string, msgs []*Message, options ...ManagerOption) *Manager {
	ret := &Manager{
		ChatID:     chatID,
		Tree:       NewTree(msgs),
		selections: Selections{},
	}
	for _, option := range options {
		option(ret)
	}
	ret.refresh()
	return ret
}

func (m *Manager) refresh() {
	m.visible = m.Tree.VisiblePath(m.selections)
}

// GetConversation returns the visible path.
func (m *Manager) GetConversation() Conversation {
	return m.visible
}

func (m *Manager) GetMessage(id string) (*Message, bool) {
	return m.Tree.GetMessageByID(id)
}

// Leaf returns the last message of the visible path, nil when empty.
func (m *Manager) Leaf() *Message {
	return m.visible.Last()
}

// LeafID returns the id of Leaf, or RootKey when the conversation is empty.
func (m *Manager) LeafID() string {
	if leaf := m.Leaf(); leaf != nil {
		return leaf.ID
	}
	return RootKey
}

func (m *Manager) Selections() Selections {
	return m.selections.Clone()
}

// Reload replaces the arena with a fresh read from the store while keeping
// the current branch choices. Choices that no longer resolve fall back to
// the default at their branch point.
func (m *Manager) Reload(msgs []*Message) {
	m.Tree = NewTree(msgs)
	m.refresh()
}

// AppendMessages adds newly created messages to the arena.
func (m *Manager) AppendMessages(msgs ...*Message) {
	all := make([]*Message, 0, len(m.Tree.Nodes)+len(msgs))
	for _, n := range m.Tree.Nodes {
		all = append(all, n)
	}
	all = append(all, msgs...)
	m.Tree = NewTree(all)
	m.refresh()
}

// Select records childID as the choice at parentID.
func (m *Manager) Select(parentID string, childID string) {
	m.selections[parentID] = childID
	m.refresh()
}

// SwitchTo rebuilds every selection so that the visible path runs through
// targetID. It returns false and leaves the selections untouched when the
// target does not exist.
func (m *Manager) SwitchTo(targetID string) bool {
	sel, ok := m.Tree.SelectionMap(targetID)
	if !ok {
		return false
	}
	m.selections = sel
	m.refresh()
	return true
}

// ResetSelections drops all explicit choices (most recent everywhere).
func (m *Manager) ResetSelections() {
	m.selections = m.Tree.DefaultSelections()
	m.refresh()
}

// SetContent updates the in-memory content of a message during streaming.
func (m *Manager) SetContent(id string, content string) bool {
	node, ok := m.Tree.Nodes[id]
	if !ok {
		return false
	}
	node.Content = content
	return true
}

// SetModel back-fills the model of a message.
func (m *Manager) SetModel(id string, model string) bool {
	node, ok := m.Tree.Nodes[id]
	if !ok {
		return false
	}
	node.Model = model
	return true
}

// SetMedia replaces the extracted media of a message.
func (m *Manager) SetMedia(id string, media []Media) bool {
	node, ok := m.Tree.Nodes[id]
	if !ok {
		return false
	}
	node.GeneratedMedia = media
	return true
}
