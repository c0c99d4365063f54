// Package conversation models chat history as a tree of message versions.
//
// Every edit of a user message and every regeneration of an assistant
// response becomes a new sibling under the same parent instead of replacing
// the old message, so the full history is kept. Which sibling is shown at
// each branch point is decided by a Selections map, and the single linear
// sequence the user sees is the visible path derived from the tree and the
// selections.
//
// The Manager holds that view state for one conversation. It is a cache over
// the durable store: after each completed or cancelled operation it is
// rebuilt from the stored messages with Reload.
package conversation
