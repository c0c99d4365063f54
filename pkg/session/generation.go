package session

import (
	"context"
	"sync"

	"github.com/go-go-golems/arbor/pkg/stream"
)

// Outcome is how a generation ended.
type Outcome struct {
	State  State
	Err    error
	Result *stream.Result
}

// Generation is one in-flight send, edit or regenerate. It is cancelable
// through the session and waitable.
type Generation struct {
	ChatID              string
	UserMessageID       string
	AssistantMessageIDs []string

	done     chan struct{}
	stopDone chan struct{}

	// held by writes to placeholders made while streaming
	persist sync.Mutex

	mu         sync.Mutex
	cancel     context.CancelFunc
	outcome    Outcome
	stopped    bool
	finalizing bool
}

func newGeneration(chatID string, userMessageID string, assistantIDs []string, cancel context.CancelFunc) *Generation {
	return &Generation{
		ChatID:              chatID,
		UserMessageID:       userMessageID,
		AssistantMessageIDs: assistantIDs,
		done:                make(chan struct{}),
		stopDone:            make(chan struct{}),
		cancel:              cancel,
	}
}

// Done is closed once the outcome is known and the visible path has been
// rebuilt from the store.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the generation has ended.
func (g *Generation) Wait() Outcome {
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

func (g *Generation) IsRunning() bool {
	select {
	case <-g.done:
		return false
	default:
		return true
	}
}

func (g *Generation) setOutcome(o Outcome) {
	g.mu.Lock()
	g.outcome = o
	g.cancel = nil
	g.mu.Unlock()
	close(g.done)
}

func (g *Generation) abort() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// claimStop reports whether the caller is the one stop allowed to save
// partial content. It fails once finalization has started.
func (g *Generation) claimStop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.finalizing {
		return false
	}
	g.stopped = true
	return true
}

func (g *Generation) claimFinalize() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.finalizing = true
	return true
}

func (g *Generation) wasStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// beginPersist admits a placeholder write unless the generation has been
// stopped. A stop waits for an admitted write before saving partial content.
func (g *Generation) beginPersist() (func(), bool) {
	g.persist.Lock()
	if g.wasStopped() {
		g.persist.Unlock()
		return nil, false
	}
	return g.persist.Unlock, true
}

// awaitPersist blocks until no placeholder write is in flight.
func (g *Generation) awaitPersist() {
	g.persist.Lock()
	defer g.persist.Unlock()
}
