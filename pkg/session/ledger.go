package session

import "sync"

// Ledger holds the latest streamed content per message id. It is only read
// back when a generation is stopped and its partial content saved.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewLedger() *Ledger {
	return &Ledger{entries: map[string]string{}}
}

func (l *Ledger) Set(messageID string, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[messageID] = content
}

func (l *Ledger) Get(messageID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret, ok := l.entries[messageID]
	return ret, ok
}

func (l *Ledger) Delete(messageIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range messageIDs {
		delete(l.entries, id)
	}
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
