package media

import (
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"golang.org/x/time/rate"
)

// DefaultInterval bounds how often a growing buffer is re-scanned.
const DefaultInterval = 250 * time.Millisecond

// Throttle limits extraction while a response is still streaming. Flush
// always extracts, so the final content is never missed.
type Throttle struct {
	limiter *rate.Limiter
	last    []conversation.Media
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Update extracts from content when the interval allows it and reports
// whether it did. Media returns the latest result either way.
func (t *Throttle) Update(content string) bool {
	if !t.limiter.Allow() {
		return false
	}
	t.last = Extract(content)
	return true
}

// Flush extracts unconditionally.
func (t *Throttle) Flush(content string) []conversation.Media {
	t.last = Extract(content)
	return t.last
}

func (t *Throttle) Media() []conversation.Media {
	return t.last
}
