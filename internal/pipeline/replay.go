package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/banking/txmonitor/internal/domain"
)

// replayCache remembers recent evaluations by transaction id so a replayed
// transaction gets its original answer back. Least recently used entries
// are evicted once capacity is reached. A nil cache is disabled.
type replayCache struct {
	entries *lru.Cache[string, domain.Evaluation]
}

func newReplayCache(capacity int) *replayCache {
	if capacity <= 0 {
		return nil
	}
	entries, err := lru.New[string, domain.Evaluation](capacity)
	if err != nil {
		return nil
	}
	return &replayCache{entries: entries}
}

func (c *replayCache) get(txID string) (domain.Evaluation, bool) {
	if c == nil {
		return domain.Evaluation{}, false
	}
	return c.entries.Get(txID)
}

func (c *replayCache) put(eval domain.Evaluation) {
	if c == nil {
		return
	}
	c.entries.Add(eval.TransactionID, eval)
}

func (c *replayCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
