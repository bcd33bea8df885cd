package notify

import (
	"sync"

	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
)

// history keeps the last N notifications per topic. Readers always get a
// defensive copy.
type history struct {
	mu     sync.RWMutex
	maxLen int
	topics map[string][]*protocol.Notification
}

func newHistory(maxLen int) *history {
	return &history{maxLen: maxLen, topics: make(map[string][]*protocol.Notification)}
}

func (h *history) record(n *protocol.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.topics[n.Topic], n)
	if len(entries) > h.maxLen {
		entries = entries[len(entries)-h.maxLen:]
	}
	h.topics[n.Topic] = entries
}

func (h *history) snapshot(topic string) []*protocol.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.topics[topic]
	out := make([]*protocol.Notification, len(entries))
	copy(out, entries)
	return out
}
