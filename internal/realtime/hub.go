// Package realtime fans charge status updates out to interested clients.
// Publishing never blocks on a slow subscriber and never depends on one
// being present.
package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StatusUpdate is pushed to subscribers of one out_trade_no.
type StatusUpdate struct {
	OutTradeNo string    `json:"out_trade_no"`
	Status     string    `json:"status"`
	Paid       bool      `json:"paid"`
	Final      bool      `json:"final"`
	At         time.Time `json:"at"`
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan StatusUpdate
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{subs: make(map[string]map[string]chan StatusUpdate), buffer: buffer}
}

// Subscribe registers interest in outTradeNo. The returned func removes the
// subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(outTradeNo string) (<-chan StatusUpdate, func()) {
	id := uuid.NewString()
	ch := make(chan StatusUpdate, h.buffer)

	h.mu.Lock()
	if h.subs[outTradeNo] == nil {
		h.subs[outTradeNo] = make(map[string]chan StatusUpdate)
	}
	h.subs[outTradeNo][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[outTradeNo]; ok {
				if c, ok := set[id]; ok {
					delete(set, id)
					close(c)
				}
				if len(set) == 0 {
					delete(h.subs, outTradeNo)
				}
			}
		})
	}
}

// Publish delivers u to current subscribers. A subscriber whose buffer is
// full misses the update.
func (h *Hub) Publish(u StatusUpdate) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[u.OutTradeNo] {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *Hub) Subscribers(outTradeNo string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[outTradeNo])
}
