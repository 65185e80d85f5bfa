package events

import (
	"sync"
	"time"

	"github.com/vadiminshakov/instainr/internal/domain"
)

// LedgerChange is emitted after every persisted ledger mutation.
type LedgerChange struct {
	Timestamp   time.Time          `json:"ts"`
	Kind        string             `json:"kind"`
	Transaction domain.Transaction `json:"transaction"`
}

const (
	ChangeAdded  = "added"
	ChangeStatus = "status"
)

// LedgerBroadcaster fans out ledger changes to all subscribers via buffered channels.
type LedgerBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan LedgerChange]struct{}
	buffer int
}

// NewLedgerBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewLedgerBroadcaster(buffer int) *LedgerBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &LedgerBroadcaster{
		subs:   make(map[chan LedgerChange]struct{}),
		buffer: buffer,
	}
}

// Publish sends the change to all subscribers, dropping if a reader is slow.
func (b *LedgerBroadcaster) Publish(c LedgerChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- c:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives changes until Unsubscribe is called.
func (b *LedgerBroadcaster) Subscribe() chan LedgerChange {
	ch := make(chan LedgerChange, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *LedgerBroadcaster) Unsubscribe(ch chan LedgerChange) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
