package dashboard

import (
	"context"
	"sync"

	"github.com/vadiminshakov/instainr/internal/events"
)

const defaultChangeLogSize = 512

// ChangeRecord is a ledger change with its position in the stream.
type ChangeRecord struct {
	Index  uint64
	Change events.LedgerChange
}

type changeSource interface {
	Subscribe() chan events.LedgerChange
	Unsubscribe(ch chan events.LedgerChange)
}

// ChangeLog numbers ledger changes so SSE clients can resume with
// Last-Event-ID. Only the most recent changes are kept.
type ChangeLog struct {
	mu      sync.RWMutex
	records []ChangeRecord
	next    uint64
	size    int
}

func NewChangeLog(size int) *ChangeLog {
	if size <= 0 {
		size = defaultChangeLogSize
	}
	return &ChangeLog{next: 1, size: size}
}

// Follow appends every change from src until ctx is done.
func (c *ChangeLog) Follow(ctx context.Context, src changeSource) {
	ch := src.Subscribe()
	defer src.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			c.Append(change)
		}
	}
}

func (c *ChangeLog) Append(change events.LedgerChange) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := ChangeRecord{Index: c.next, Change: change}
	c.next++
	c.records = append(c.records, rec)
	if len(c.records) > c.size {
		c.records = append([]ChangeRecord(nil), c.records[len(c.records)-c.size:]...)
	}
	return rec.Index
}

// ChangesAfter returns records with an index greater than index, oldest
// first. ok is false when the log cannot continue from index: records after
// it were trimmed, or index is past the newest record (issued by an earlier
// process). The caller must resync from a snapshot then.
func (c *ChangeLog) ChangesAfter(index uint64) (recs []ChangeRecord, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if index > c.next-1 {
		return nil, false
	}
	if len(c.records) > 0 && index+1 < c.records[0].Index {
		return nil, false
	}
	for i, rec := range c.records {
		if rec.Index > index {
			return append([]ChangeRecord(nil), c.records[i:]...), true
		}
	}
	return nil, true
}

// LastIndex is the index of the newest record, 0 when empty.
func (c *ChangeLog) LastIndex() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.next - 1
}
