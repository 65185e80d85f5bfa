package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/instainr/internal/domain"
)

func TestLedgerBroadcaster(t *testing.T) {
	b := NewLedgerBroadcaster(1)
	ch := b.Subscribe()

	b.Publish(LedgerChange{Kind: ChangeAdded, Transaction: domain.Transaction{ID: "IINR000001"}})
	// buffer is full, second change is dropped
	b.Publish(LedgerChange{Kind: ChangeStatus, Transaction: domain.Transaction{ID: "IINR000001"}})

	got := <-ch
	assert.Equal(t, ChangeAdded, got.Kind)

	b.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)

	// double unsubscribe is a no-op
	b.Unsubscribe(ch)
}
