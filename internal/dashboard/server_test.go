package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/events"
	"github.com/vadiminshakov/instainr/internal/services/ledger"
	"github.com/vadiminshakov/instainr/internal/services/payment"
	"github.com/vadiminshakov/instainr/internal/services/pricer"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"go.uber.org/zap"
)

type fixedSession struct{ s domain.Session }

func (f fixedSession) Session() domain.Session { return f.s }

type fixedPrices struct{ snap pricer.Snapshot }

func (f fixedPrices) Snapshot() pricer.Snapshot { return f.snap }

type fixedAttempt struct{ a payment.Attempt }

func (f fixedAttempt) Current() payment.Attempt { return f.a }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	st, err := kvstore.NewWALStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lg, err := ledger.New(zap.NewNop(), st, nil)
	require.NoError(t, err)
	return lg
}

func addTx(t *testing.T, lg *ledger.Ledger, status domain.TxStatus) domain.Transaction {
	t.Helper()
	id, err := lg.NextID()
	require.NoError(t, err)
	q := domain.NewQuote(domain.AssetWLD, decimal.NewFromInt(2), decimal.NewFromInt(350), domain.DefaultCommissionPercent)
	tx := domain.NewTransaction(id, q, "UPI • a@bank", time.Now())
	tx.Status = status
	require.NoError(t, lg.Add(tx))
	return tx
}

func TestServer_State(t *testing.T) {
	srv := NewServer(":0", zap.NewNop(), Sources{
		Sessions: fixedSession{domain.Session{Connected: true, DisplayName: "asha", Identifier: "0xabc"}},
		Prices:   fixedPrices{pricer.Snapshot{Prices: domain.Prices{domain.AssetWLD: decimal.NewFromInt(350)}}},
		Attempts: fixedAttempt{payment.Attempt{State: payment.StateVerifying, Reference: "instainr_1_x"}},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Session  domain.Session  `json:"session"`
		Balances json.RawMessage `json:"balances"`
		Prices   struct {
			Prices map[string]float64 `json:"prices"`
		} `json:"prices"`
		Attempt payment.Attempt `json:"attempt"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "asha", body.Session.DisplayName)
	assert.Nil(t, body.Balances)
	assert.Equal(t, float64(350), body.Prices.Prices["WLD"])
	assert.Equal(t, payment.StateVerifying, body.Attempt.State)
}

func TestServer_TransactionsFilter(t *testing.T) {
	lg := newLedger(t)
	addTx(t, lg, domain.TxProcessing)
	done := addTx(t, lg, domain.TxCompleted)

	ts := httptest.NewServer(NewServer(":0", zap.NewNop(), Sources{Transactions: lg}).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/transactions?status=Completed")
	require.NoError(t, err)
	defer resp.Body.Close()

	var txs []domain.Transaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&txs))
	require.Len(t, txs, 1)
	assert.Equal(t, done.ID, txs[0].ID)

	bad, err := http.Get(ts.URL + "/transactions?status=Lost")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServer_TransactionStream(t *testing.T) {
	lg := newLedger(t)
	tx := addTx(t, lg, domain.TxProcessing)
	changes := NewChangeLog(0)

	ts := httptest.NewServer(NewServer(":0", zap.NewNop(), Sources{Transactions: lg, Changes: changes}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/transactions/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	snap := readEvent(t, r)
	assert.Equal(t, "snapshot", snap.event)
	assert.Equal(t, "0", snap.id)
	assert.Contains(t, snap.data, tx.ID)

	tx.Status = domain.TxCompleted
	changes.Append(events.LedgerChange{Kind: events.ChangeStatus, Transaction: tx})

	ev := readEvent(t, r)
	assert.Equal(t, "transaction", ev.event)
	assert.Equal(t, "1", ev.id)

	var change events.LedgerChange
	require.NoError(t, json.Unmarshal([]byte(ev.data), &change))
	assert.Equal(t, domain.TxCompleted, change.Transaction.Status)
}

func TestServer_TransactionStreamResumes(t *testing.T) {
	lg := newLedger(t)
	changes := NewChangeLog(0)
	for i := 0; i < 3; i++ {
		changes.Append(events.LedgerChange{Kind: events.ChangeAdded, Transaction: domain.Transaction{ID: domain.FormatTransactionID(uint64(i + 1))}})
	}

	ts := httptest.NewServer(NewServer(":0", zap.NewNop(), Sources{Transactions: lg, Changes: changes}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/transactions/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	ev := readEvent(t, bufio.NewReader(resp.Body))
	assert.Equal(t, "transaction", ev.event)
	assert.Equal(t, "3", ev.id)
	assert.Contains(t, ev.data, "IINR000003")
}

func TestServer_EmptyLedgerSendsNoData(t *testing.T) {
	ts := httptest.NewServer(NewServer(":0", zap.NewNop(), Sources{Transactions: newLedger(t)}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/transactions/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "no_data", readEvent(t, bufio.NewReader(resp.Body)).event)
}

func TestServer_ServesIndex(t *testing.T) {
	ts := httptest.NewServer(NewServer(":0", zap.NewNop(), Sources{}).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestChangeLog_FollowAndTrim(t *testing.T) {
	b := events.NewLedgerBroadcaster(8)
	log := NewChangeLog(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go log.Follow(ctx, b)

	require.Eventually(t, func() bool {
		b.Publish(events.LedgerChange{Kind: events.ChangeAdded})
		return log.LastIndex() > 0
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		log.Append(events.LedgerChange{Kind: events.ChangeStatus})
	}
	recs, ok := log.ChangesAfter(log.LastIndex() - 2)
	require.True(t, ok)
	require.Len(t, recs, 2)
	assert.Equal(t, log.LastIndex(), recs[1].Index)

	recs, ok = log.ChangesAfter(log.LastIndex())
	assert.True(t, ok)
	assert.Empty(t, recs)
}

func TestChangeLog_ChangesAfterGap(t *testing.T) {
	log := NewChangeLog(2)
	for i := 0; i < 5; i++ {
		log.Append(events.LedgerChange{Kind: events.ChangeStatus})
	}

	// 2 and 3 were trimmed
	recs, ok := log.ChangesAfter(1)
	assert.False(t, ok)
	assert.Empty(t, recs)

	recs, ok = log.ChangesAfter(3)
	require.True(t, ok)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(4), recs[0].Index)

	// ids from an earlier process run past the newest record
	_, ok = log.ChangesAfter(42)
	assert.False(t, ok)

	_, ok = NewChangeLog(0).ChangesAfter(0)
	assert.True(t, ok)
}

func streamFrom(t *testing.T, ctx context.Context, url, lastEventID string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/transactions/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", lastEventID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return bufio.NewReader(resp.Body)
}

func TestServer_TransactionStreamResyncsOnGap(t *testing.T) {
	lg := newLedger(t)
	tx := addTx(t, lg, domain.TxProcessing)
	changes := NewChangeLog(2)
	for i := 0; i < 5; i++ {
		changes.Append(events.LedgerChange{Kind: events.ChangeStatus, Transaction: tx})
	}

	ts := httptest.NewServer(NewServer(":0", zap.NewNop(), Sources{Transactions: lg, Changes: changes}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, lastID := range []string{"1", "42"} {
		want := strconv.FormatUint(changes.LastIndex(), 10)
		r := streamFrom(t, ctx, ts.URL, lastID)
		ev := readEvent(t, r)
		assert.Equal(t, "snapshot", ev.event, "last id %s", lastID)
		assert.Equal(t, want, ev.id, "last id %s", lastID)
		assert.Contains(t, ev.data, tx.ID)

		changes.Append(events.LedgerChange{Kind: events.ChangeStatus, Transaction: tx})
		next := readEvent(t, r)
		assert.Equal(t, "transaction", next.event)
		assert.Equal(t, strconv.FormatUint(changes.LastIndex(), 10), next.id)
	}
}
