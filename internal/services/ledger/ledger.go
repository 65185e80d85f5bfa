package ledger

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/events"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"go.uber.org/zap"
)

const (
	TransactionsKey = "instainr:txs"
	CounterKey      = "instainr:tx_counter"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicate         = errors.New("transaction already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type store interface {
	Get(key string, v any) error
	Put(key string, v any) error
}

type publisher interface {
	Publish(events.LedgerChange)
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Status domain.TxStatus
	// Unconfirmed keeps only Processing records that carry a transaction id.
	Unconfirmed bool
}

func (f Filter) match(tx domain.Transaction) bool {
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Unconfirmed && (tx.Status != domain.TxProcessing || tx.TransactionID == "") {
		return false
	}
	return true
}

// Ledger is the local, most-recent-first list of payout records.
// Every mutation is persisted before it becomes visible.
type Ledger struct {
	l     *zap.Logger
	store store
	pub   publisher

	mu      sync.Mutex
	txs     []domain.Transaction
	counter uint64
}

// New loads the persisted ledger. Missing keys start an empty ledger.
func New(l *zap.Logger, st store, pub publisher) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger store is required")
	}
	if l == nil {
		l = zap.NewNop()
	}

	var txs []domain.Transaction
	if err := st.Get(TransactionsKey, &txs); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, errors.Wrap(err, "failed to load transactions")
	}

	var counter uint64
	if err := st.Get(CounterKey, &counter); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, errors.Wrap(err, "failed to load transaction counter")
	}

	// never hand out an id that is already in the list
	for _, tx := range txs {
		if seq, ok := parseSeq(tx.ID); ok && seq > counter {
			counter = seq
		}
	}

	l.Info("ledger loaded", zap.Int("transactions", len(txs)), zap.Uint64("counter", counter))

	return &Ledger{l: l, store: st, pub: pub, txs: txs, counter: counter}, nil
}

// NextID persists the incremented counter and returns the formatted id.
func (lg *Ledger) NextID() (string, error) {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	next := lg.counter + 1
	if err := lg.store.Put(CounterKey, next); err != nil {
		return "", errors.Wrap(err, "failed to persist transaction counter")
	}
	lg.counter = next
	return domain.FormatTransactionID(next), nil
}

// Add prepends tx and persists the list.
func (lg *Ledger) Add(tx domain.Transaction) error {
	if tx.ID == "" {
		return errors.Wrap(domain.ErrValidation, "transaction id is required")
	}
	if !tx.Status.Valid() {
		return errors.Wrapf(domain.ErrValidation, "unknown status %q", tx.Status)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	lg.mu.Lock()
	if lg.indexOf(tx.ID) >= 0 {
		lg.mu.Unlock()
		return errors.Wrapf(ErrDuplicate, "id %s", tx.ID)
	}

	next := make([]domain.Transaction, 0, len(lg.txs)+1)
	next = append(next, tx)
	next = append(next, lg.txs...)
	if err := lg.persist(next); err != nil {
		lg.mu.Unlock()
		return err
	}
	lg.txs = next
	lg.mu.Unlock()

	lg.l.Info("transaction added",
		zap.String("id", tx.ID),
		zap.String("token", tx.Token.String()),
		zap.String("amount", tx.AmountToken.String()),
		zap.Int64("inr_net", tx.INRNet),
	)
	lg.publish(events.ChangeAdded, tx)
	return nil
}

// SetStatus replaces the status of id. Any status other than Rejected clears
// the reject reason; Rejected with an empty reason keeps the existing one.
func (lg *Ledger) SetStatus(id string, status domain.TxStatus, reason string) error {
	if !status.Valid() {
		return errors.Wrapf(domain.ErrValidation, "unknown status %q", status)
	}
	return lg.update(id, func(tx *domain.Transaction) error {
		tx.Status = status
		switch {
		case status != domain.TxRejected:
			tx.RejectReason = ""
		case reason != "":
			tx.RejectReason = reason
		}
		return nil
	})
}

// Complete moves a Processing record to Completed and records the explorer link.
func (lg *Ledger) Complete(id, explorerURL string) error {
	return lg.update(id, func(tx *domain.Transaction) error {
		if tx.Status != domain.TxProcessing {
			return errors.Wrapf(ErrInvalidTransition, "%s is %s", id, tx.Status)
		}
		tx.Status = domain.TxCompleted
		tx.ExplorerURL = explorerURL
		tx.RejectReason = ""
		return nil
	})
}

// Reject moves a Processing record to Rejected. A reason is required.
func (lg *Ledger) Reject(id, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errors.Wrap(domain.ErrValidation, "reject reason is required")
	}
	return lg.update(id, func(tx *domain.Transaction) error {
		if tx.Status != domain.TxProcessing {
			return errors.Wrapf(ErrInvalidTransition, "%s is %s", id, tx.Status)
		}
		tx.Status = domain.TxRejected
		tx.RejectReason = reason
		return nil
	})
}

// Get returns a copy of the record with the given id.
func (lg *Ledger) Get(id string) (domain.Transaction, error) {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	i := lg.indexOf(id)
	if i < 0 {
		return domain.Transaction{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return lg.txs[i], nil
}

// List returns matching records, most recent first.
func (lg *Ledger) List(f Filter) []domain.Transaction {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	out := make([]domain.Transaction, 0, len(lg.txs))
	for _, tx := range lg.txs {
		if f.match(tx) {
			out = append(out, tx)
		}
	}
	return out
}

func (lg *Ledger) update(id string, mutate func(tx *domain.Transaction) error) error {
	lg.mu.Lock()
	i := lg.indexOf(id)
	if i < 0 {
		lg.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}

	next := make([]domain.Transaction, len(lg.txs))
	copy(next, lg.txs)
	if err := mutate(&next[i]); err != nil {
		lg.mu.Unlock()
		return err
	}
	if err := lg.persist(next); err != nil {
		lg.mu.Unlock()
		return err
	}
	lg.txs = next
	updated := next[i]
	lg.mu.Unlock()

	lg.l.Info("transaction status changed",
		zap.String("id", id),
		zap.String("status", string(updated.Status)),
		zap.String("reason", updated.RejectReason),
	)
	lg.publish(events.ChangeStatus, updated)
	return nil
}

func (lg *Ledger) persist(txs []domain.Transaction) error {
	if err := lg.store.Put(TransactionsKey, txs); err != nil {
		return errors.Wrap(err, "failed to persist transactions")
	}
	return nil
}

func (lg *Ledger) publish(kind string, tx domain.Transaction) {
	if lg.pub == nil {
		return
	}
	lg.pub.Publish(events.LedgerChange{Timestamp: time.Now().UTC(), Kind: kind, Transaction: tx})
}

// indexOf returns the position of id or -1. Caller holds lg.mu.
func (lg *Ledger) indexOf(id string) int {
	for i := range lg.txs {
		if lg.txs[i].ID == id {
			return i
		}
	}
	return -1
}

func parseSeq(id string) (uint64, bool) {
	if !strings.HasPrefix(id, domain.TransactionIDPrefix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(id, domain.TransactionIDPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
