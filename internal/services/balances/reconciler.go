package balances

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 30 * time.Second
	WalletKeyPrefix = "instainr:wallet:"

	displayPlaces = 6
)

var ErrNotConnected = errors.New("wallet is not connected")

// Fetcher reads the on-chain balances of an address.
type Fetcher interface {
	Balances(ctx context.Context, address string) (domain.Balances, error)
}

type cache interface {
	Get(key string, v any) error
	Put(key string, v any) error
}

// State is the balance view served to the app.
type State struct {
	Connected bool            `json:"connected"`
	Address   string          `json:"address,omitempty"`
	IsLoading bool            `json:"isLoading"`
	Err       string          `json:"error,omitempty"`
	Balances  domain.Balances `json:"balances"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
}

type cachedWallet struct {
	Identifier string          `json:"identifier"`
	Balances   domain.Balances `json:"balances"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Reconciler keeps the balance snapshot of the connected wallet fresh.
type Reconciler struct {
	l        *zap.Logger
	fetcher  Fetcher
	cache    cache
	interval time.Duration

	mu      sync.RWMutex
	state   State
	address string
	gen     uint64
	// fetching is the gen of the outstanding fetch; valid while inFlight.
	fetching uint64
	inFlight bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(l *zap.Logger, fetcher Fetcher, c cache, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		l:        l,
		fetcher:  fetcher,
		cache:    c,
		interval: interval,
		state:    State{Balances: domain.ZeroBalances()},
	}
}

// Bind sets the address without running the loop. Refresh fetches on demand.
// A running loop is stopped first.
func (r *Reconciler) Bind(address string) {
	r.Stop()

	r.mu.Lock()
	r.bind(address)
	r.mu.Unlock()
}

// bind resets the view for address. Caller holds r.mu.
func (r *Reconciler) bind(address string) {
	r.gen++
	r.address = address
	r.state = State{Connected: true, Address: address, Balances: r.restore(address)}
}

// Start binds the reconciler to address and runs the refresh loop: once
// immediately, then every interval. A running loop is stopped first.
func (r *Reconciler) Start(ctx context.Context, address string) {
	r.Stop()

	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.mu.Lock()
	r.bind(address)
	r.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(loopCtx)

	r.l.Info("balance loop started", zap.String("address", address), zap.Duration("interval", r.interval))
}

// Stop cancels the loop, waits for it to exit and clears the bound address.
// No fetch result is applied after Stop returns.
func (r *Reconciler) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.mu.Lock()
	r.gen++
	r.address = ""
	r.state = State{Balances: domain.ZeroBalances()}
	r.mu.Unlock()

	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil

	r.l.Info("balance loop stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()

	_ = r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Refresh fetches balances once. A call while another fetch for the same
// binding is outstanding returns nil without fetching.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	addr, gen := r.address, r.gen
	if addr == "" {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if r.inFlight && r.fetching == gen {
		r.mu.Unlock()
		return nil
	}
	r.inFlight, r.fetching = true, gen
	r.state.IsLoading = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.fetching == gen {
			r.inFlight = false
		}
		r.mu.Unlock()
	}()

	start := time.Now()
	balances, err := r.fetcher.Balances(ctx, addr)
	observability.RecordBalanceRefresh(time.Since(start), err)

	r.mu.Lock()
	if r.gen != gen {
		// session changed while fetching
		r.mu.Unlock()
		return nil
	}
	r.state.IsLoading = false
	if err != nil {
		r.state.Err = err.Error()
		r.mu.Unlock()
		r.l.Warn("balance refresh failed", zap.String("address", addr), zap.Error(err))
		return errors.Wrap(err, "failed to refresh balances")
	}
	r.state.Balances = normalize(balances)
	r.state.Err = ""
	r.state.UpdatedAt = time.Now().UTC()
	snapshot := cachedWallet{Identifier: addr, Balances: r.state.Balances.Clone(), UpdatedAt: r.state.UpdatedAt}
	r.mu.Unlock()

	r.persist(snapshot)
	r.l.Debug("balances refreshed", zap.String("address", addr))
	return nil
}

// Deduct optimistically lowers the balance of a after a sell. The result is
// clamped at zero and rounded to 6 places; the next refresh overwrites it.
func (r *Reconciler) Deduct(a domain.Asset, amount decimal.Decimal) {
	r.mu.Lock()
	if r.address == "" {
		r.mu.Unlock()
		return
	}
	next := r.state.Balances.Get(a).Sub(amount)
	if next.IsNegative() {
		next = decimal.Zero
	}
	r.state.Balances[a] = next.Round(displayPlaces)
	snapshot := cachedWallet{Identifier: r.address, Balances: r.state.Balances.Clone(), UpdatedAt: r.state.UpdatedAt}
	r.mu.Unlock()

	r.persist(snapshot)
}

// State returns a copy of the current view.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.state
	s.Balances = r.state.Balances.Clone()
	return s
}

// Available returns the current balance of a.
func (r *Reconciler) Available(a domain.Asset) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Balances.Get(a)
}

// restore loads cached balances for address. Caller holds r.mu.
func (r *Reconciler) restore(address string) domain.Balances {
	if r.cache == nil {
		return domain.ZeroBalances()
	}
	var cached cachedWallet
	if err := r.cache.Get(WalletKeyPrefix+address, &cached); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			r.l.Warn("failed to read wallet cache", zap.Error(err))
		}
		return domain.ZeroBalances()
	}
	if cached.Identifier != address {
		return domain.ZeroBalances()
	}
	return normalize(cached.Balances)
}

func (r *Reconciler) persist(w cachedWallet) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(WalletKeyPrefix+w.Identifier, w); err != nil {
		r.l.Warn("failed to persist wallet cache", zap.Error(err))
	}
}

func normalize(b domain.Balances) domain.Balances {
	out := domain.ZeroBalances()
	for _, a := range domain.Assets {
		v := b.Get(a)
		if v.IsNegative() {
			v = decimal.Zero
		}
		out[a] = v
	}
	return out
}
