package app

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/config"
	"github.com/vadiminshakov/instainr/internal/clients"
	"github.com/vadiminshakov/instainr/internal/dashboard"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/events"
	"github.com/vadiminshakov/instainr/internal/services/balances"
	"github.com/vadiminshakov/instainr/internal/services/ledger"
	"github.com/vadiminshakov/instainr/internal/services/payment"
	"github.com/vadiminshakov/instainr/internal/services/pricer"
	"github.com/vadiminshakov/instainr/internal/services/session"
	"github.com/vadiminshakov/instainr/internal/signer"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is a point-in-time view of the wallet.
type Status struct {
	Session  domain.Session
	Balances balances.State
	Prices   pricer.Snapshot
}

// Wallet is the client side: session, balances, prices, ledger and the sell
// flow, sharing one WAL store.
type Wallet struct {
	l   *zap.Logger
	cfg config.WalletConfig

	store   *kvstore.WALStore
	bridge  *signer.WSBridge
	backend *clients.API

	Sessions    *session.Holder
	Feed        *pricer.Feed
	Balances    *balances.Reconciler
	Ledger      *ledger.Ledger
	Coordinator *payment.Coordinator

	changes   *events.LedgerBroadcaster
	changeLog *dashboard.ChangeLog
	dashboard *dashboard.Server

	loopMu  sync.Mutex
	loopCtx context.Context
}

// NewWallet opens the local store and connects to the backend and the signer
// host. An unreachable host leaves the wallet usable for read-only commands.
func NewWallet(ctx context.Context, l *zap.Logger, cfg config.WalletConfig) (*Wallet, error) {
	store, err := kvstore.NewWALStore(l, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	backend, err := clients.NewAPI(cfg.BackendURL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	w := &Wallet{l: l, cfg: cfg, store: store, backend: backend}

	var s signer.Signer = signer.Offline{}
	if cfg.SignerURL != "" {
		bridge, err := signer.DialWSBridge(ctx, l, cfg.SignerURL)
		if err != nil {
			l.Warn("signer host unreachable", zap.String("url", cfg.SignerURL), zap.Error(err))
		} else {
			w.bridge = bridge
			s = bridge
		}
	}

	w.changes = events.NewLedgerBroadcaster(0)
	w.changeLog = dashboard.NewChangeLog(0)

	lg, err := ledger.New(l, store, w.changes)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.Ledger = lg

	w.Feed = pricer.NewFeed(l, backend, cfg.PriceInterval)
	w.Balances = balances.NewReconciler(l, backend, store, cfg.BalanceInterval)
	w.Sessions = session.NewHolder(l, backend, s, store, session.Options{
		PollAttempts: cfg.PollAttempts,
		PollInterval: cfg.PollInterval,
	})
	w.Coordinator = payment.NewCoordinator(l,
		payment.Config{
			CommissionPercent: cfg.CommissionPercent,
			MinGrossINR:       cfg.MinGrossINR,
			SignerTimeout:     cfg.SignerTimeout,
			ConfirmRetries:    cfg.ConfirmRetries,
			ConfirmInterval:   cfg.ConfirmInterval,
		},
		backend, s, lg, w.Balances, w.Feed, w.Sessions,
	)

	w.Sessions.OnChange(w.onSessionChange)
	if sess := w.Sessions.Session(); sess.Active() {
		w.Balances.Bind(sess.Identifier)
	}

	w.dashboard = dashboard.NewServer(cfg.DashboardAddr, l, dashboard.Sources{
		Sessions:     w.Sessions,
		Balances:     w.Balances,
		Prices:       w.Feed,
		Attempts:     w.Coordinator,
		Transactions: w.Ledger,
		Changes:      w.changeLog,
	})
	return w, nil
}

// onSessionChange binds the balance loop to the connected address and
// clears it on disconnect.
func (w *Wallet) onSessionChange(s domain.Session) {
	if !s.Active() {
		w.Balances.Stop()
		return
	}

	w.loopMu.Lock()
	loopCtx := w.loopCtx
	w.loopMu.Unlock()

	if loopCtx != nil {
		w.Balances.Start(loopCtx, s.Identifier)
		return
	}
	w.Balances.Bind(s.Identifier)
}

// Connect signs in through the host and then settles any payments that were
// left unconfirmed.
func (w *Wallet) Connect(ctx context.Context) (domain.Session, error) {
	s, err := w.Sessions.Connect(ctx)
	if err != nil {
		return s, err
	}
	if _, err := w.Coordinator.Reconcile(ctx); err != nil {
		w.l.Warn("reconcile after connect failed", zap.Error(err))
	}
	return s, nil
}

func (w *Wallet) Disconnect() {
	w.Sessions.Disconnect()
}

// Refresh fetches prices and, when connected, balances once.
func (w *Wallet) Refresh(ctx context.Context) Status {
	_ = w.Feed.Refresh(ctx)
	if w.Sessions.Session().Active() {
		_ = w.Balances.Refresh(ctx)
	}
	return w.Status()
}

func (w *Wallet) Status() Status {
	return Status{
		Session:  w.Sessions.Session(),
		Balances: w.Balances.State(),
		Prices:   w.Feed.Snapshot(),
	}
}

// Sell refreshes prices and balances and runs one sell attempt.
func (w *Wallet) Sell(ctx context.Context, req payment.SellRequest) (payment.Attempt, error) {
	w.Refresh(ctx)
	return w.Coordinator.Sell(ctx, req)
}

func (w *Wallet) Quote(ctx context.Context, req payment.SellRequest) (domain.Quote, error) {
	w.Refresh(ctx)
	return w.Coordinator.Quote(req)
}

func (w *Wallet) History(status domain.TxStatus) []domain.Transaction {
	return w.Ledger.List(ledger.Filter{Status: status})
}

func (w *Wallet) Reconcile(ctx context.Context) (int, error) {
	return w.Coordinator.Reconcile(ctx)
}

// Reject marks a Processing payout as rejected by the payout desk.
func (w *Wallet) Reject(id, reason string) error {
	return w.Ledger.Reject(id, reason)
}

// Serve runs the dashboard with live price and balance loops until ctx is
// done.
func (w *Wallet) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	w.loopMu.Lock()
	w.loopCtx = gctx
	w.loopMu.Unlock()
	defer func() {
		w.loopMu.Lock()
		w.loopCtx = nil
		w.loopMu.Unlock()
		w.Balances.Stop()
	}()

	if s := w.Sessions.Session(); s.Active() {
		w.Balances.Start(gctx, s.Identifier)
	}

	g.Go(func() error {
		if err := w.Feed.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		w.changeLog.Follow(gctx, w.changes)
		return nil
	})
	g.Go(func() error {
		return w.dashboard.Start(gctx)
	})

	return g.Wait()
}

func (w *Wallet) Close() {
	if w.Balances != nil {
		w.Balances.Stop()
	}
	if w.bridge != nil {
		if err := w.bridge.Close(); err != nil {
			w.l.Warn("failed to close signer bridge", zap.Error(err))
		}
	}
	if err := w.store.Close(); err != nil {
		w.l.Warn("failed to close wallet store", zap.Error(err))
	}
}
