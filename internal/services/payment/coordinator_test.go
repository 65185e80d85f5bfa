package payment

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/clients"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/services/ledger"
	"github.com/vadiminshakov/instainr/internal/signer"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"go.uber.org/zap"
)

const explorer = "https://worldscan.org/tx/0xhash"

type fakeBackend struct {
	mu           sync.Mutex
	initiated    []api.InitiatePayRequest
	confirmCalls atomic.Int32
	confirm      func(n int32) (api.ConfirmPaymentResponse, error)
}

func (b *fakeBackend) InitiatePay(_ context.Context, req api.InitiatePayRequest) (api.InitiatePayResponse, error) {
	b.mu.Lock()
	b.initiated = append(b.initiated, req)
	b.mu.Unlock()
	return api.InitiatePayResponse{
		ReferenceID: "instainr_1_abcdef0123456789",
		To:          "0x06A4A1eA929074790E4E4bE3d8be70d4E4738CC6",
		Tokens:      []api.TokenAmount{{Symbol: req.Token, TokenAmount: "2000000000000000000"}},
	}, nil
}

func (b *fakeBackend) ConfirmPayment(_ context.Context, p api.PaymentPayload) (api.ConfirmPaymentResponse, error) {
	n := b.confirmCalls.Add(1)
	if b.confirm != nil {
		return b.confirm(n)
	}
	return api.ConfirmPaymentResponse{Success: true, TransactionID: p.TransactionID, Reference: p.Reference, Status: "mined", ExplorerURL: explorer}, nil
}

// fakeSigner answers every pay command with reply, unless reply is nil.
type fakeSigner struct {
	mu    sync.Mutex
	subs  []func(api.PaymentPayload)
	reply func(cmd signer.PayCommand) *api.PaymentPayload
	paid  chan signer.PayCommand
}

func (s *fakeSigner) Available(context.Context) bool { return true }
func (s *fakeSigner) User() signer.HostUser           { return signer.HostUser{} }
func (s *fakeSigner) WalletAuth(context.Context, signer.WalletAuthRequest) (api.WalletAuthPayload, error) {
	return api.WalletAuthPayload{}, nil
}

func (s *fakeSigner) Pay(_ context.Context, cmd signer.PayCommand) error {
	if s.paid != nil {
		s.paid <- cmd
	}
	if s.reply == nil {
		return nil
	}
	p := s.reply(cmd)
	if p == nil {
		return nil
	}
	go func() {
		s.mu.Lock()
		subs := append([]func(api.PaymentPayload){}, s.subs...)
		s.mu.Unlock()
		for _, fn := range subs {
			fn(*p)
		}
	}()
	return nil
}

func (s *fakeSigner) SubscribePayments(fn func(api.PaymentPayload)) func() {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.subs = nil
		s.mu.Unlock()
	}
}

func approve(cmd signer.PayCommand) *api.PaymentPayload {
	return &api.PaymentPayload{Status: api.StatusSuccess, TransactionID: "tx-1", Reference: cmd.Reference}
}

type fakeWallet struct {
	mu       sync.Mutex
	balances domain.Balances
}

func (w *fakeWallet) Available(a domain.Asset) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances.Get(a)
}

func (w *fakeWallet) Deduct(a domain.Asset, amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[a] = w.balances.Get(a).Sub(amount)
}

type fixedPrices domain.Prices

func (p fixedPrices) Price(a domain.Asset) (decimal.Decimal, error) {
	return domain.Prices(p).Get(a), nil
}

type fixedSession domain.Session

func (s fixedSession) Session() domain.Session { return domain.Session(s) }

type harness struct {
	c       *Coordinator
	backend *fakeBackend
	signer  *fakeSigner
	ledger  *ledger.Ledger
	wallet  *fakeWallet
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	st, err := kvstore.NewWALStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	lg, err := ledger.New(zap.NewNop(), st, nil)
	require.NoError(t, err)

	h := &harness{
		backend: &fakeBackend{},
		signer:  &fakeSigner{reply: approve},
		ledger:  lg,
		wallet:  &fakeWallet{balances: domain.Balances{domain.AssetWLD: decimal.NewFromInt(10), domain.AssetUSDCE: decimal.NewFromInt(100)}},
	}
	if cfg.ConfirmInterval == 0 {
		cfg.ConfirmInterval = time.Millisecond
	}
	if cfg.ConfirmRetries == 0 {
		cfg.ConfirmRetries = 2
	}
	h.c = NewCoordinator(zap.NewNop(), cfg, h.backend, h.signer, lg, h.wallet,
		fixedPrices{domain.AssetWLD: decimal.NewFromInt(350), domain.AssetUSDCE: decimal.NewFromInt(84)},
		fixedSession{Connected: true, Identifier: "0xabc"},
	)
	return h
}

func sellWLD(amount string) SellRequest {
	return SellRequest{
		Token:   domain.AssetWLD,
		Amount:  amount,
		Method:  domain.PayoutMethod{Type: domain.PayoutUPI, UPIID: "asha@okhdfc"},
		Aadhaar: "1234 5678 9012",
	}
}

func TestCoordinator_SellSettles(t *testing.T) {
	h := newHarness(t, Config{})

	att, err := h.c.Sell(context.Background(), sellWLD("2"))
	require.NoError(t, err)
	assert.Equal(t, StateSettled, att.State)
	assert.Equal(t, explorer, att.ExplorerURL)
	assert.Equal(t, int64(700), att.Quote.INRGross)
	assert.Equal(t, int64(70), att.Quote.CommissionINR)
	assert.Equal(t, int64(630), att.Quote.INRNet)

	require.Len(t, h.backend.initiated, 1)
	assert.Equal(t, "WLD", h.backend.initiated[0].Token)
	assert.Equal(t, "UPI • asha@okhdfc", h.backend.initiated[0].MethodSummary)

	tx, err := h.ledger.Get(att.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, tx.Status)
	assert.Equal(t, explorer, tx.ExplorerURL)
	assert.Equal(t, "tx-1", tx.TransactionID)
	assert.Equal(t, "IINR000001", tx.ID)

	assert.Equal(t, "8", h.wallet.Available(domain.AssetWLD).String())
	assert.Equal(t, StateSettled, h.c.Current().State)
}

func TestCoordinator_SignerDescription(t *testing.T) {
	h := newHarness(t, Config{})
	h.signer.paid = make(chan signer.PayCommand, 1)

	_, err := h.c.Sell(context.Background(), sellWLD("2"))
	require.NoError(t, err)

	cmd := <-h.signer.paid
	assert.Equal(t, "Sell 2 WLD for INR", cmd.Description)
	assert.Equal(t, "instainr_1_abcdef0123456789", cmd.Reference)
}

func TestCoordinator_Validation(t *testing.T) {
	h := newHarness(t, Config{})

	tests := []struct {
		name string
		req  SellRequest
	}{
		{name: "eth not payable", req: SellRequest{Token: domain.AssetETH, Amount: "1", Method: sellWLD("1").Method, Aadhaar: "1234 5678 9012"}},
		{name: "below minimum", req: sellWLD("1")},
		{name: "over balance", req: sellWLD("11")},
		{name: "not a number", req: sellWLD("two")},
		{name: "zero", req: sellWLD("0")},
		{name: "bad aadhaar", req: SellRequest{Token: domain.AssetWLD, Amount: "2", Method: sellWLD("2").Method, Aadhaar: "123456789012"}},
		{name: "bad method", req: SellRequest{Token: domain.AssetWLD, Amount: "2", Method: domain.PayoutMethod{Type: domain.PayoutGPay, Phone: "12345"}, Aadhaar: "1234 5678 9012"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att, err := h.c.Sell(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err), err.Error())
			assert.Equal(t, StateFailed, att.State)
		})
	}
	assert.Empty(t, h.backend.initiated)
	assert.Empty(t, h.ledger.List(ledger.Filter{}))
}

func TestCoordinator_NotConnected(t *testing.T) {
	h := newHarness(t, Config{})
	h.c.sessions = fixedSession{Connected: true}

	_, err := h.c.Sell(context.Background(), sellWLD("2"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCoordinator_SignerRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.signer.reply = func(signer.PayCommand) *api.PaymentPayload {
		return &api.PaymentPayload{Status: api.StatusError, ErrorCode: "user_rejected"}
	}

	_, err := h.c.Sell(context.Background(), sellWLD("2"))
	require.ErrorIs(t, err, ErrSignerRejected)
	assert.Empty(t, h.ledger.List(ledger.Filter{}))
	assert.Equal(t, int32(0), h.backend.confirmCalls.Load())
	assert.Equal(t, "10", h.wallet.Available(domain.AssetWLD).String())
}

func TestCoordinator_SignerTimeout(t *testing.T) {
	h := newHarness(t, Config{SignerTimeout: 10 * time.Millisecond})
	h.signer.reply = func(signer.PayCommand) *api.PaymentPayload { return nil }

	_, err := h.c.Sell(context.Background(), sellWLD("2"))
	require.ErrorIs(t, err, ErrSignerTimeout)
	assert.Empty(t, h.ledger.List(ledger.Filter{}))
}

func TestCoordinator_CancelWhileAwaitingSignature(t *testing.T) {
	h := newHarness(t, Config{})
	h.signer.reply = func(signer.PayCommand) *api.PaymentPayload { return nil }
	h.signer.paid = make(chan signer.PayCommand, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.c.Sell(ctx, sellWLD("2"))
		done <- err
	}()

	<-h.signer.paid
	assert.Equal(t, StateAwaitingSignature, h.c.Current().State)

	_, err := h.c.Sell(context.Background(), sellWLD("2"))
	assert.ErrorIs(t, err, ErrAttemptInProgress)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCoordinator_PendingThenReconcile(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.confirm = func(int32) (api.ConfirmPaymentResponse, error) {
		return api.ConfirmPaymentResponse{Success: false, Status: "pending", Error: "Payment not yet confirmed"}, nil
	}

	att, err := h.c.Sell(context.Background(), sellWLD("2"))
	require.ErrorIs(t, err, ErrSettlementPending)
	// one attempt plus two retries
	assert.Equal(t, int32(3), h.backend.confirmCalls.Load())

	tx, err := h.ledger.Get(att.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxProcessing, tx.Status)
	assert.Empty(t, tx.ExplorerURL)
	assert.Equal(t, "10", h.wallet.Available(domain.AssetWLD).String())

	n, err := h.c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.backend.confirm = nil
	n, err = h.c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx, err = h.ledger.Get(att.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, tx.Status)
	assert.Equal(t, explorer, tx.ExplorerURL)
}

func TestCoordinator_UnknownReferenceIsNotRetried(t *testing.T) {
	h := newHarness(t, Config{ConfirmRetries: 4})
	h.backend.confirm = func(int32) (api.ConfirmPaymentResponse, error) {
		return api.ConfirmPaymentResponse{}, &clients.APIError{StatusCode: http.StatusNotFound, Message: "reservation not found"}
	}

	att, err := h.c.Sell(context.Background(), sellWLD("2"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSettlementPending)
	assert.Equal(t, int32(1), h.backend.confirmCalls.Load())

	tx, err := h.ledger.Get(att.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxProcessing, tx.Status)
}

func TestAwaiter_ResolvesOnce(t *testing.T) {
	a := newAwaiter()
	ch, cancel := a.register("ref-1")
	defer cancel()

	assert.False(t, a.resolve(api.PaymentPayload{Reference: "other"}))
	assert.True(t, a.resolve(api.PaymentPayload{Reference: "ref-1", TransactionID: "a"}))
	assert.False(t, a.resolve(api.PaymentPayload{Reference: "ref-1", TransactionID: "b"}))
	assert.Equal(t, "a", (<-ch).TransactionID)
}

func TestAwaiter_EmptyReferenceGoesToSoleWaiter(t *testing.T) {
	a := newAwaiter()
	ch, cancel := a.register("ref-1")
	defer cancel()

	assert.True(t, a.resolve(api.PaymentPayload{Status: api.StatusError}))
	assert.Equal(t, api.StatusError, (<-ch).Status)
}
