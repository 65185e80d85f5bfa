package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/clients"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"github.com/vadiminshakov/instainr/internal/services/ledger"
	"github.com/vadiminshakov/instainr/internal/signer"
	"github.com/vadiminshakov/instainr/pkg/retrier"
	"go.uber.org/zap"
)

const (
	DefaultSignerTimeout   = 5 * time.Minute
	DefaultConfirmRetries  = 5
	DefaultConfirmInterval = 2 * time.Second
)

var (
	ErrAttemptInProgress = errors.New("a sell is already in progress")
	ErrSignerTimeout     = errors.New("timed out waiting for the signer")
	ErrSignerRejected    = errors.New("payment was not approved in the wallet")
	ErrSettlementPending = errors.New("payment not yet confirmed")
	ErrNotConnected      = errors.New("wallet is not connected")

	errPending = errors.New("pending")
)

// State is the phase of a sell attempt.
type State string

const (
	StateIdle              State = "idle"
	StateInitiating        State = "initiating"
	StateAwaitingSignature State = "awaiting_signature"
	StateVerifying         State = "verifying"
	StateSettled           State = "settled"
	StateFailed            State = "failed"
)

// Backend is the server side of the handshake.
type Backend interface {
	InitiatePay(ctx context.Context, req api.InitiatePayRequest) (api.InitiatePayResponse, error)
	ConfirmPayment(ctx context.Context, payload api.PaymentPayload) (api.ConfirmPaymentResponse, error)
}

type Ledger interface {
	NextID() (string, error)
	Add(tx domain.Transaction) error
	Complete(id, explorerURL string) error
	List(f ledger.Filter) []domain.Transaction
}

type Wallet interface {
	Available(a domain.Asset) decimal.Decimal
	Deduct(a domain.Asset, amount decimal.Decimal)
}

type PriceSource interface {
	Price(a domain.Asset) (decimal.Decimal, error)
}

type SessionSource interface {
	Session() domain.Session
}

type Config struct {
	CommissionPercent decimal.Decimal
	MinGrossINR       decimal.Decimal
	SignerTimeout     time.Duration
	ConfirmRetries    int
	ConfirmInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CommissionPercent.IsZero() {
		c.CommissionPercent = domain.DefaultCommissionPercent
	}
	if c.MinGrossINR.IsZero() {
		c.MinGrossINR = domain.DefaultMinGrossINR
	}
	if c.SignerTimeout <= 0 {
		c.SignerTimeout = DefaultSignerTimeout
	}
	if c.ConfirmRetries <= 0 {
		c.ConfirmRetries = DefaultConfirmRetries
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = DefaultConfirmInterval
	}
	return c
}

// SellRequest is what the user entered on the sell form.
type SellRequest struct {
	Token   domain.Asset
	Amount  string
	Method  domain.PayoutMethod
	Aadhaar string
}

// Attempt describes the progress of one sell.
type Attempt struct {
	State         State        `json:"state"`
	Reference     string       `json:"reference,omitempty"`
	TransactionID string       `json:"transactionId,omitempty"`
	LedgerID      string       `json:"ledgerId,omitempty"`
	ExplorerURL   string       `json:"explorerUrl,omitempty"`
	Quote         domain.Quote `json:"-"`
	Err           string       `json:"error,omitempty"`
}

// Coordinator runs the sell handshake: initiate on the backend, hand off to
// the signer, verify and update the ledger. One attempt at a time.
type Coordinator struct {
	l        *zap.Logger
	cfg      Config
	backend  Backend
	signer   signer.Signer
	ledger   Ledger
	wallet   Wallet
	prices   PriceSource
	sessions SessionSource
	awaiter  *awaiter
	now      func() time.Time

	busy atomic.Bool

	mu      sync.RWMutex
	current Attempt
}

func NewCoordinator(
	l *zap.Logger,
	cfg Config,
	backend Backend,
	s signer.Signer,
	lg Ledger,
	wallet Wallet,
	prices PriceSource,
	sessions SessionSource,
) *Coordinator {
	return &Coordinator{
		l:        l,
		cfg:      cfg.withDefaults(),
		backend:  backend,
		signer:   s,
		ledger:   lg,
		wallet:   wallet,
		prices:   prices,
		sessions: sessions,
		awaiter:  newAwaiter(),
		now:      time.Now,
		current:  Attempt{State: StateIdle},
	}
}

// Current returns the latest attempt.
func (c *Coordinator) Current() Attempt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Quote validates req and returns the INR breakdown without touching the
// backend.
func (c *Coordinator) Quote(req SellRequest) (domain.Quote, error) {
	if !c.sessions.Session().Active() {
		return domain.Quote{}, ErrNotConnected
	}
	if !req.Token.Payable() {
		return domain.Quote{}, errors.Wrapf(domain.ErrValidation, "%s cannot be sold", req.Token)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return domain.Quote{}, errors.Wrapf(domain.ErrValidation, "invalid amount %q", req.Amount)
	}
	if !amount.IsPositive() {
		return domain.Quote{}, errors.Wrap(domain.ErrValidation, "amount must be greater than zero")
	}
	if available := c.wallet.Available(req.Token); amount.GreaterThan(available) {
		return domain.Quote{}, errors.Wrapf(domain.ErrValidation, "insufficient %s balance: %s available", req.Token, available)
	}

	price, err := c.prices.Price(req.Token)
	if err != nil {
		return domain.Quote{}, errors.Wrapf(domain.ErrValidation, "price for %s is unavailable", req.Token)
	}

	q := domain.NewQuote(req.Token, amount, price, c.cfg.CommissionPercent)
	if err := q.Validate(c.cfg.MinGrossINR); err != nil {
		return domain.Quote{}, err
	}
	if err := req.Method.Validate(); err != nil {
		return domain.Quote{}, err
	}
	if err := domain.ValidateAadhaar(req.Aadhaar); err != nil {
		return domain.Quote{}, err
	}
	return q, nil
}

// Sell runs one full handshake. When the backend cannot confirm the payment
// in time the ledger record stays Processing and ErrSettlementPending is
// returned.
func (c *Coordinator) Sell(ctx context.Context, req SellRequest) (Attempt, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return c.Current(), ErrAttemptInProgress
	}
	defer c.busy.Store(false)

	c.setAttempt(Attempt{State: StateInitiating})

	att, err := c.sell(ctx, req)
	if err != nil {
		att.State = StateFailed
		att.Err = err.Error()
	}
	c.setAttempt(att)
	observability.RecordSellAttempt(string(att.State))

	if err != nil {
		c.l.Warn("sell failed",
			zap.String("token", req.Token.String()),
			zap.String("reference", att.Reference),
			zap.String("ledger_id", att.LedgerID),
			zap.Error(err),
		)
		return att, err
	}

	c.l.Info("sell settled",
		zap.String("ledger_id", att.LedgerID),
		zap.String("reference", att.Reference),
		zap.String("explorer_url", att.ExplorerURL),
	)
	return att, nil
}

func (c *Coordinator) sell(ctx context.Context, req SellRequest) (Attempt, error) {
	att := Attempt{State: StateInitiating}

	q, err := c.Quote(req)
	if err != nil {
		return att, err
	}
	att.Quote = q
	summary := req.Method.Summary()

	initResp, err := c.backend.InitiatePay(ctx, api.InitiatePayRequest{
		Token:         q.Token.String(),
		Amount:        q.Amount.String(),
		MethodSummary: summary,
	})
	if err != nil {
		return att, errors.Wrap(err, "failed to initiate payment")
	}
	att.Reference = initResp.ReferenceID
	att.State = StateAwaitingSignature
	c.setAttempt(att)

	payload, err := c.awaitSignature(ctx, signer.PayCommand{
		Reference:   initResp.ReferenceID,
		To:          initResp.To,
		Tokens:      initResp.Tokens,
		Description: fmt.Sprintf("Sell %s %s for INR", q.Amount.String(), q.Token),
	})
	if err != nil {
		return att, err
	}
	if payload.Status != api.StatusSuccess {
		return att, errors.Wrapf(ErrSignerRejected, "error code %q", payload.ErrorCode)
	}
	if payload.Reference == "" {
		payload.Reference = initResp.ReferenceID
	}
	att.TransactionID = payload.TransactionID

	// the sell is submitted from here on, so it is recorded before verifying
	id, err := c.ledger.NextID()
	if err != nil {
		return att, err
	}
	tx := domain.NewTransaction(id, q, summary, c.now())
	tx.Reference = payload.Reference
	tx.TransactionID = payload.TransactionID
	if err := c.ledger.Add(tx); err != nil {
		return att, err
	}
	att.LedgerID = id
	att.State = StateVerifying
	c.setAttempt(att)

	confirmed, err := c.confirm(ctx, payload)
	if err != nil {
		return att, err
	}

	if err := c.ledger.Complete(id, confirmed.ExplorerURL); err != nil {
		return att, err
	}
	c.wallet.Deduct(q.Token, q.Amount)

	att.ExplorerURL = confirmed.ExplorerURL
	att.State = StateSettled
	return att, nil
}

func (c *Coordinator) awaitSignature(ctx context.Context, cmd signer.PayCommand) (api.PaymentPayload, error) {
	result, cancel := c.awaiter.register(cmd.Reference)
	defer cancel()

	unsubscribe := c.signer.SubscribePayments(func(p api.PaymentPayload) {
		c.awaiter.resolve(p)
	})
	defer unsubscribe()

	if err := c.signer.Pay(ctx, cmd); err != nil {
		return api.PaymentPayload{}, errors.Wrap(err, "failed to send payment to signer")
	}

	timer := time.NewTimer(c.cfg.SignerTimeout)
	defer timer.Stop()

	select {
	case p := <-result:
		return p, nil
	case <-timer.C:
		return api.PaymentPayload{}, ErrSignerTimeout
	case <-ctx.Done():
		return api.PaymentPayload{}, ctx.Err()
	}
}

// confirm polls /confirm-payment until the backend reports settlement.
func (c *Coordinator) confirm(ctx context.Context, payload api.PaymentPayload) (api.ConfirmPaymentResponse, error) {
	p := retrier.Exponential(c.cfg.ConfirmInterval, c.cfg.ConfirmInterval*8, c.cfg.ConfirmRetries+1)
	p.OnRetry = func(attempt int, err error) {
		c.l.Debug("payment not confirmed yet",
			zap.String("reference", payload.Reference),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	resp, err := retrier.Value(ctx, p, func(ctx context.Context) (api.ConfirmPaymentResponse, error) {
		return c.confirmOnce(ctx, payload)
	})
	if errors.Is(err, errPending) {
		return resp, ErrSettlementPending
	}
	return resp, err
}

func (c *Coordinator) confirmOnce(ctx context.Context, payload api.PaymentPayload) (api.ConfirmPaymentResponse, error) {
	resp, err := c.backend.ConfirmPayment(ctx, payload)
	if err != nil {
		switch clients.StatusOf(err) {
		case http.StatusBadRequest, http.StatusNotFound:
			return resp, retrier.Permanent(errors.Wrap(err, "payment verification rejected"))
		}
		return resp, errors.Wrap(err, "payment verification failed")
	}
	if !resp.Success {
		return resp, errPending
	}
	return resp, nil
}

// Reconcile confirms Processing records that carry a transaction id and
// completes the settled ones. It returns how many were completed.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	pending := c.ledger.List(ledger.Filter{Unconfirmed: true})

	var (
		completed int
		lastErr   error
	)
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return completed, err
		}

		resp, err := c.confirmOnce(ctx, api.PaymentPayload{
			Status:        api.StatusSuccess,
			TransactionID: tx.TransactionID,
			Reference:     tx.Reference,
		})
		if errors.Is(err, errPending) {
			continue
		}
		if err != nil {
			c.l.Warn("reconcile confirm failed", zap.String("ledger_id", tx.ID), zap.Error(err))
			lastErr = err
			continue
		}

		if err := c.ledger.Complete(tx.ID, resp.ExplorerURL); err != nil {
			lastErr = err
			continue
		}
		completed++
	}

	c.l.Info("reconcile finished", zap.Int("checked", len(pending)), zap.Int("completed", completed))
	return completed, lastErr
}

func (c *Coordinator) setAttempt(a Attempt) {
	c.mu.Lock()
	c.current = a
	c.mu.Unlock()
	c.l.Debug("sell state", zap.String("state", string(a.State)), zap.String("reference", a.Reference))
}
