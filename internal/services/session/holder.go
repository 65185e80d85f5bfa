package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/signer"
	"github.com/vadiminshakov/instainr/internal/storage/kvstore"
	"github.com/vadiminshakov/instainr/pkg/retrier"
	"go.uber.org/zap"
)

const (
	Key = "instainr:session"

	DefaultStatement    = "Sign in to InstaINR"
	DefaultPollAttempts = 5
	DefaultPollInterval = 500 * time.Millisecond

	authValidity = 7 * 24 * time.Hour
)

var (
	ErrSignerUnavailable  = errors.New("wallet app is not available")
	ErrVerificationFailed = errors.New("wallet verification failed")
	ErrDeclined           = errors.New("sign in was declined in the wallet")
)

// Backend issues nonces and verifies signed SIWE messages.
type Backend interface {
	Nonce(ctx context.Context) (api.NonceResponse, error)
	CompleteSIWE(ctx context.Context, req api.CompleteSIWERequest) (api.CompleteSIWEResponse, error)
}

type store interface {
	Get(key string, v any) error
	Put(key string, v any) error
	Delete(key string) error
}

type Options struct {
	Statement    string
	PollAttempts int
	PollInterval time.Duration
}

// Holder owns the wallet identity of the user.
type Holder struct {
	l       *zap.Logger
	backend Backend
	signer  signer.Signer
	store   store
	opts    Options
	now     func() time.Time

	connectMu sync.Mutex

	mu        sync.RWMutex
	session   domain.Session
	listeners []func(domain.Session)
}

// NewHolder restores the persisted session, if any.
func NewHolder(l *zap.Logger, backend Backend, s signer.Signer, st store, opts Options) *Holder {
	if opts.Statement == "" {
		opts.Statement = DefaultStatement
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	h := &Holder{l: l, backend: backend, signer: s, store: st, opts: opts, now: time.Now}
	h.restore()
	return h
}

func (h *Holder) restore() {
	if h.store == nil {
		return
	}
	var s domain.Session
	if err := h.store.Get(Key, &s); err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			h.l.Warn("failed to restore session", zap.Error(err))
		}
		return
	}
	if !s.Active() {
		return
	}
	h.session = s
	h.l.Info("session restored", zap.String("identifier", s.Identifier))
}

// Session returns the current identity.
func (h *Holder) Session() domain.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// OnChange registers fn to be called after every session change.
func (h *Holder) OnChange(fn func(domain.Session)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Connect runs the sign-in handshake. On any failure the session is left
// unchanged.
func (h *Holder) Connect(ctx context.Context) (domain.Session, error) {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	if err := h.waitForSigner(ctx); err != nil {
		return h.Session(), err
	}

	nonce, err := h.backend.Nonce(ctx)
	if err != nil {
		return h.Session(), errors.Wrap(err, "failed to get nonce")
	}

	payload, err := h.signer.WalletAuth(ctx, signer.WalletAuthRequest{
		Nonce:          nonce.Nonce,
		ExpirationTime: h.now().Add(authValidity).UTC(),
		Statement:      h.opts.Statement,
	})
	if err != nil {
		return h.Session(), errors.Wrap(err, "wallet auth failed")
	}
	if payload.Status != api.StatusSuccess {
		return h.Session(), errors.Wrapf(ErrDeclined, "error code %q", payload.ErrorCode)
	}

	verdict, err := h.backend.CompleteSIWE(ctx, api.CompleteSIWERequest{
		Payload: payload,
		Nonce:   nonce.Nonce,
		AppID:   nonce.AppID,
	})
	if err != nil {
		return h.Session(), errors.Wrap(err, "failed to verify sign in")
	}
	if verdict.Status != api.StatusSuccess || !verdict.IsValid {
		return h.Session(), errors.Wrap(ErrVerificationFailed, verdict.Message)
	}

	address := verdict.Address
	if address == "" {
		address = payload.Address
	}
	if address == "" {
		return h.Session(), errors.Wrap(ErrVerificationFailed, "no address in verified payload")
	}

	name := h.signer.User().Username
	if name == "" {
		name = domain.DefaultDisplayName
	}

	s := domain.Session{Connected: true, DisplayName: name, Identifier: address}
	h.set(s)
	h.l.Info("wallet connected", zap.String("identifier", address), zap.String("name", name))
	return s, nil
}

// Disconnect clears the session. Persistence errors are only logged.
func (h *Holder) Disconnect() {
	h.set(domain.Session{})
	h.l.Info("wallet disconnected")
}

func (h *Holder) waitForSigner(ctx context.Context) error {
	err := retrier.Constant(h.opts.PollInterval, h.opts.PollAttempts).Do(ctx, func(ctx context.Context) error {
		if h.signer.Available(ctx) {
			return nil
		}
		return ErrSignerUnavailable
	})
	if err != nil && ctx.Err() == nil {
		return ErrSignerUnavailable
	}
	return err
}

func (h *Holder) set(s domain.Session) {
	h.mu.Lock()
	h.session = s
	listeners := append([]func(domain.Session){}, h.listeners...)
	h.mu.Unlock()

	h.persist(s)
	for _, fn := range listeners {
		fn(s)
	}
}

func (h *Holder) persist(s domain.Session) {
	if h.store == nil {
		return
	}
	var err error
	if s.Active() {
		err = h.store.Put(Key, s)
	} else {
		err = h.store.Delete(Key)
	}
	if err != nil {
		h.l.Warn("failed to persist session", zap.Error(err))
	}
}
