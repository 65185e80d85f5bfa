// Package settlement is the server side of the sell handshake: nonces and
// sign-in verification, payment reservations and confirm-once settlement.
package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/clients"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"github.com/vadiminshakov/instainr/internal/publisher"
	"github.com/vadiminshakov/instainr/internal/storage/reservations"
	"go.uber.org/zap"
)

const (
	DefaultAppID       = "app_a694eef5223a11d38b4f737fad00e561"
	DefaultRecipient   = "0x06A4A1eA929074790E4E4bE3d8be70d4E4738CC6"
	DefaultExplorerURL = "https://worldscan.org/tx/"

	ReferencePrefix = "instainr_"

	nonceBytes      = 32
	msgNotConfirmed = "Payment not yet confirmed"
)

var (
	ErrAppIDMissing     = errors.New("app id is not configured")
	ErrUnknownReference = errors.New("payment reference not found")
	ErrPortal           = errors.New("failed to verify payment with developer portal")
)

// Portal reports the chain status of a signer-issued transaction.
type Portal interface {
	Transaction(ctx context.Context, transactionID string) (clients.PortalTransaction, error)
}

// Verifier validates a signed sign-in message against the issued nonce.
type Verifier interface {
	Verify(ctx context.Context, p api.WalletAuthPayload, nonce string) (common.Address, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev publisher.PayoutEvent) error
}

type Config struct {
	AppID          string
	Recipient      string
	ExplorerURL    string
	ReservationTTL time.Duration
}

type Service struct {
	l         *zap.Logger
	cfg       Config
	store     reservations.Store
	portal    Portal
	verifier  Verifier
	publisher Publisher
	now       func() time.Time
}

// NewService builds the settlement service. pub may be nil.
func NewService(l *zap.Logger, cfg Config, store reservations.Store, portal Portal, verifier Verifier, pub Publisher) (*Service, error) {
	if cfg.Recipient == "" {
		cfg.Recipient = DefaultRecipient
	}
	if !common.IsHexAddress(cfg.Recipient) {
		return nil, errors.Errorf("invalid recipient address %q", cfg.Recipient)
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = DefaultExplorerURL
	}
	if store == nil || portal == nil || verifier == nil {
		return nil, errors.New("store, portal and verifier are required")
	}

	return &Service{
		l:         l,
		cfg:       cfg,
		store:     store,
		portal:    portal,
		verifier:  verifier,
		publisher: pub,
		now:       time.Now,
	}, nil
}

// Nonce issues a fresh random nonce.
func (s *Service) Nonce() (api.NonceResponse, error) {
	if s.cfg.AppID == "" {
		return api.NonceResponse{}, ErrAppIDMissing
	}
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return api.NonceResponse{}, errors.Wrap(err, "failed to generate nonce")
	}
	return api.NonceResponse{Nonce: hex.EncodeToString(buf), AppID: s.cfg.AppID}, nil
}

// CompleteSIWE verifies a walletAuth payload. storedNonce is the nonce
// issued to this client; failures are reported in the response body.
func (s *Service) CompleteSIWE(ctx context.Context, req api.CompleteSIWERequest, storedNonce string) api.CompleteSIWEResponse {
	fail := func(msg string) api.CompleteSIWEResponse {
		observability.RecordSIWE(false)
		s.l.Info("sign in rejected", zap.String("reason", msg))
		return api.CompleteSIWEResponse{Status: api.StatusError, IsValid: false, Message: msg}
	}

	if req.Nonce == "" || req.Nonce != storedNonce {
		return fail("Invalid nonce")
	}
	if req.Payload.Status != api.StatusSuccess {
		return fail("Invalid signature")
	}

	addr, err := s.verifier.Verify(ctx, req.Payload, req.Nonce)
	if err != nil {
		return fail(err.Error())
	}

	observability.RecordSIWE(true)
	s.l.Info("sign in verified", zap.String("address", addr.Hex()))
	return api.CompleteSIWEResponse{Status: api.StatusSuccess, IsValid: true, Address: addr.Hex()}
}

// Initiate validates the request, stores a reservation and returns the
// signer-ready payment command.
func (s *Service) Initiate(ctx context.Context, req api.InitiatePayRequest) (api.InitiatePayResponse, error) {
	if req.Token == "" || strings.TrimSpace(req.Amount) == "" || strings.TrimSpace(req.MethodSummary) == "" {
		return api.InitiatePayResponse{}, errors.Wrap(domain.ErrValidation, "Missing required fields")
	}

	token := domain.Asset(req.Token)
	if !token.Payable() {
		return api.InitiatePayResponse{}, errors.Wrap(domain.ErrValidation, "Invalid token. Only WLD and USDC.e are supported")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return api.InitiatePayResponse{}, errors.Wrap(domain.ErrValidation, "Invalid amount")
	}
	units, err := token.ToSmallestUnit(amount)
	if err != nil {
		return api.InitiatePayResponse{}, err
	}

	now := s.now()
	res := domain.Reservation{
		ReferenceID:   newReference(now),
		Token:         token,
		Amount:        strings.TrimSpace(req.Amount),
		Recipient:     s.cfg.Recipient,
		MethodSummary: strings.TrimSpace(req.MethodSummary),
		CreatedAt:     now.UTC(),
	}
	if err := s.store.Create(ctx, res); err != nil {
		return api.InitiatePayResponse{}, errors.Wrap(err, "failed to store reservation")
	}

	observability.RecordPaymentInitiated(token.String())
	s.l.Info("payment initiated",
		zap.String("reference", res.ReferenceID),
		zap.String("token", token.String()),
		zap.String("amount", res.Amount),
	)
	s.publish(ctx, publisher.PayoutEvent{
		Type:          publisher.EventInitiated,
		Reference:     res.ReferenceID,
		Token:         token.String(),
		Amount:        res.Amount,
		TokenAmount:   units.String(),
		Recipient:     res.Recipient,
		MethodSummary: res.MethodSummary,
		At:            res.CreatedAt,
	})

	return api.InitiatePayResponse{
		ReferenceID: res.ReferenceID,
		To:          res.Recipient,
		Tokens:      []api.TokenAmount{{Symbol: token.String(), TokenAmount: units.String()}},
	}, nil
}

// Confirm checks the payment with the developer portal. A settled payment
// consumes its reservation, so a reference settles at most once. Pending
// payments are reported with Success=false and keep the reservation.
func (s *Service) Confirm(ctx context.Context, req api.ConfirmPaymentRequest) (api.ConfirmPaymentResponse, error) {
	p := req.Payload
	if p.Reference == "" {
		return api.ConfirmPaymentResponse{}, errors.Wrap(domain.ErrValidation, "Invalid payload or missing reference")
	}
	if p.TransactionID == "" {
		return api.ConfirmPaymentResponse{}, errors.Wrap(domain.ErrValidation, "Invalid payload or missing transaction_id")
	}

	res, err := s.store.Get(ctx, p.Reference)
	if err != nil {
		if errors.Is(err, reservations.ErrNotFound) {
			observability.RecordConfirmation("not_found")
			return api.ConfirmPaymentResponse{}, ErrUnknownReference
		}
		return api.ConfirmPaymentResponse{}, errors.Wrap(err, "failed to load reservation")
	}
	if res.Expired(s.now(), s.cfg.ReservationTTL) {
		observability.RecordConfirmation("not_found")
		return api.ConfirmPaymentResponse{}, errors.Wrap(ErrUnknownReference, "reservation expired")
	}

	tx, err := s.portal.Transaction(ctx, p.TransactionID)
	if err != nil {
		observability.RecordConfirmation("error")
		s.l.Error("developer portal query failed", zap.String("reference", p.Reference), zap.Error(err))
		return api.ConfirmPaymentResponse{}, errors.Wrap(ErrPortal, err.Error())
	}

	// an empty portal reference is not checked
	if tx.Reference != "" && tx.Reference != p.Reference {
		observability.RecordConfirmation("mismatch")
		s.l.Warn("portal transaction carries another reference",
			zap.String("reference", p.Reference),
			zap.String("portal_reference", tx.Reference),
			zap.String("transaction_id", p.TransactionID),
		)
		return api.ConfirmPaymentResponse{}, errors.Wrap(domain.ErrValidation, "Transaction reference mismatch")
	}

	if !tx.Settled() {
		observability.RecordConfirmation("pending")
		return api.ConfirmPaymentResponse{
			Success:       false,
			TransactionID: p.TransactionID,
			Reference:     p.Reference,
			Status:        tx.Status,
			Error:         msgNotConfirmed,
		}, nil
	}

	if _, err := s.store.Consume(ctx, p.Reference); err != nil {
		if errors.Is(err, reservations.ErrNotFound) {
			// another confirm won the race
			observability.RecordConfirmation("not_found")
			return api.ConfirmPaymentResponse{}, ErrUnknownReference
		}
		return api.ConfirmPaymentResponse{}, errors.Wrap(err, "failed to consume reservation")
	}

	observability.RecordConfirmation("settled")
	s.l.Info("payment settled",
		zap.String("reference", p.Reference),
		zap.String("transaction_id", p.TransactionID),
		zap.String("tx_hash", tx.TransactionHash),
	)
	s.publish(ctx, publisher.PayoutEvent{
		Type:            publisher.EventSettled,
		Reference:       res.ReferenceID,
		Token:           res.Token.String(),
		Amount:          res.Amount,
		Recipient:       res.Recipient,
		MethodSummary:   res.MethodSummary,
		TransactionID:   p.TransactionID,
		TransactionHash: tx.TransactionHash,
		At:              s.now().UTC(),
	})

	return api.ConfirmPaymentResponse{
		Success:       true,
		TransactionID: p.TransactionID,
		Reference:     p.Reference,
		Status:        tx.Status,
		ExplorerURL:   s.cfg.ExplorerURL + tx.TransactionHash,
	}, nil
}

func (s *Service) publish(ctx context.Context, ev publisher.PayoutEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.l.Warn("failed to publish payout event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// newReference returns instainr_<unix-ms>_<16 hex chars>.
func newReference(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("%s%d_%s", ReferencePrefix, now.UnixMilli(), hex.EncodeToString(id[:8]))
}
