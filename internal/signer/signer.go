// Package signer talks to the mini-app host that owns the user's wallet.
// The host is reached only through a narrow command/response contract:
// walletAuth is answered directly, pay results arrive as events.
package signer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/api"
)

const (
	CommandWalletAuth = "walletAuth"
	CommandPay        = "pay"

	EventReady          = "ready"
	EventMiniAppPayment = "miniapp-payment"
)

var (
	ErrClosed       = errors.New("signer connection closed")
	ErrNotInstalled = errors.New("signer host is not installed")
)

// HostUser is the profile the host exposes about the signed-in user.
type HostUser struct {
	Username string `json:"username,omitempty"`
}

type WalletAuthRequest struct {
	Nonce          string    `json:"nonce"`
	ExpirationTime time.Time `json:"expirationTime"`
	Statement      string    `json:"statement,omitempty"`
}

type PayCommand struct {
	Reference   string            `json:"reference"`
	To          string            `json:"to"`
	Tokens      []api.TokenAmount `json:"tokens"`
	Description string            `json:"description"`
}

// Signer is the contract with the wallet host.
type Signer interface {
	// Available reports whether the host is installed and ready.
	Available(ctx context.Context) bool
	User() HostUser
	WalletAuth(ctx context.Context, req WalletAuthRequest) (api.WalletAuthPayload, error)
	// Pay hands the command to the host. The outcome is delivered to
	// SubscribePayments handlers.
	Pay(ctx context.Context, cmd PayCommand) error
	SubscribePayments(fn func(api.PaymentPayload)) (unsubscribe func())
}

// Offline stands in when no host is reachable. It is never available.
type Offline struct{}

func (Offline) Available(context.Context) bool { return false }

func (Offline) User() HostUser { return HostUser{} }

func (Offline) WalletAuth(context.Context, WalletAuthRequest) (api.WalletAuthPayload, error) {
	return api.WalletAuthPayload{}, ErrNotInstalled
}

func (Offline) Pay(context.Context, PayCommand) error { return ErrNotInstalled }

func (Offline) SubscribePayments(func(api.PaymentPayload)) func() { return func() {} }
