// Package api holds the JSON bodies exchanged between the wallet client and
// the settlement backend.
package api

import "time"

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// NonceCookie carries the SIWE nonce between /nonce and /complete-siwe.
	NonceCookie = "siwe"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type NonceResponse struct {
	Nonce string `json:"nonce"`
	AppID string `json:"appId"`
}

// WalletAuthPayload is the signer's final walletAuth payload.
type WalletAuthPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Signature string `json:"signature,omitempty"`
	Address   string `json:"address,omitempty"`
	Version   int    `json:"version,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type CompleteSIWERequest struct {
	Payload WalletAuthPayload `json:"payload"`
	Nonce   string            `json:"nonce"`
	AppID   string            `json:"appId,omitempty"`
}

type CompleteSIWEResponse struct {
	Status  string `json:"status"`
	IsValid bool   `json:"isValid"`
	Address string `json:"address,omitempty"`
	Message string `json:"message,omitempty"`
}

type InitiatePayRequest struct {
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	MethodSummary string `json:"methodSummary"`
}

type TokenAmount struct {
	Symbol      string `json:"symbol"`
	TokenAmount string `json:"token_amount"`
}

type InitiatePayResponse struct {
	ReferenceID string        `json:"referenceId"`
	To          string        `json:"to"`
	Tokens      []TokenAmount `json:"tokens"`
}

// PaymentPayload is the signer's final pay payload.
type PaymentPayload struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reference     string `json:"reference,omitempty"`
	From          string `json:"from,omitempty"`
	Chain         string `json:"chain,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

type ConfirmPaymentRequest struct {
	Payload PaymentPayload `json:"payload"`
}

type ConfirmPaymentResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Reference     string `json:"reference,omitempty"`
	Status        string `json:"status,omitempty"`
	ExplorerURL   string `json:"explorerUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PricesMeta carries the optional staleness marker next to the price keys
// of a /prices response.
type PricesMeta struct {
	Stale bool   `json:"stale,omitempty"`
	Error string `json:"error,omitempty"`
}

type BalancesResponse struct {
	Success   bool              `json:"success"`
	Address   string            `json:"address"`
	Balances  map[string]string `json:"balances,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
