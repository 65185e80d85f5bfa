package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus is the payout lifecycle state of a transaction.
type TxStatus string

const (
	TxProcessing TxStatus = "Processing"
	TxCompleted  TxStatus = "Completed"
	TxRejected   TxStatus = "Rejected"
)

// TransactionIDPrefix prefixes every ledger id.
const TransactionIDPrefix = "IINR"

// Valid reports whether s is a known status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxProcessing, TxCompleted, TxRejected:
		return true
	}
	return false
}

// Transaction is one sell request and its payout state.
type Transaction struct {
	ID            string          `json:"id"`
	Token         Asset           `json:"token"`
	AmountToken   decimal.Decimal `json:"amountToken"`
	INRPerUnit    decimal.Decimal `json:"inrPerUnit"`
	INRGross      int64           `json:"inrGross"`
	CommissionINR int64           `json:"commissionInr"`
	INRNet        int64           `json:"inrNet"`
	Status        TxStatus        `json:"status"`
	MethodSummary string          `json:"methodSummary"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExplorerURL   string          `json:"explorerUrl,omitempty"`
	RejectReason  string          `json:"rejectReason,omitempty"`

	// Reference and TransactionID let a Processing record be confirmed later.
	Reference     string `json:"reference,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// FormatTransactionID renders the sequence number as IINR000042.
func FormatTransactionID(seq uint64) string {
	return fmt.Sprintf("%s%06d", TransactionIDPrefix, seq)
}

// NewTransaction builds a Processing record from a quote.
func NewTransaction(id string, q Quote, methodSummary string, createdAt time.Time) Transaction {
	return Transaction{
		ID:            id,
		Token:         q.Token,
		AmountToken:   q.Amount,
		INRPerUnit:    q.INRPerUnit,
		INRGross:      q.INRGross,
		CommissionINR: q.CommissionINR,
		INRNet:        q.INRNet,
		Status:        TxProcessing,
		MethodSummary: methodSummary,
		CreatedAt:     createdAt.UTC(),
	}
}
