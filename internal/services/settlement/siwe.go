package settlement

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/spruceid/siwe-go"
	"github.com/vadiminshakov/instainr/internal/api"
)

// WorldChainID is the only chain sign-in messages may name.
const WorldChainID = 480

var (
	ErrInvalidMessage   = errors.New("malformed SIWE message")
	ErrNonceMismatch    = errors.New("nonce does not match")
	ErrMessageExpired   = errors.New("SIWE message expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrWrongChain       = errors.New("SIWE message names another chain")
	ErrWrongDomain      = errors.New("SIWE message names another domain")
)

// SignatureChecker validates signatures of smart-contract wallets.
type SignatureChecker interface {
	IsValidSignature(ctx context.Context, account common.Address, hash common.Hash, sig []byte) (bool, error)
}

func parseSIWE(raw string) (*siwe.Message, error) {
	m, err := siwe.ParseMessage(strings.ReplaceAll(raw, "\r\n", "\n"))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidMessage, err.Error())
	}
	return m, nil
}

// SIWEVerifier checks a walletAuth payload: the message must carry the
// issued nonce, name World Chain and one of the accepted domains, be within
// its validity window and be signed by the address it names. Contract
// wallets are checked through EIP-1271 when a SignatureChecker is set.
type SIWEVerifier struct {
	contracts SignatureChecker
	domains   []string
	now       func() time.Time
}

// NewSIWEVerifier accepts messages for any of domains; with none given the
// domain is not checked.
func NewSIWEVerifier(contracts SignatureChecker, domains ...string) *SIWEVerifier {
	return &SIWEVerifier{contracts: contracts, domains: domains, now: time.Now}
}

func (v *SIWEVerifier) Verify(ctx context.Context, p api.WalletAuthPayload, nonce string) (common.Address, error) {
	if p.Message == "" || p.Signature == "" {
		return common.Address{}, errors.Wrap(ErrInvalidMessage, "message and signature are required")
	}

	m, err := parseSIWE(p.Message)
	if err != nil {
		return common.Address{}, err
	}
	if m.GetNonce() != nonce {
		return common.Address{}, ErrNonceMismatch
	}
	if m.GetChainID() != WorldChainID {
		return common.Address{}, errors.Wrapf(ErrWrongChain, "chain id %d", m.GetChainID())
	}
	if len(v.domains) > 0 && !slices.Contains(v.domains, m.GetDomain()) {
		return common.Address{}, errors.Wrapf(ErrWrongDomain, "domain %q", m.GetDomain())
	}

	if _, err := m.ValidAt(v.now()); err != nil {
		var expired *siwe.ExpiredMessage
		if errors.As(err, &expired) {
			return common.Address{}, ErrMessageExpired
		}
		return common.Address{}, errors.Wrap(ErrInvalidMessage, err.Error())
	}

	signerAddr := m.GetAddress()
	if p.Address != "" && !strings.EqualFold(p.Address, signerAddr.Hex()) {
		return common.Address{}, errors.Wrap(ErrInvalidSignature, "payload address differs from message")
	}

	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return common.Address{}, errors.Wrap(ErrInvalidSignature, "signature is not hex")
	}
	hash := accounts.TextHash([]byte(p.Message))

	if recovered, ok := recoverSigner(hash, sig); ok && recovered == signerAddr {
		return signerAddr, nil
	}

	if v.contracts != nil {
		valid, err := v.contracts.IsValidSignature(ctx, signerAddr, common.BytesToHash(hash), sig)
		if err != nil {
			return common.Address{}, errors.Wrap(err, "contract signature check failed")
		}
		if valid {
			return signerAddr, nil
		}
	}
	return common.Address{}, ErrInvalidSignature
}

func recoverSigner(hash, sig []byte) (common.Address, bool) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, false
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, s)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}
