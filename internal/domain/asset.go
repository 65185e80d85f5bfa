package domain

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Asset is one of the tokens the app can display and sell.
type Asset string

const (
	AssetWLD   Asset = "WLD"
	AssetETH   Asset = "ETH"
	AssetUSDCE Asset = "USDC.e"
)

// Assets lists every supported asset in display order.
var Assets = []Asset{AssetWLD, AssetETH, AssetUSDCE}

var assetDecimals = map[Asset]int32{
	AssetWLD:   18,
	AssetETH:   18,
	AssetUSDCE: 6,
}

// ParseAsset maps a symbol onto the asset set. Matching is case-insensitive.
func ParseAsset(symbol string) (Asset, error) {
	for _, a := range Assets {
		if strings.EqualFold(string(a), strings.TrimSpace(symbol)) {
			return a, nil
		}
	}
	return "", errors.Wrapf(ErrValidation, "unsupported token %q", symbol)
}

// PayableAssets can be sent to the payout desk. ETH is display only.
var PayableAssets = []Asset{AssetWLD, AssetUSDCE}

// Payable reports whether a can be sold.
func (a Asset) Payable() bool {
	for _, p := range PayableAssets {
		if p == a {
			return true
		}
	}
	return false
}

// Valid reports whether a is in the supported set.
func (a Asset) Valid() bool {
	_, ok := assetDecimals[a]
	return ok
}

// Decimals returns the on-chain precision of the asset.
func (a Asset) Decimals() int32 {
	return assetDecimals[a]
}

func (a Asset) String() string {
	return string(a)
}

// ToSmallestUnit scales a human amount into the integer representation used
// on chain (wei for 18-decimal tokens, micro-units for USDC.e).
// Amounts with more fractional digits than the asset supports are rejected.
func (a Asset) ToSmallestUnit(amount decimal.Decimal) (*big.Int, error) {
	if !a.Valid() {
		return nil, errors.Wrapf(ErrValidation, "unsupported token %q", a)
	}
	if !amount.IsPositive() {
		return nil, errors.Wrap(ErrValidation, "amount must be positive")
	}

	scaled := amount.Shift(a.Decimals())
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, errors.Wrapf(ErrValidation, "%s supports at most %d decimal places", a, a.Decimals())
	}

	return scaled.BigInt(), nil
}

// FromSmallestUnit converts an on-chain integer amount back to a decimal.
func (a Asset) FromSmallestUnit(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -a.Decimals())
}
