package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Prices maps an asset to its INR unit price. Zero means unknown.
type Prices map[Asset]decimal.Decimal

// Get returns the price of a, or zero when it is not known.
func (p Prices) Get(a Asset) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p[a]
}

// Clone returns an independent copy.
func (p Prices) Clone() Prices {
	out := make(Prices, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// AllZero reports whether no asset has a known price.
func (p Prices) AllZero() bool {
	for _, v := range p {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// MarshalJSON encodes prices as plain JSON numbers keyed by symbol.
func (p Prices) MarshalJSON() ([]byte, error) {
	out := make(map[string]float64, len(Assets))
	for _, a := range Assets {
		out[string(a)] = p.Get(a).InexactFloat64()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts numbers or numeric strings keyed by symbol.
// Unknown keys are ignored.
func (p *Prices) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Prices, len(Assets))
	for _, a := range Assets {
		v, ok := raw[string(a)]
		if !ok {
			out[a] = decimal.Zero
			continue
		}
		var d decimal.Decimal
		if err := d.UnmarshalJSON(v); err != nil {
			return err
		}
		out[a] = d
	}
	*p = out
	return nil
}

// Balances maps an asset to the wallet amount held.
type Balances map[Asset]decimal.Decimal

// ZeroBalances returns a snapshot with every asset at zero.
func ZeroBalances() Balances {
	out := make(Balances, len(Assets))
	for _, a := range Assets {
		out[a] = decimal.Zero
	}
	return out
}

// Get returns the balance of a, zero when absent.
func (b Balances) Get(a Asset) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return b[a]
}

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
