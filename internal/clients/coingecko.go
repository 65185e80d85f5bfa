package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	defaultTimeout      = 15 * time.Second
	maxErrorBody        = 512
)

var coinGeckoIDs = map[domain.Asset]string{
	domain.AssetWLD:   "worldcoin-wld",
	domain.AssetETH:   "ethereum",
	domain.AssetUSDCE: "usd-coin",
}

// CoinGecko fetches INR spot prices from the public simple/price endpoint.
type CoinGecko struct {
	baseURL    string
	httpClient *http.Client
	l          *zap.Logger
}

func NewCoinGecko(l *zap.Logger, baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGecko{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		l:          l,
	}
}

// FetchPrices returns INR prices for every asset. A coin missing from the
// response maps to zero.
func (c *CoinGecko) FetchPrices(ctx context.Context) (domain.Prices, error) {
	ids := make([]string, 0, len(domain.Assets))
	for _, a := range domain.Assets {
		ids = append(ids, coinGeckoIDs[a])
	}
	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=inr", c.baseURL, strings.Join(ids, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create price request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch prices")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errors.Errorf("coingecko returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "invalid response format from coingecko")
	}

	prices := make(domain.Prices, len(domain.Assets))
	for _, a := range domain.Assets {
		price := raw[coinGeckoIDs[a]]["inr"]
		if price.IsNegative() {
			price = decimal.Zero
		}
		prices[a] = price
	}

	if prices.AllZero() {
		c.l.Warn("coingecko returned zero prices for all tokens")
	}
	c.l.Debug("price update",
		zap.String("WLD", prices.Get(domain.AssetWLD).String()),
		zap.String("ETH", prices.Get(domain.AssetETH).String()),
		zap.String("USDC.e", prices.Get(domain.AssetUSDCE).String()),
	)

	return prices, nil
}
