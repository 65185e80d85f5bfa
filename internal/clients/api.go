package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/domain"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return "backend returned " + http.StatusText(e.StatusCode) + ": " + e.Message
}

// StatusOf returns the HTTP status of an APIError, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// API is the wallet-side client of the settlement backend. It keeps cookies,
// so the nonce cookie set by /nonce is sent back on /complete-siwe.
type API struct {
	baseURL    string
	httpClient *http.Client
}

func NewAPI(baseURL string) (*API, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout, Jar: jar},
	}, nil
}

func (c *API) Nonce(ctx context.Context) (api.NonceResponse, error) {
	var out api.NonceResponse
	err := c.do(ctx, http.MethodGet, "/nonce", nil, &out)
	return out, err
}

func (c *API) CompleteSIWE(ctx context.Context, req api.CompleteSIWERequest) (api.CompleteSIWEResponse, error) {
	var out api.CompleteSIWEResponse
	err := c.do(ctx, http.MethodPost, "/complete-siwe", req, &out)
	return out, err
}

func (c *API) InitiatePay(ctx context.Context, req api.InitiatePayRequest) (api.InitiatePayResponse, error) {
	var out api.InitiatePayResponse
	err := c.do(ctx, http.MethodPost, "/initiate-pay", req, &out)
	return out, err
}

// ConfirmPayment returns the decoded body for 200 responses, including
// success=false "not yet confirmed" answers.
func (c *API) ConfirmPayment(ctx context.Context, payload api.PaymentPayload) (api.ConfirmPaymentResponse, error) {
	var out api.ConfirmPaymentResponse
	err := c.do(ctx, http.MethodPost, "/confirm-payment", api.ConfirmPaymentRequest{Payload: payload}, &out)
	return out, err
}

// FetchPrices reads /prices. A stale answer is returned together with an error
// describing the upstream failure, so callers can keep the prices and flag them.
func (c *API) FetchPrices(ctx context.Context) (domain.Prices, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/prices", nil, &raw); err != nil {
		return nil, err
	}

	var prices domain.Prices
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, errors.Wrap(err, "failed to decode prices")
	}
	var meta api.PricesMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to decode prices")
	}
	if meta.Stale {
		return prices, errors.Errorf("backend prices are stale: %s", meta.Error)
	}
	return prices, nil
}

// Balances reads /balances for address.
func (c *API) Balances(ctx context.Context, address string) (domain.Balances, error) {
	var out api.BalancesResponse
	if err := c.do(ctx, http.MethodGet, "/balances?address="+url.QueryEscape(address), nil, &out); err != nil {
		return nil, err
	}

	balances := domain.ZeroBalances()
	for _, a := range domain.Assets {
		raw, ok := out.Balances[a.String()]
		if !ok {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "bad %s balance %q", a, raw)
		}
		balances[a] = v
	}
	return balances, nil
}

func (c *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to call %s", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s response", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
			if apiErr.Message != "" {
				msg += ": " + apiErr.Message
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}
