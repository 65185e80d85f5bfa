package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/clients"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"github.com/vadiminshakov/instainr/internal/services/pricer"
	"github.com/vadiminshakov/instainr/internal/services/settlement"
	"github.com/vadiminshakov/instainr/internal/storage/reservations"
	"go.uber.org/zap"
)

type stubPortal struct {
	tx  clients.PortalTransaction
	err error
}

func (p *stubPortal) Transaction(_ context.Context, _ string) (clients.PortalTransaction, error) {
	return p.tx, p.err
}

type stubPrices struct{ snap pricer.Snapshot }

func (s stubPrices) Snapshot() pricer.Snapshot { return s.snap }

type stubBalances struct {
	b   domain.Balances
	err error
}

func (s stubBalances) Balances(context.Context, string) (domain.Balances, error) { return s.b, s.err }

func newTestServer(t *testing.T, portal *stubPortal, prices pricer.Snapshot) *httptest.Server {
	t.Helper()
	svc, err := settlement.NewService(zap.NewNop(),
		settlement.Config{AppID: settlement.DefaultAppID, ReservationTTL: time.Hour},
		reservations.NewMemoryStore(), portal, settlement.NewSIWEVerifier(nil), nil)
	require.NoError(t, err)

	bal := stubBalances{b: domain.Balances{domain.AssetWLD: decimal.RequireFromString("12.5")}}
	srv := NewServer(":0", zap.NewNop(), svc, stubPrices{snap: prices}, bal)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(buf)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_NonceSetsCookie(t *testing.T) {
	ts := newTestServer(t, &stubPortal{}, pricer.Snapshot{})

	resp, err := http.Get(ts.URL + "/nonce")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.NonceResponse](t, resp)
	assert.Len(t, body.Nonce, 64)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == api.NonceCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, body.Nonce, cookie.Value)
	assert.True(t, cookie.HttpOnly)
}

func TestServer_CompleteSIWEWithoutCookie(t *testing.T) {
	ts := newTestServer(t, &stubPortal{}, pricer.Snapshot{})

	resp := postJSON(t, ts.URL+"/complete-siwe", api.CompleteSIWERequest{Nonce: "abc"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.CompleteSIWEResponse](t, resp)
	assert.Equal(t, api.StatusError, body.Status)
	assert.False(t, body.IsValid)
	assert.Equal(t, "Invalid nonce", body.Message)
}

func TestServer_InitiateAndConfirm(t *testing.T) {
	portal := &stubPortal{tx: clients.PortalTransaction{Status: "mined", TransactionHash: "0xfeed"}}
	ts := newTestServer(t, portal, pricer.Snapshot{})

	resp := postJSON(t, ts.URL+"/initiate-pay", api.InitiatePayRequest{Token: "WLD", Amount: "2", MethodSummary: "UPI • a@bank"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	initResp := decodeBody[api.InitiatePayResponse](t, resp)
	require.NotEmpty(t, initResp.ReferenceID)
	assert.Equal(t, "2000000000000000000", initResp.Tokens[0].TokenAmount)

	confirm := api.ConfirmPaymentRequest{Payload: api.PaymentPayload{Status: api.StatusSuccess, TransactionID: "tx-1", Reference: initResp.ReferenceID}}
	resp = postJSON(t, ts.URL+"/confirm-payment", confirm)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.ConfirmPaymentResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "https://worldscan.org/tx/0xfeed", body.ExplorerURL)

	resp = postJSON(t, ts.URL+"/confirm-payment", confirm)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body = decodeBody[api.ConfirmPaymentResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "Payment reference not found", body.Error)
}

func TestServer_InitiateRejects(t *testing.T) {
	ts := newTestServer(t, &stubPortal{}, pricer.Snapshot{})

	resp := postJSON(t, ts.URL+"/initiate-pay", api.InitiatePayRequest{Token: "ETH", Amount: "1", MethodSummary: "UPI • a@b"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid token. Only WLD and USDC.e are supported", decodeBody[api.ErrorResponse](t, resp).Error)

	resp = postJSON(t, ts.URL+"/initiate-pay", api.InitiatePayRequest{Token: "WLD"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Missing required fields", decodeBody[api.ErrorResponse](t, resp).Error)
}

func TestServer_ConfirmErrors(t *testing.T) {
	portal := &stubPortal{err: errors.New("boom")}
	ts := newTestServer(t, portal, pricer.Snapshot{})

	resp := postJSON(t, ts.URL+"/confirm-payment", api.ConfirmPaymentRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid payload or missing reference", decodeBody[api.ConfirmPaymentResponse](t, resp).Error)

	initResp := decodeBody[api.InitiatePayResponse](t, postJSON(t, ts.URL+"/initiate-pay",
		api.InitiatePayRequest{Token: "USDC.e", Amount: "5", MethodSummary: "UPI • a@b"}))
	resp = postJSON(t, ts.URL+"/confirm-payment", api.ConfirmPaymentRequest{Payload: api.PaymentPayload{TransactionID: "tx", Reference: initResp.ReferenceID}})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to verify payment with Developer Portal", decodeBody[api.ConfirmPaymentResponse](t, resp).Error)
}

func TestServer_Prices(t *testing.T) {
	empty := newTestServer(t, &stubPortal{}, pricer.Snapshot{Err: errors.New("coingecko down")})
	resp, err := http.Get(empty.URL + "/prices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	errBody := decodeBody[api.ErrorResponse](t, resp)
	assert.Equal(t, "Failed to fetch prices", errBody.Error)
	assert.Equal(t, "coingecko down", errBody.Message)

	snap := pricer.Snapshot{
		Prices: domain.Prices{domain.AssetWLD: decimal.NewFromInt(350), domain.AssetETH: decimal.NewFromInt(300000)},
		Stale:  true,
		Err:    errors.New("rate limited"),
	}
	ts := newTestServer(t, &stubPortal{}, snap)
	resp2, err := http.Get(ts.URL + "/prices")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	body := decodeBody[map[string]any](t, resp2)
	assert.Equal(t, float64(350), body["WLD"])
	assert.Equal(t, float64(0), body["USDC.e"])
	assert.Equal(t, true, body["stale"])
	assert.Equal(t, "rate limited", body["error"])
}

func TestServer_Balances(t *testing.T) {
	ts := newTestServer(t, &stubPortal{}, pricer.Snapshot{})

	resp, err := http.Get(ts.URL + "/balances?address=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/balances?address=0x06A4A1eA929074790E4E4bE3d8be70d4E4738CC6")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	body := decodeBody[api.BalancesResponse](t, resp2)
	assert.True(t, body.Success)
	assert.Equal(t, "12.5", body.Balances["WLD"])
	assert.Equal(t, "0", body.Balances["ETH"])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, &stubPortal{}, pricer.Snapshot{})

	resp, err := http.Get(ts.URL + "/initiate-pay")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServer_MetricsUseRoutePatterns(t *testing.T) {
	ts := newTestServer(t, &stubPortal{}, pricer.Snapshot{})
	requests := observability.DefaultMetrics.HTTPRequests

	before := testutil.ToFloat64(requests.WithLabelValues("GET /healthz", "200"))
	beforeOther := testutil.ToFloat64(requests.WithLabelValues("other", "404"))

	for _, path := range []string{"/healthz", "/no-such-route/1", "/no-such-route/2"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, before+1, testutil.ToFloat64(requests.WithLabelValues("GET /healthz", "200")))
	assert.Equal(t, beforeOther+2, testutil.ToFloat64(requests.WithLabelValues("other", "404")))
	assert.Zero(t, testutil.ToFloat64(requests.WithLabelValues("/no-such-route/1", "404")))
}
