package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const DefaultDevPortalURL = "https://developer.worldcoin.org"

// PortalTransaction is the Developer Portal view of a mini-app payment.
type PortalTransaction struct {
	TransactionID   string `json:"transaction_id"`
	TransactionHash string `json:"transaction_hash"`
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	From            string `json:"from"`
	Chain           string `json:"chain"`
}

// Settled reports whether the payment reached the chain.
func (t PortalTransaction) Settled() bool {
	return t.Status == "mined" || t.Status == "confirmed"
}

// DevPortal queries payment status from the World Developer Portal.
type DevPortal struct {
	baseURL    string
	appID      string
	apiKey     string
	httpClient *http.Client
}

func NewDevPortal(baseURL, appID, apiKey string) *DevPortal {
	if baseURL == "" {
		baseURL = DefaultDevPortalURL
	}
	return &DevPortal{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Transaction fetches the payment by the signer-issued transaction id.
func (c *DevPortal) Transaction(ctx context.Context, transactionID string) (PortalTransaction, error) {
	endpoint := fmt.Sprintf("%s/api/v2/minikit/transaction/%s?app_id=%s&type=payment",
		c.baseURL, url.PathEscape(transactionID), url.QueryEscape(c.appID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PortalTransaction{}, errors.Wrap(err, "failed to create portal request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PortalTransaction{}, errors.Wrap(err, "failed to query developer portal")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return PortalTransaction{}, errors.Errorf("developer portal returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tx PortalTransaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return PortalTransaction{}, errors.Wrap(err, "failed to decode portal transaction")
	}
	return tx, nil
}
