package launchpad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to the launchpad's reward API. Creator rewards accrue on the
// launchpad side per dev wallet; we query what is claimable and ask it to
// build the unsigned claim transaction.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a launchpad API client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ClaimableReward is one mint's pending creator reward for a dev wallet
type ClaimableReward struct {
	Mint     string `json:"mint"`
	Lamports uint64 `json:"lamports"`
}

type claimableResponse struct {
	Rewards []ClaimableReward `json:"rewards"`
	Error   string            `json:"error,omitempty"`
}

// ListClaimable returns pending creator rewards for a dev wallet,
// one entry per mint with a non-zero accrual.
func (c *Client) ListClaimable(ctx context.Context, devWallet string) ([]ClaimableReward, error) {
	url := fmt.Sprintf("%s/v1/rewards/%s", c.baseURL, devWallet)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list claimable failed (%d): %s", resp.StatusCode, string(body))
	}

	var cr claimableResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode claimable: %w", err)
	}
	if cr.Error != "" {
		return nil, fmt.Errorf("launchpad: %s", cr.Error)
	}
	return cr.Rewards, nil
}

// ClaimTx is an unsigned claim transaction built by the launchpad
type ClaimTx struct {
	Transaction          string `json:"transaction"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type buildClaimRequest struct {
	Wallet string   `json:"wallet"`
	Mints  []string `json:"mints"`
}

type buildClaimResponse struct {
	ClaimTx
	Error string `json:"error,omitempty"`
}

// BuildClaimTx asks the launchpad for a fresh unsigned claim transaction
// covering the given mints. Each retry upstream calls this again - the
// blockhash inside is only good for the one attempt.
func (c *Client) BuildClaimTx(ctx context.Context, devWallet string, mints []string) (*ClaimTx, error) {
	body, err := json.Marshal(buildClaimRequest{Wallet: devWallet, Mints: mints})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rewards/claim-tx", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("build claim tx failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var br buildClaimResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("decode claim tx: %w", err)
	}
	if br.Error != "" {
		return nil, fmt.Errorf("launchpad: %s", br.Error)
	}

	log.Debug().
		Str("wallet", devWallet).
		Int("mints", len(mints)).
		Dur("latency", time.Since(start)).
		Msg("claim tx built")

	return &br.ClaimTx, nil
}
