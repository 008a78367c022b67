package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel/internal/blockchain"
)

// RemoteClient calls the delegated signing service. The service holds the
// keys; we only ever hand it serialized transactions and get signed ones
// back.
type RemoteClient struct {
	baseURL          string
	appID            string
	appSecret        string
	authorizationKey string
	httpClient       *http.Client
}

// NewRemoteClient creates a remote signer client
func NewRemoteClient(baseURL, appID, appSecret, authorizationKey string) *RemoteClient {
	return &RemoteClient{
		baseURL:          baseURL,
		appID:            appID,
		appSecret:        appSecret,
		authorizationKey: authorizationKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type signRequest struct {
	WalletAddress string `json:"wallet_address"`
	Transaction   string `json:"transaction"` // base64, signature slot zeroed
}

type signResponse struct {
	SignedTransaction string `json:"signed_transaction"`
	Error             string `json:"error,omitempty"`
}

// Sign sends a serialized transaction to the remote signer for the given
// wallet and returns the signed base64 form.
func (c *RemoteClient) Sign(ctx context.Context, walletAddress, serializedTx string) (string, error) {
	body, err := json.Marshal(signRequest{
		WalletAddress: walletAddress,
		Transaction:   serializedTx,
	})
	if err != nil {
		return "", blockchain.NewSubmitError(blockchain.FailSignerRejected, err)
	}

	url := fmt.Sprintf("%s/v1/sign", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", blockchain.NewSubmitError(blockchain.FailSignerRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-app-id", c.appID)
	req.Header.Set("x-app-secret", c.appSecret)
	req.Header.Set("Authorization", "Bearer "+c.authorizationKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", blockchain.NewSubmitError(blockchain.FailSignerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", blockchain.NewSubmitError(blockchain.FailSignerUnreachable,
			fmt.Errorf("signer status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", blockchain.NewSubmitError(blockchain.FailSignerRejected,
			fmt.Errorf("signer status %d: %s", resp.StatusCode, string(respBody)))
	}

	var signResp signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signResp); err != nil {
		return "", blockchain.NewSubmitError(blockchain.FailSignerUnreachable, err)
	}
	if signResp.Error != "" {
		return "", blockchain.NewSubmitError(blockchain.FailSignerRejected,
			fmt.Errorf("signer: %s", signResp.Error))
	}

	log.Debug().
		Str("wallet", walletAddress).
		Dur("latency", time.Since(start)).
		Msg("remote signer signed")

	return signResp.SignedTransaction, nil
}

// Ping checks the signing service is reachable
func (c *RemoteClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-app-id", c.appID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("signer health status %d", resp.StatusCode)
	}
	return nil
}
