package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// JupiterSource resolves prices from the Jupiter price API
type JupiterSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewJupiterSource creates a Jupiter price source. baseURL defaults to the
// public price API when empty.
func NewJupiterSource(baseURL string, timeout time.Duration) *JupiterSource {
	if baseURL == "" {
		baseURL = "https://api.jup.ag/price/v2"
	}
	return &JupiterSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *JupiterSource) Name() string { return "jupiter" }

// Prices fetches USD prices for the given mints in one call
func (s *JupiterSource) Prices(ctx context.Context, assets []string) (map[string]float64, error) {
	url := fmt.Sprintf("%s?ids=%s", s.baseURL, strings.Join(assets, ","))
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("price request failed (%d): %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data map[string]*struct {
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}

	prices := make(map[string]float64, len(parsed.Data))
	for mint, d := range parsed.Data {
		if d == nil {
			continue
		}
		p, err := strconv.ParseFloat(d.Price, 64)
		if err != nil {
			continue
		}
		prices[mint] = p
	}
	return prices, nil
}
