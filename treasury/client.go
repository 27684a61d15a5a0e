/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/


// Package treasury is the HTTP client for the treasury gateway that moves money for a settled entry.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/request"
	"github.com/blnkfinance/settlement/model"
	"github.com/shopspring/decimal"
)

type settleRequest struct {
	EntryID    string          `json:"entry_id"`
	MerchantID string          `json:"merchant_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type settleResponse struct {
	ID        string          `json:"id"`
	EntryID   string          `json:"entry_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	SettledAt *time.Time      `json:"settled_at"`
	Reference string          `json:"reference"`
}

// Client settles one ledger entry per call. It sends an Idempotency-Key but the coordinator
// does not rely on the gateway honouring it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for cfg. A nil httpClient gets one with no timeout of its own;
// callers bound each call through the context.
func NewClient(cfg config.TreasuryConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseUrl, "/"),
		apiKey:     cfg.ApiKey,
		httpClient: httpClient,
	}
}

// IdempotencyKey is the key sent with every settlement of an entry.
func IdempotencyKey(entry model.LedgerEntry) string {
	return fmt.Sprintf("settle:%s:%s", entry.MerchantID, entry.ID)
}

// Settle asks the gateway to settle entry. Declined transfers map to model.ErrInsufficientFunds
// and rail outages to model.ErrRailUnavailable.
func (c *Client) Settle(ctx context.Context, entry model.LedgerEntry) (*model.SettlementReport, error) {
	req, err := request.NewJSONRequest(ctx, http.MethodPost, c.baseURL+"/settlements", settleRequest{
		EntryID:    entry.ID,
		MerchantID: entry.MerchantID,
		Amount:     entry.Amount,
		Currency:   entry.Currency,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Idempotency-Key", IdempotencyKey(entry))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var resp settleResponse
	_, err = request.Call(c.httpClient, req, &resp)
	if err != nil {
		return nil, mapError(entry.ID, err)
	}

	if resp.Status != "" && !strings.EqualFold(resp.Status, "settled") {
		return nil, fmt.Errorf("treasury returned status %q for entry %s", resp.Status, entry.ID)
	}

	report := &model.SettlementReport{
		ID:                entry.ID,
		Amount:            resp.Amount,
		Currency:          resp.Currency,
		TreasuryReference: resp.Reference,
	}
	if report.TreasuryReference == "" {
		report.TreasuryReference = resp.ID
	}
	if resp.SettledAt != nil {
		report.SettledAt = resp.SettledAt.UTC()
	}
	return report, nil
}

func mapError(entryID string, err error) error {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) {
		return fmt.Errorf("treasury settle %s: %w", entryID, err)
	}

	switch statusErr.StatusCode {
	case http.StatusPaymentRequired:
		return fmt.Errorf("entry %s: %w", entryID, model.ErrInsufficientFunds)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("entry %s: %w: %s", entryID, model.ErrRailUnavailable, statusErr.Body)
	}
	return fmt.Errorf("treasury settle %s: %w", entryID, statusErr)
}
