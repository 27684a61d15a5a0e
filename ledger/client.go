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


// Package ledger is the HTTP client for a remote ledger-of-record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/request"
	"github.com/blnkfinance/settlement/model"
)

type openEntriesResponse struct {
	Entries []model.LedgerEntry `json:"entries"`
}

type markSettledRequest struct {
	SettledAt time.Time `json:"settled_at"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.LedgerConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseUrl, "/"),
		apiKey:     cfg.ApiKey,
		httpClient: httpClient,
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

// LoadOpenEntries fetches the merchant's unsettled entries. A 404 means the ledger does not know the merchant.
func (c *Client) LoadOpenEntries(ctx context.Context, merchantID string) ([]model.LedgerEntry, error) {
	endpoint := fmt.Sprintf("%s/merchants/%s/entries?status=open", c.baseURL, url.PathEscape(merchantID))
	req, err := request.NewJSONRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	var resp openEntriesResponse
	_, err = request.Call(c.httpClient, req, &resp)
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("merchant %s: %w", merchantID, model.ErrUnknownMerchant)
		}
		return nil, fmt.Errorf("load open entries for %s: %w", merchantID, err)
	}

	entries := resp.Entries
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	for i := range entries {
		if entries[i].MerchantID == "" {
			entries[i].MerchantID = merchantID
		}
	}
	return entries, nil
}

// MarkSettled records settledAt against the entry. 404 maps to model.ErrEntryNotFound and
// 409 to model.ErrAlreadySettled.
func (c *Client) MarkSettled(ctx context.Context, entryID string, settledAt time.Time) error {
	endpoint := fmt.Sprintf("%s/entries/%s/settle", c.baseURL, url.PathEscape(entryID))
	req, err := request.NewJSONRequest(ctx, http.MethodPost, endpoint, markSettledRequest{SettledAt: settledAt.UTC()})
	if err != nil {
		return err
	}
	c.authorize(req)

	_, err = request.Call(c.httpClient, req, nil)
	if err == nil {
		return nil
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("entry %s: %w", entryID, model.ErrEntryNotFound)
		case http.StatusConflict:
			return fmt.Errorf("entry %s: %w", entryID, model.ErrAlreadySettled)
		}
	}
	return fmt.Errorf("mark entry %s settled: %w", entryID, err)
}
