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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarkerState is the durable idempotency state of one entry.
type MarkerState string

const (
	// MarkerClaimed: a run owns the entry and may be talking to treasury. Expires with the lease.
	MarkerClaimed MarkerState = "claimed"
	// MarkerSettled: treasury confirmed, ledger acknowledgement pending. Never expires.
	MarkerSettled MarkerState = "settled"
	// MarkerAcknowledged: tombstone left after a successful ledger acknowledgement.
	MarkerAcknowledged MarkerState = "acknowledged"
	// MarkerDisputed: treasury settled an amount that differs from the entry. Never expires and is
	// never acknowledged automatically.
	MarkerDisputed MarkerState = "disputed"
)

// Marker is the idempotency record for one (merchant, entry) pair.
type Marker struct {
	MerchantID        string          `json:"merchant_id"`
	EntryID           string          `json:"entry_id"`
	State             MarkerState     `json:"state"`
	RunID             string          `json:"run_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	SettledAt         time.Time       `json:"settled_at"`
	TreasuryReference string          `json:"treasury_reference,omitempty"`
	LeaseExpiresAt    time.Time       `json:"lease_expires_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Expired reports whether the marker can be taken over by a new claim at now.
// Settled and disputed markers never expire.
func (m Marker) Expired(now time.Time) bool {
	if m.State == MarkerSettled || m.State == MarkerDisputed {
		return false
	}
	return !m.LeaseExpiresAt.IsZero() && !now.Before(m.LeaseExpiresAt)
}

// Resumable reports whether a run may take over a settled marker to finish its acknowledgement.
// A settled marker keeps the lease of the run acknowledging it; until that lease passes the
// marker belongs to that run.
func (m Marker) Resumable(now time.Time) bool {
	return m.State == MarkerSettled && (m.LeaseExpiresAt.IsZero() || !now.Before(m.LeaseExpiresAt))
}

// AwaitingAck reports whether treasury has settled the entry and the ledger has not been told yet.
func (m Marker) AwaitingAck() bool {
	return m.State == MarkerSettled
}

// Report rebuilds the settlement report recorded in a settled marker.
func (m Marker) Report() SettlementReport {
	return SettlementReport{
		ID:                m.EntryID,
		Amount:            m.Amount,
		Currency:          m.Currency,
		SettledAt:         m.SettledAt,
		TreasuryReference: m.TreasuryReference,
	}
}

// NewSettledMarker builds the marker persisted right after treasury confirms a settlement.
func NewSettledMarker(merchantID, runID string, report SettlementReport, now time.Time) Marker {
	return Marker{
		MerchantID:        merchantID,
		EntryID:           report.ID,
		State:             MarkerSettled,
		RunID:             runID,
		Amount:            report.Amount,
		Currency:          report.Currency,
		SettledAt:         report.SettledAt,
		TreasuryReference: report.TreasuryReference,
		UpdatedAt:         now,
	}
}
