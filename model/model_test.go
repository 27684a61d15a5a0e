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
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestLedgerEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   LedgerEntry
		wantErr bool
	}{
		{"valid usd", LedgerEntry{ID: "e1", Amount: decimal.RequireFromString("100.00"), Currency: "USD"}, false},
		{"valid jpy", LedgerEntry{ID: "e2", Amount: decimal.RequireFromString("1500"), Currency: "JPY"}, false},
		{"valid kwd", LedgerEntry{ID: "e3", Amount: decimal.RequireFromString("1.125"), Currency: "KWD"}, false},
		{"missing id", LedgerEntry{Amount: decimal.RequireFromString("1.00"), Currency: "USD"}, true},
		{"lowercase currency", LedgerEntry{ID: "e4", Amount: decimal.RequireFromString("1.00"), Currency: "usd"}, true},
		{"zero amount", LedgerEntry{ID: "e5", Amount: decimal.Zero, Currency: "USD"}, true},
		{"sub minor unit", LedgerEntry{ID: "e6", Amount: decimal.RequireFromString("1.001"), Currency: "USD"}, true},
		{"fractional yen", LedgerEntry{ID: "e7", Amount: decimal.RequireFromString("10.5"), Currency: "JPY"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMerchantID(t *testing.T) {
	assert.Error(t, ValidateMerchantID(""))
	assert.NoError(t, ValidateMerchantID("M1"))
}

func TestMarkerExpired(t *testing.T) {
	now := time.Now()

	claimed := Marker{State: MarkerClaimed, LeaseExpiresAt: now.Add(time.Minute)}
	assert.False(t, claimed.Expired(now))
	assert.True(t, claimed.Expired(now.Add(2*time.Minute)))

	settled := Marker{State: MarkerSettled, LeaseExpiresAt: now.Add(-time.Hour)}
	assert.False(t, settled.Expired(now), "settled markers never expire")
	assert.True(t, settled.AwaitingAck())

	assert.True(t, settled.Resumable(now))
	acking := Marker{State: MarkerSettled, LeaseExpiresAt: now.Add(time.Minute)}
	assert.False(t, acking.Resumable(now))
	assert.True(t, acking.Resumable(now.Add(time.Minute)))
	assert.False(t, claimed.Resumable(now.Add(time.Hour)))

	disputed := Marker{State: MarkerDisputed}
	assert.False(t, disputed.Expired(now.Add(24*time.Hour)))
	assert.False(t, disputed.AwaitingAck())
}

func TestMarkerReportRoundTrip(t *testing.T) {
	settledAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	report := SettlementReport{ID: "A", Amount: decimal.RequireFromString("100.00"), Currency: "USD", SettledAt: settledAt, TreasuryReference: "tr_1"}

	m := NewSettledMarker("M1", "run_1", report, settledAt)
	assert.Equal(t, MarkerSettled, m.State)
	assert.Equal(t, "A", m.EntryID)

	got := m.Report()
	assert.True(t, got.Amount.Equal(report.Amount))
	assert.Equal(t, settledAt, got.SettledAt)
	assert.Equal(t, "tr_1", got.TreasuryReference)
}

func TestPeriodClosureLookups(t *testing.T) {
	p := PeriodClosure{
		Reports: []SettlementReport{
			{ID: "A", Amount: decimal.RequireFromString("100.00"), Currency: "USD"},
			{ID: "B", Amount: decimal.RequireFromString("50.00"), Currency: "EUR"},
			{ID: "C", Amount: decimal.RequireFromString("0.50"), Currency: "USD"},
		},
		Failures: []SettlementFailure{{EntryID: "D", Reason: ReasonTreasurySettleFailed}},
	}

	assert.True(t, p.HasFailures())
	f, ok := p.FailureFor("D")
	assert.True(t, ok)
	assert.Equal(t, ReasonTreasurySettleFailed, f.Reason)

	_, ok = p.ReportFor("D")
	assert.False(t, ok)

	totals := p.TotalsByCurrency()
	assert.True(t, totals["USD"].Equal(decimal.RequireFromString("100.50")))
	assert.True(t, totals["EUR"].Equal(decimal.RequireFromString("50")))
}

func TestFailureReasonClassification(t *testing.T) {
	assert.True(t, ReasonTreasurySettleFailed.Retryable())
	assert.True(t, ReasonLedgerAckFailed.Retryable())
	assert.False(t, ReasonMarkerPersistFailed.Retryable())
	assert.True(t, ReasonLedgerAckFailed.NeedsAttention())
	assert.False(t, ReasonTimeout.NeedsAttention())
}
