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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name, e.g. "run_<uuid>".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// LedgerEntry is an unsettled entry owned by the ledger-of-record.
// The coordinator never mutates an entry after it has been fetched.
type LedgerEntry struct {
	ID         string          `json:"id"`
	MerchantID string          `json:"merchant_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

// SettlementReport is produced once per entry that was settled by treasury and acknowledged by the ledger.
type SettlementReport struct {
	ID                string          `json:"id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	SettledAt         time.Time       `json:"settled_at"`
	TreasuryReference string          `json:"treasury_reference,omitempty"`
}

// SettlementFailure records why an open entry did not reach LEDGER_ACKED in a run.
type SettlementFailure struct {
	EntryID string        `json:"entry_id"`
	Reason  FailureReason `json:"reason"`
	State   EntryState    `json:"state"`
	Detail  string        `json:"detail,omitempty"`
}

// PeriodClosure is the result of one ClosePeriod run. Every open entry loaded for the
// run appears in exactly one of Reports or Failures.
type PeriodClosure struct {
	RunID       string              `json:"run_id"`
	MerchantID  string              `json:"merchant_id"`
	Reports     []SettlementReport  `json:"reports"`
	Failures    []SettlementFailure `json:"failures"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

// HasFailures reports whether any entry was left open by the run.
func (p *PeriodClosure) HasFailures() bool {
	return len(p.Failures) > 0
}

// FailureFor returns the failure recorded for entryID, if any.
func (p *PeriodClosure) FailureFor(entryID string) (SettlementFailure, bool) {
	for _, f := range p.Failures {
		if f.EntryID == entryID {
			return f, true
		}
	}
	return SettlementFailure{}, false
}

// ReportFor returns the report recorded for entryID, if any.
func (p *PeriodClosure) ReportFor(entryID string) (SettlementReport, bool) {
	for _, r := range p.Reports {
		if r.ID == entryID {
			return r, true
		}
	}
	return SettlementReport{}, false
}

// TotalsByCurrency sums settled amounts per currency.
func (p *PeriodClosure) TotalsByCurrency() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, r := range p.Reports {
		totals[r.Currency] = totals[r.Currency].Add(r.Amount)
	}
	return totals
}
