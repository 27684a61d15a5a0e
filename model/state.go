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

// EntryState is the position of a single entry in the settlement pipeline.
type EntryState string

const (
	StateOpen             EntryState = "OPEN"
	StateTreasuryPending  EntryState = "TREASURY_PENDING"
	StateTreasurySettled  EntryState = "TREASURY_SETTLED"
	StateLedgerAcked      EntryState = "LEDGER_ACKED"
	StateTreasuryFailed   EntryState = "TREASURY_FAILED"
	StateLedgerAckFailed  EntryState = "LEDGER_ACK_FAILED"
	StateIntegrityFailure EntryState = "INTEGRITY_FAILED"
)

// FailureReason is the machine readable cause attached to a SettlementFailure.
type FailureReason string

const (
	ReasonTreasurySettleFailed FailureReason = "treasury-settle-failed"
	ReasonLedgerAckFailed      FailureReason = "ledger-ack-failed"
	ReasonAmountMismatch       FailureReason = "amount-mismatch"
	ReasonTimeout              FailureReason = "timeout"
	ReasonCancelled            FailureReason = "cancelled"
	ReasonInvalidEntry         FailureReason = "invalid-entry"
	ReasonInProgress           FailureReason = "settlement-in-progress"
	ReasonAlreadySettled       FailureReason = "already-settled"
	ReasonMarkerStoreFailed    FailureReason = "marker-store-failed"
	ReasonMarkerPersistFailed  FailureReason = "marker-persist-failed"
)

// Retryable reports whether a later run can pick the entry up again on its own.
// marker-persist-failed needs an operator: treasury has paid but nothing durable says so.
func (r FailureReason) Retryable() bool {
	switch r {
	case ReasonMarkerPersistFailed, ReasonAmountMismatch, ReasonInvalidEntry:
		return false
	}
	return true
}

// NeedsAttention reports whether the failure should page an operator.
func (r FailureReason) NeedsAttention() bool {
	switch r {
	case ReasonLedgerAckFailed, ReasonAmountMismatch, ReasonMarkerPersistFailed:
		return true
	}
	return false
}
