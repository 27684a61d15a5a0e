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


// Package marker holds the durable idempotency records that stop an entry from being settled twice.
//
// A marker moves through three states. A run first claims the entry with a lease; a claim that is
// not turned into a settled marker before the lease runs out can be taken over. Once treasury has
// confirmed, the marker is rewritten as settled and never expires on its own. A settled marker
// still carries the lease of the run acknowledging it; once that lease passes, Claim hands the
// marker to the next run so exactly one run at a time acknowledges it. After the ledger
// acknowledges, the marker becomes an acknowledged tombstone kept for a retention window so that
// runs working from a stale list of open entries do not settle the entry again. A settled
// marker whose amount disagrees with the entry is kept as disputed and is never claimed again.
package marker

import (
	"context"
	"time"

	"github.com/blnkfinance/settlement/model"
)

// Store is implemented by every marker backend.
type Store interface {
	// Claim atomically takes ownership of an entry for runID. A free entry gets a new claimed
	// marker; a resumable settled marker is handed to runID with a fresh lease and returned with
	// its settled state. Otherwise the live marker is returned with false.
	Claim(ctx context.Context, merchantID, entryID, runID string, lease time.Duration) (model.Marker, bool, error)

	// Settle persists a settled or disputed marker, replacing the claim. The marker's
	// LeaseExpiresAt is kept as the acknowledgement lease; a zero lease leaves it resumable at
	// once. Only settled markers are returned by ListSettled.
	//
	// The write only lands when no marker exists or the stored marker is a claim or settled
	// marker owned by m.RunID. Otherwise it returns model.ErrMarkerNotOwned.
	Settle(ctx context.Context, m model.Marker) error

	// Release drops a claim owned by runID so a later run can retry. Releasing a marker held by
	// another run, or one that is already settled, is a no-op.
	Release(ctx context.Context, merchantID, entryID, runID string) error

	// Clear turns the marker into an acknowledged tombstone that lives for retention.
	Clear(ctx context.Context, merchantID, entryID string, retention time.Duration) error

	// Get returns the marker for an entry or model.ErrMarkerNotFound.
	Get(ctx context.Context, merchantID, entryID string) (model.Marker, error)

	// ListSettled returns up to limit settled markers last updated before olderThan, oldest first.
	ListSettled(ctx context.Context, olderThan time.Time, limit int) ([]model.Marker, error)
}

func settleState(m model.Marker) model.MarkerState {
	if m.State == model.MarkerDisputed {
		return model.MarkerDisputed
	}
	return model.MarkerSettled
}

// ownedBy reports whether a stored marker may be overwritten by a Settle from runID.
func ownedBy(current model.Marker, runID string) bool {
	if current.RunID != runID {
		return false
	}
	return current.State == model.MarkerClaimed || current.State == model.MarkerSettled
}

// Clock returns the current time. Stores take one so tests can move leases forward.
type Clock func() time.Time

func acknowledged(m model.Marker, now time.Time) model.Marker {
	m.State = model.MarkerAcknowledged
	m.LeaseExpiresAt = time.Time{}
	m.UpdatedAt = now
	return m
}

func resumed(m model.Marker, runID string, lease time.Duration, now time.Time) model.Marker {
	m.RunID = runID
	m.LeaseExpiresAt = now.Add(lease)
	return m
}

func claimed(merchantID, entryID, runID string, lease time.Duration, now time.Time) model.Marker {
	return model.Marker{
		MerchantID:     merchantID,
		EntryID:        entryID,
		State:          model.MarkerClaimed,
		RunID:          runID,
		LeaseExpiresAt: now.Add(lease),
		UpdatedAt:      now,
	}
}
