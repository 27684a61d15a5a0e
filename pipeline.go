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

package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settlement/internal/metrics"
	"github.com/blnkfinance/settlement/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// entryOutcome is the terminal result of one entry's pipeline. Exactly one field is set.
type entryOutcome struct {
	report  *model.SettlementReport
	failure *model.SettlementFailure
}

func failed(entryID string, reason model.FailureReason, state model.EntryState, err error) entryOutcome {
	f := &model.SettlementFailure{EntryID: entryID, Reason: reason, State: state}
	if err != nil {
		f.Detail = err.Error()
	}
	return entryOutcome{failure: f}
}

func contextReason(err error) model.FailureReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ReasonTimeout
	}
	return model.ReasonCancelled
}

// outcomeUnknown reports whether a treasury error leaves it open whether money moved.
func outcomeUnknown(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func integrityError(entry model.LedgerEntry, report model.SettlementReport) error {
	if !report.Amount.Equal(entry.Amount) || report.Currency != entry.Currency {
		return fmt.Errorf("treasury settled %s %s for an entry of %s %s",
			report.Amount.String(), report.Currency, entry.Amount.String(), entry.Currency)
	}
	return nil
}

// settleEntry runs one entry through claim, treasury settlement, marker persistence and
// ledger acknowledgement. The steps never overlap and the marker is durable before the ledger is told.
func (c *Coordinator) settleEntry(ctx context.Context, r *run, entry model.LedgerEntry) entryOutcome {
	ctx, span := tracer.Start(ctx, "Settling entry", trace.WithAttributes(attribute.String("entry.id", entry.ID)))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{"merchant_id": r.merchantID, "run_id": r.id, "entry_id": entry.ID})

	if err := ctx.Err(); err != nil {
		return failed(entry.ID, contextReason(err), model.StateOpen, err)
	}

	if err := entry.Validate(); err != nil {
		log.WithError(err).Warn("entry failed validation")
		return failed(entry.ID, model.ReasonInvalidEntry, model.StateOpen, err)
	}

	// the treasury token is taken before the claim so the claim lease only has to cover the
	// treasury call and marker writes, never the wait for a token
	if err := c.limiter.Wait(ctx); err != nil {
		reason := model.ReasonTimeout
		if ctxErr := ctx.Err(); ctxErr != nil {
			reason = contextReason(ctxErr)
		}
		return failed(entry.ID, reason, model.StateOpen, err)
	}

	existing, claimed, err := c.claim(ctx, r, entry)
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(entry.ID, contextReason(ctxErr), model.StateOpen, err)
		}
		log.WithError(err).Error("failed to claim entry")
		return failed(entry.ID, model.ReasonMarkerStoreFailed, model.StateOpen, err)
	}
	if claimed && existing.State == model.MarkerSettled {
		log.Info("resuming acknowledgement of an earlier treasury settlement")
		return c.acknowledge(ctx, r, entry, existing)
	}
	if !claimed {
		switch existing.State {
		case model.MarkerSettled:
			return failed(entry.ID, model.ReasonInProgress, model.StateTreasurySettled,
				fmt.Errorf("acknowledgement held by run %s until %s", existing.RunID, existing.LeaseExpiresAt.Format(time.RFC3339)))
		case model.MarkerDisputed:
			return failed(entry.ID, model.ReasonAmountMismatch, model.StateIntegrityFailure, integrityError(entry, existing.Report()))
		case model.MarkerAcknowledged:
			return failed(entry.ID, model.ReasonAlreadySettled, model.StateLedgerAcked,
				fmt.Errorf("acknowledged by run %s", existing.RunID))
		default:
			return failed(entry.ID, model.ReasonInProgress, model.StateTreasuryPending,
				fmt.Errorf("claimed by run %s until %s", existing.RunID, existing.LeaseExpiresAt.Format(time.RFC3339)))
		}
	}

	report, err := c.settleAtTreasury(ctx, entry)
	if err != nil {
		span.RecordError(err)
		if outcomeUnknown(err) {
			// the claim is left to lapse so no other run retries before the gateway has given up
			log.WithError(err).Warn("treasury call ended without an answer")
		} else {
			c.release(ctx, r, entry)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(entry.ID, contextReason(ctxErr), model.StateTreasuryPending, err)
		}
		log.WithError(err).Warn("treasury settlement failed")
		return failed(entry.ID, model.ReasonTreasurySettleFailed, model.StateTreasuryFailed, err)
	}

	report.ID = entry.ID
	if report.Currency == "" {
		report.Currency = entry.Currency
	}
	if report.SettledAt.IsZero() {
		report.SettledAt = r.clock.stamp()
	}

	now := c.opts.Clock()
	m := model.NewSettledMarker(r.merchantID, r.id, *report, now)
	mismatch := integrityError(entry, *report)
	if mismatch != nil {
		m.State = model.MarkerDisputed
	} else {
		m.LeaseExpiresAt = now.Add(c.opts.ClaimLease)
	}

	if err := c.persistMarker(ctx, m); err != nil {
		span.RecordError(err)
		if errors.Is(err, model.ErrMarkerNotOwned) {
			log.WithError(err).Error("treasury settled the entry after this run lost its claim")
		} else {
			log.WithError(err).Error("treasury settled the entry but the marker could not be persisted")
		}
		return failed(entry.ID, model.ReasonMarkerPersistFailed, model.StateTreasurySettled, err)
	}

	if mismatch != nil {
		return failed(entry.ID, model.ReasonAmountMismatch, model.StateIntegrityFailure, mismatch)
	}

	return c.acknowledge(ctx, r, entry, m)
}

// acknowledge tells the ledger about a settlement whose marker is already durable and owned by
// this run. When the ledger is not told, the marker is handed back for a later run or recovery.
func (c *Coordinator) acknowledge(ctx context.Context, r *run, entry model.LedgerEntry, m model.Marker) entryOutcome {
	ctx, span := tracer.Start(ctx, "Acknowledging settlement")
	defer span.End()

	report := m.Report()
	if err := integrityError(entry, report); err != nil {
		m.State = model.MarkerDisputed
		c.handOver(ctx, m)
		return failed(entry.ID, model.ReasonAmountMismatch, model.StateIntegrityFailure, err)
	}

	if err := ctx.Err(); err != nil {
		c.handOver(ctx, m)
		return failed(entry.ID, contextReason(err), model.StateTreasurySettled, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	start := time.Now()
	err := c.ledger.MarkSettled(callCtx, entry.ID, report.SettledAt)
	cancel()
	metrics.ObserveCall("ledger", "mark_settled", start, err)

	if err != nil && !errors.Is(err, model.ErrAlreadySettled) {
		span.RecordError(err)
		c.handOver(ctx, m)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(entry.ID, contextReason(ctxErr), model.StateLedgerAckFailed, err)
		}
		return failed(entry.ID, model.ReasonLedgerAckFailed, model.StateLedgerAckFailed, err)
	}

	c.clearMarker(ctx, r.merchantID, entry.ID)
	return entryOutcome{report: &report}
}

func (c *Coordinator) claim(ctx context.Context, r *run, entry model.LedgerEntry) (model.Marker, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.MarkerTimeout)
	defer cancel()

	start := time.Now()
	m, ok, err := c.markers.Claim(ctx, r.merchantID, entry.ID, r.id, c.opts.ClaimLease)
	metrics.ObserveCall("marker", "claim", start, err)
	return m, ok, err
}

func (c *Coordinator) settleAtTreasury(ctx context.Context, entry model.LedgerEntry) (*model.SettlementReport, error) {
	ctx, span := tracer.Start(ctx, "Settling at treasury")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.opts.TreasuryTimeout)
	defer cancel()

	start := time.Now()
	report, err := c.treasury.Settle(callCtx, entry)
	if err == nil && report == nil {
		err = errors.New("treasury returned no settlement report")
	}
	metrics.ObserveCall("treasury", "settle", start, err)
	return report, err
}

// persistMarker writes the settled marker with a few quick retries. It runs detached from the
// run's cancellation: once treasury has paid, the record of it must be written.
func (c *Coordinator) persistMarker(ctx context.Context, m model.Marker) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.MarkerTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.opts.MarkerTimeout
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.opts.MarkerRetries), ctx)

	start := time.Now()
	err := backoff.Retry(func() error {
		err := c.markers.Settle(ctx, m)
		if errors.Is(err, model.ErrMarkerNotOwned) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	metrics.ObserveCall("marker", "settle", start, err)
	return err
}

// handOver drops the acknowledgement lease of a settled marker so the next run can resume it
// without waiting. If the write fails the lease simply runs out.
func (c *Coordinator) handOver(ctx context.Context, m model.Marker) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.MarkerTimeout)
	defer cancel()

	m.LeaseExpiresAt = time.Time{}
	m.UpdatedAt = c.opts.Clock()
	if err := c.markers.Settle(ctx, m); err != nil {
		logrus.WithError(err).WithField("entry_id", m.EntryID).Warn("failed to hand over settled marker")
	}
}

func (c *Coordinator) release(ctx context.Context, r *run, entry model.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.MarkerTimeout)
	defer cancel()

	if err := c.markers.Release(ctx, r.merchantID, entry.ID, r.id); err != nil {
		// the claim lapses with its lease
		logrus.WithError(err).WithField("entry_id", entry.ID).Warn("failed to release claim")
	}
}

func (c *Coordinator) clearMarker(ctx context.Context, merchantID, entryID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.MarkerTimeout)
	defer cancel()

	if err := c.markers.Clear(ctx, merchantID, entryID, c.opts.AckRetention); err != nil {
		// recovery finds the settled marker and gets AlreadySettled from the ledger
		logrus.WithError(err).WithField("entry_id", entryID).Warn("failed to clear settled marker")
	}
}
