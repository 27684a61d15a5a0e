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
	"sync"
	"sync/atomic"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/metrics"
	"github.com/blnkfinance/settlement/internal/notification"
	"github.com/blnkfinance/settlement/model"
	"github.com/sirupsen/logrus"
)

// minRecoveryThreshold keeps recovery away from markers a live run is about to acknowledge.
const minRecoveryThreshold = time.Minute

// markerPurger is implemented by marker stores without native expiry.
type markerPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// RecoveryResult counts what one recovery pass did.
type RecoveryResult struct {
	Found     int `json:"found"`
	Recovered int `json:"recovered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// errMarkerBusy is returned when another run owns the settled marker.
var errMarkerBusy = errors.New("settled marker is owned by a live run")

// AcknowledgementRecoveryProcessor periodically acknowledges settlements whose run stopped
// between the treasury call and the ledger acknowledgement. It never calls treasury.
type AcknowledgementRecoveryProcessor struct {
	coordinator  *Coordinator
	batchSize    int
	maxWorkers   int
	pollInterval time.Duration
	threshold    time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

// NewAcknowledgementRecoveryProcessor creates a processor that sweeps the coordinator's marker store.
//
// Parameters:
// - c *Coordinator: The coordinator whose ledger and markers are used.
// - cfg config.SettlementConfig: Supplies the poll interval, the marker age threshold and the worker count.
//
// Returns:
// - *AcknowledgementRecoveryProcessor: A stopped processor. Call Start to run it.
func NewAcknowledgementRecoveryProcessor(c *Coordinator, cfg config.SettlementConfig) *AcknowledgementRecoveryProcessor {
	maxWorkers := cfg.RecoveryWorkers
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	pollInterval := cfg.RecoveryInterval()
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}

	return &AcknowledgementRecoveryProcessor{
		coordinator:  c,
		batchSize:    maxWorkers * 100,
		maxWorkers:   maxWorkers,
		pollInterval: pollInterval,
		threshold:    cfg.RecoveryThreshold(),
		stopCh:       make(chan struct{}),
	}
}

func (p *AcknowledgementRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Acknowledgement recovery processor started")
}

func (p *AcknowledgementRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Acknowledgement recovery processor stopped")
}

func (p *AcknowledgementRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *AcknowledgementRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Acknowledgement recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Acknowledgement recovery processor stop signal received")
			return
		case <-ticker.C:
			if _, err := p.recoverWithThreshold(ctx, p.threshold); err != nil {
				logrus.Errorf("acknowledgement recovery failed: %v", err)
			}
		}
	}
}

// RecoverAcknowledgements immediately re-drives ledger acknowledgements for settled markers
// older than threshold, using each marker's recorded settlement timestamp. Treasury is never called.
//
// Parameters:
// - ctx context.Context: The context for the pass.
// - threshold time.Duration: The minimum age of a marker before it is recovered. Values below
// the recovery floor are raised to it.
//
// Returns:
// - RecoveryResult: How many markers were found, recovered, skipped and failed.
// - error: An error if the settled markers could not be listed.
func (c *Coordinator) RecoverAcknowledgements(ctx context.Context, threshold time.Duration) (RecoveryResult, error) {
	processor := NewAcknowledgementRecoveryProcessor(c, config.SettlementConfig{})
	return processor.recoverWithThreshold(ctx, threshold)
}

func (p *AcknowledgementRecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) (RecoveryResult, error) {
	if threshold < minRecoveryThreshold {
		threshold = minRecoveryThreshold
	}
	c := p.coordinator

	if purger, ok := c.markers.(markerPurger); ok {
		if n, err := purger.PurgeExpired(ctx); err != nil {
			logrus.WithError(err).Warn("failed to purge expired markers")
		} else if n > 0 {
			logrus.Infof("Purged %d expired settlement markers", n)
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, c.opts.MarkerTimeout)
	pending, err := c.markers.ListSettled(listCtx, c.opts.Clock().Add(-threshold), p.batchSize)
	cancel()
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("list settled markers: %w", err)
	}

	result := RecoveryResult{Found: len(pending)}
	if len(pending) == 0 {
		return result, nil
	}

	logrus.Infof("Recovering %d unacknowledged settlements with %d workers (threshold=%v)", len(pending), p.maxWorkers, threshold)

	var recovered, skipped, failedCount int64
	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup

	for _, m := range pending {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(m model.Marker) {
			defer batchWg.Done()
			defer func() { <-sem }()
			err := c.recoverMarker(ctx, m)
			if errors.Is(err, errMarkerBusy) {
				atomic.AddInt64(&skipped, 1)
				return
			}
			if err != nil {
				atomic.AddInt64(&failedCount, 1)
				metrics.AcknowledgementsRecovered.WithLabelValues("failed").Inc()
				logrus.Errorf("failed to recover acknowledgement of entry %s: %v", m.EntryID, err)
				return
			}
			atomic.AddInt64(&recovered, 1)
			metrics.AcknowledgementsRecovered.WithLabelValues("recovered").Inc()
		}(m)
	}

	batchWg.Wait()
	result.Recovered = int(recovered)
	result.Skipped = int(skipped)
	result.Failed = int(failedCount)
	return result, nil
}

func (c *Coordinator) recoverMarker(ctx context.Context, m model.Marker) error {
	ctx, span := tracer.Start(ctx, "Recovering acknowledgement")
	defer span.End()

	claimCtx, cancel := context.WithTimeout(ctx, c.opts.MarkerTimeout)
	owned, won, err := c.markers.Claim(claimCtx, m.MerchantID, m.EntryID, model.GenerateUUIDWithSuffix("recovery"), c.opts.ClaimLease)
	cancel()
	if err != nil {
		return fmt.Errorf("claim settled marker: %w", err)
	}
	if won && owned.State != model.MarkerSettled {
		// the marker was gone by the time of the claim
		c.release(ctx, &run{id: owned.RunID, merchantID: owned.MerchantID}, model.LedgerEntry{ID: owned.EntryID})
		return errMarkerBusy
	}
	if !won {
		return errMarkerBusy
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	start := time.Now()
	err = c.ledger.MarkSettled(callCtx, owned.EntryID, owned.SettledAt)
	cancel()
	metrics.ObserveCall("ledger", "mark_settled", start, err)

	if err != nil && !errors.Is(err, model.ErrAlreadySettled) {
		span.RecordError(err)
		c.handOver(ctx, owned)
		if errors.Is(err, model.ErrEntryNotFound) {
			notification.NotifyError(fmt.Errorf("settled entry %s of merchant %s no longer exists in the ledger", owned.EntryID, owned.MerchantID))
		}
		return err
	}

	c.clearMarker(ctx, owned.MerchantID, owned.EntryID)
	logrus.WithFields(logrus.Fields{"merchant_id": owned.MerchantID, "entry_id": owned.EntryID, "settled_by": m.RunID}).
		Info("recovered ledger acknowledgement")
	return nil
}
