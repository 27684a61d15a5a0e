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
	"embed"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/apierror"
	"github.com/blnkfinance/settlement/internal/metrics"
	"github.com/blnkfinance/settlement/internal/notification"
	"github.com/blnkfinance/settlement/marker"
	"github.com/blnkfinance/settlement/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("Settlement coordinator")

// EventPublisher delivers a coordinator event such as EventPeriodClosed.
type EventPublisher func(event string, payload interface{}) error

// Options tunes a Coordinator. Zero values take the defaults of config.SettlementConfig.
type Options struct {
	Concurrency           int
	CloseTimeout          time.Duration
	LedgerTimeout         time.Duration
	TreasuryTimeout       time.Duration
	MarkerTimeout         time.Duration
	ClaimLease            time.Duration
	AckRetention          time.Duration
	TreasuryRPS           float64
	TreasuryBurst         int
	EstimatedEntryLatency time.Duration
	MarkerRetries         uint64

	// Clock is used for run bookkeeping and fallback settlement timestamps.
	Clock func() time.Time
}

// OptionsFromConfig maps the loaded configuration onto coordinator options.
func OptionsFromConfig(cfg *config.Configuration) Options {
	return Options{
		Concurrency:           cfg.Settlement.Concurrency,
		CloseTimeout:          cfg.Settlement.CloseTimeout(),
		LedgerTimeout:         cfg.Ledger.Timeout(),
		TreasuryTimeout:       cfg.Treasury.Timeout(),
		MarkerTimeout:         cfg.Settlement.MarkerTimeout(),
		ClaimLease:            cfg.Settlement.ClaimLease(),
		AckRetention:          cfg.Settlement.AckRetention(),
		TreasuryRPS:           cfg.Treasury.RequestsPerSecond,
		TreasuryBurst:         cfg.Treasury.Burst,
		EstimatedEntryLatency: cfg.Settlement.EstimatedEntryLatency(),
	}
}

func (o *Options) addDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Minute
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = 10 * time.Second
	}
	if o.TreasuryTimeout <= 0 {
		o.TreasuryTimeout = 30 * time.Second
	}
	if o.MarkerTimeout <= 0 {
		o.MarkerTimeout = 5 * time.Second
	}
	// a lease outlives the longest remote call plus the marker writes around it. The treasury
	// token is taken before the claim, so rate limiting never eats into it.
	if minLease := max(o.TreasuryTimeout, o.LedgerTimeout) + 2*o.MarkerTimeout + 5*time.Second; o.ClaimLease < minLease {
		o.ClaimLease = minLease
	}
	if o.AckRetention <= 0 {
		o.AckRetention = 72 * time.Hour
	}
	if o.TreasuryRPS > 0 && o.TreasuryBurst <= 0 {
		o.TreasuryBurst = 1
	}
	if o.EstimatedEntryLatency <= 0 {
		o.EstimatedEntryLatency = 2 * time.Second
	}
	if o.MarkerRetries == 0 {
		o.MarkerRetries = 3
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Coordinator closes settlement periods. It is safe for concurrent use; overlapping runs for the
// same merchant are kept apart by the marker store.
type Coordinator struct {
	ledger    LedgerSource
	treasury  TreasuryGateway
	markers   marker.Store
	opts      Options
	limiter   *rate.Limiter
	estimator *estimator
	publish   EventPublisher
}

// NewCoordinator wires the collaborators of a coordinator and applies option defaults.
//
// Parameters:
// - ledger LedgerSource: The ledger-of-record that lists open entries and takes acknowledgements.
// - treasury TreasuryGateway: The gateway that moves funds for each entry.
// - markers marker.Store: The durable store of claims and settled markers.
// - opts Options: Tuning for concurrency, timeouts, leases and the treasury rate.
//
// Returns:
// - *Coordinator: A coordinator ready to close periods.
func NewCoordinator(ledger LedgerSource, treasury TreasuryGateway, markers marker.Store, opts Options) *Coordinator {
	opts.addDefaults()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.TreasuryRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.TreasuryRPS), opts.TreasuryBurst)
	}

	return &Coordinator{
		ledger:    ledger,
		treasury:  treasury,
		markers:   markers,
		opts:      opts,
		limiter:   limiter,
		estimator: newEstimator(opts.Concurrency, opts.TreasuryRPS, opts.EstimatedEntryLatency, opts.CloseTimeout),
	}
}

// SetEventPublisher sets where period-closed events go. Without one, no events are sent.
func (c *Coordinator) SetEventPublisher(publish EventPublisher) {
	c.publish = publish
}

// ClosePeriod settles every open entry of merchantID and acknowledges it to the ledger.
// Per-entry problems never fail the call: each loaded entry ends up in exactly one of the
// closure's Reports or Failures.
//
// Parameters:
// - ctx context.Context: Cancelling it stops the run; entries not yet finished become failures.
// - merchantID string: The merchant whose period is closed. Surrounding whitespace is ignored.
//
// Returns:
// - *model.PeriodClosure: The reports in settlement order and the failures of the run.
// - error: An apierror when the merchant id is invalid, the merchant is unknown, or the open
// entries cannot be loaded.
func (c *Coordinator) ClosePeriod(ctx context.Context, merchantID string) (*model.PeriodClosure, error) {
	merchantID = strings.TrimSpace(merchantID)
	ctx, span := tracer.Start(ctx, "Closing settlement period", trace.WithAttributes(attribute.String("merchant.id", merchantID)))
	defer span.End()

	if err := model.ValidateMerchantID(merchantID); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	r := newRun(merchantID, c.opts.Clock)
	span.AddEvent("Run started", trace.WithAttributes(attribute.String("run.id", r.id)))
	closure := &model.PeriodClosure{
		RunID:      r.id,
		MerchantID: merchantID,
		Reports:    []model.SettlementReport{},
		Failures:   []model.SettlementFailure{},
		StartedAt:  r.startedAt,
	}

	runCtx, cancel := context.WithTimeout(ctx, c.opts.CloseTimeout)
	defer cancel()

	entries, err := c.loadEntries(runCtx, merchantID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, model.ErrUnknownMerchant) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "merchant not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "failed to load open entries", err)
	}

	log := logrus.WithFields(logrus.Fields{"merchant_id": merchantID, "run_id": r.id})
	if len(entries) == 0 {
		closure.CompletedAt = c.opts.Clock()
		log.Info("no open entries to settle")
		return closure, nil
	}

	log.Infof("closing period for %d open entries with %d workers", len(entries), c.opts.Concurrency)
	outcomes := c.process(runCtx, r, entries)

	for _, o := range outcomes {
		if o.report != nil {
			closure.Reports = append(closure.Reports, *o.report)
			metrics.RecordEntry(metrics.OutcomeSettled)
			continue
		}
		closure.Failures = append(closure.Failures, *o.failure)
		metrics.RecordEntry(string(o.failure.Reason))
		notification.AlertSettlementFailure(merchantID, r.id, *o.failure)
	}

	// reports are returned in settlement order
	sort.SliceStable(closure.Reports, func(i, j int) bool {
		return closure.Reports[i].SettledAt.Before(closure.Reports[j].SettledAt)
	})

	closure.CompletedAt = c.opts.Clock()
	metrics.RunDuration.Observe(closure.CompletedAt.Sub(closure.StartedAt).Seconds())
	log.WithFields(logrus.Fields{
		"settled": len(closure.Reports),
		"failed":  len(closure.Failures),
	}).Info("period closed")
	span.AddEvent("Period closed", trace.WithAttributes(
		attribute.Int("settled", len(closure.Reports)),
		attribute.Int("failed", len(closure.Failures)),
	))

	c.publishClosure(closure)
	return closure, nil
}

// loadEntries fetches the open entries under the ledger timeout and drops repeated ids, so each
// entry id is processed by at most one worker of the run.
func (c *Coordinator) loadEntries(ctx context.Context, merchantID string) ([]model.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "Loading open entries")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.opts.LedgerTimeout)
	defer cancel()

	start := time.Now()
	entries, err := c.ledger.LoadOpenEntries(callCtx, merchantID)
	metrics.ObserveCall("ledger", "load_open_entries", start, err)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(entries))
	unique := make([]model.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.ID]; ok {
			logrus.WithFields(logrus.Fields{"merchant_id": merchantID, "entry_id": entry.ID}).Warn("ledger returned a duplicate open entry")
			continue
		}
		seen[entry.ID] = struct{}{}
		if entry.MerchantID == "" {
			entry.MerchantID = merchantID
		}
		unique = append(unique, entry)
	}

	c.estimator.observeLoad(merchantID, len(unique), time.Since(start))
	return unique, nil
}

func (c *Coordinator) publishClosure(closure *model.PeriodClosure) {
	if c.publish == nil {
		return
	}
	if err := c.publish(EventPeriodClosed, closure); err != nil {
		logrus.WithError(err).WithField("run_id", closure.RunID).Error("failed to publish period closed event")
	}
}

// ExpectedDuration estimates the wall time of one ClosePeriod run for the largest backlog seen
// recently. Schedulers use it to size their windows.
//
// Returns:
// - time.Duration: The estimate, never longer than the run timeout.
func (c *Coordinator) ExpectedDuration() time.Duration {
	d := c.estimator.expected()
	metrics.ExpectedDuration.Set(d.Seconds())
	return d
}

// ExpectedDurationFor estimates the wall time of the next ClosePeriod run for merchantID.
func (c *Coordinator) ExpectedDurationFor(merchantID string) time.Duration {
	return c.estimator.expectedFor(merchantID)
}

// Marker returns the settlement marker recorded for an entry.
func (c *Coordinator) Marker(ctx context.Context, merchantID, entryID string) (model.Marker, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.MarkerTimeout)
	defer cancel()

	m, err := c.markers.Get(ctx, merchantID, entryID)
	if errors.Is(err, model.ErrMarkerNotFound) {
		return model.Marker{}, apierror.NewAPIError(apierror.ErrNotFound, "marker not found", nil)
	}
	if err != nil {
		return model.Marker{}, apierror.NewAPIError(apierror.ErrUnavailable, "failed to read marker", err)
	}
	return m, nil
}
