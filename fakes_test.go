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
	"fmt"
	"sync"
	"time"

	"github.com/blnkfinance/settlement/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// fakeLedger is an in-memory ledger-of-record. Acknowledged entries drop out of the open list.
type fakeLedger struct {
	mu        sync.Mutex
	merchants map[string][]model.LedgerEntry
	acked     map[string]time.Time
	loadErr   error
	markErr   func(entryID string, attempt int) error
	markCalls map[string]int
	loadCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		merchants: make(map[string][]model.LedgerEntry),
		acked:     make(map[string]time.Time),
		markCalls: make(map[string]int),
	}
}

func (l *fakeLedger) add(merchantID string, entries ...model.LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		e.MerchantID = merchantID
		l.merchants[merchantID] = append(l.merchants[merchantID], e)
	}
}

func (l *fakeLedger) LoadOpenEntries(_ context.Context, merchantID string) ([]model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadCalls++

	if l.loadErr != nil {
		return nil, l.loadErr
	}
	entries, ok := l.merchants[merchantID]
	if !ok {
		return nil, fmt.Errorf("merchant %s: %w", merchantID, model.ErrUnknownMerchant)
	}
	open := []model.LedgerEntry{}
	for _, e := range entries {
		if _, done := l.acked[e.ID]; !done {
			open = append(open, e)
		}
	}
	return open, nil
}

func (l *fakeLedger) MarkSettled(_ context.Context, entryID string, settledAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markCalls[entryID]++

	if l.markErr != nil {
		if err := l.markErr(entryID, l.markCalls[entryID]); err != nil {
			return err
		}
	}
	if _, done := l.acked[entryID]; done {
		return model.ErrAlreadySettled
	}
	l.acked[entryID] = settledAt
	return nil
}

func (l *fakeLedger) ackedAt(entryID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.acked[entryID]
	return t, ok
}

func (l *fakeLedger) marks(entryID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markCalls[entryID]
}

func (l *fakeLedger) totalMarks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.markCalls {
		n += c
	}
	return n
}

// fakeTreasury settles every entry at its own amount unless settle is set.
type fakeTreasury struct {
	mu     sync.Mutex
	calls  map[string]int
	total  int
	delay  time.Duration
	settle func(ctx context.Context, entry model.LedgerEntry, n int) (*model.SettlementReport, error)
}

func newFakeTreasury() *fakeTreasury {
	return &fakeTreasury{calls: make(map[string]int)}
}

func (t *fakeTreasury) Settle(ctx context.Context, entry model.LedgerEntry) (*model.SettlementReport, error) {
	t.mu.Lock()
	t.calls[entry.ID]++
	t.total++
	n := t.total
	settle := t.settle
	delay := t.delay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if settle != nil {
		return settle(ctx, entry, n)
	}
	return &model.SettlementReport{
		ID:                entry.ID,
		Amount:            entry.Amount,
		Currency:          entry.Currency,
		SettledAt:         baseTime.Add(time.Duration(n) * time.Second),
		TreasuryReference: "tr_" + entry.ID,
	}, nil
}

func (t *fakeTreasury) callsFor(entryID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[entryID]
}

func (t *fakeTreasury) totalCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// movingClock is shared by coordinators and marker stores so tests can push leases past expiry.
type movingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMovingClock(start time.Time) *movingClock {
	return &movingClock{now: start}
}

func (c *movingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func entry(id, amount, currency string) model.LedgerEntry {
	return model.LedgerEntry{ID: id, Amount: decimal.RequireFromString(amount), Currency: currency}
}

// randomEntries builds n valid entries with distinct ids.
func randomEntries(n int) []model.LedgerEntry {
	currencies := []string{"USD", "EUR", "GBP", "NGN"}
	entries := make([]model.LedgerEntry, n)
	for i := range entries {
		cents := gofakeit.IntRange(1, 1_000_000)
		entries[i] = model.LedgerEntry{
			ID:       fmt.Sprintf("entry_%d_%s", i, gofakeit.LetterN(6)),
			Amount:   decimal.New(int64(cents), -2),
			Currency: currencies[gofakeit.IntRange(0, len(currencies)-1)],
		}
	}
	return entries
}

func testOptions() Options {
	return Options{
		Concurrency:     3,
		CloseTimeout:    5 * time.Second,
		LedgerTimeout:   time.Second,
		TreasuryTimeout: time.Second,
		MarkerTimeout:   time.Second,
		MarkerRetries:   1,
	}
}
