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

package marker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/settlement/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFixture struct {
	store   Store
	clock   *fakeClock
	advance func(time.Duration)
}

func memoryFixture(t *testing.T) storeFixture {
	clock := newFakeClock()
	return storeFixture{store: NewMemoryStoreWithClock(clock.Now), clock: clock, advance: clock.Advance}
}

func redisFixture(t *testing.T) storeFixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	return storeFixture{
		store: NewRedisStoreWithClock(client, clock.Now),
		clock: clock,
		advance: func(d time.Duration) {
			clock.Advance(d)
			mr.FastForward(d)
		},
	}
}

func settledReport(id string) model.SettlementReport {
	return model.SettlementReport{
		ID:                id,
		Amount:            decimal.RequireFromString("100.00"),
		Currency:          "USD",
		SettledAt:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		TreasuryReference: "tr_" + id,
	}
}

func runStoreSuite(t *testing.T, newFixture func(t *testing.T) storeFixture) {
	ctx := context.Background()

	t.Run("claim then conflicting claim", func(t *testing.T) {
		f := newFixture(t)
		m, ok, err := f.store.Claim(ctx, "M1", "A", "run_1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, model.MarkerClaimed, m.State)

		existing, ok, err := f.store.Claim(ctx, "M1", "A", "run_2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "run_1", existing.RunID)
		assert.Equal(t, model.MarkerClaimed, existing.State)
	})

	t.Run("expired claim can be taken over", func(t *testing.T) {
		f := newFixture(t)
		_, ok, err := f.store.Claim(ctx, "M1", "A", "run_1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		f.advance(2 * time.Minute)

		m, ok, err := f.store.Claim(ctx, "M1", "A", "run_2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "run_2", m.RunID)
	})

	t.Run("settled marker never expires and is resumed after its lease", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.store.Claim(ctx, "M1", "A", "run_1", time.Minute)
		require.NoError(t, err)
		m := model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now())
		m.LeaseExpiresAt = f.clock.Now().Add(time.Minute)
		require.NoError(t, f.store.Settle(ctx, m))

		existing, ok, err := f.store.Claim(ctx, "M1", "A", "run_2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "the settling run still holds the acknowledgement")
		assert.Equal(t, model.MarkerSettled, existing.State)
		assert.Equal(t, "run_1", existing.RunID)

		f.advance(48 * time.Hour)

		resumed, ok, err := f.store.Claim(ctx, "M1", "A", "run_2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, model.MarkerSettled, resumed.State)
		assert.Equal(t, "run_2", resumed.RunID)
		assert.True(t, resumed.Amount.Equal(decimal.RequireFromString("100.00")))
		assert.True(t, resumed.SettledAt.Equal(settledReport("A").SettledAt))
		assert.Equal(t, "tr_A", resumed.TreasuryReference)

		existing, ok, err = f.store.Claim(ctx, "M1", "A", "run_3", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "run_2", existing.RunID)

		got, err := f.store.Get(ctx, "M1", "A")
		require.NoError(t, err)
		assert.Equal(t, model.MarkerSettled, got.State)
		assert.Equal(t, "run_2", got.RunID)
	})

	t.Run("concurrent resumptions have one winner", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Settle(ctx, model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now())))

		var winners int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m, ok, err := f.store.Claim(ctx, "M1", "A", model.GenerateUUIDWithSuffix("run"), time.Minute)
				assert.NoError(t, err)
				assert.Equal(t, model.MarkerSettled, m.State)
				if ok {
					atomic.AddInt32(&winners, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners)
	})

	t.Run("disputed marker blocks claims and is not pending", func(t *testing.T) {
		f := newFixture(t)
		m := model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now())
		m.State = model.MarkerDisputed
		require.NoError(t, f.store.Settle(ctx, m))

		f.advance(time.Hour)
		existing, ok, err := f.store.Claim(ctx, "M1", "A", "run_2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, model.MarkerDisputed, existing.State)

		settled, err := f.store.ListSettled(ctx, f.clock.Now(), 10)
		require.NoError(t, err)
		assert.Empty(t, settled)
	})

	t.Run("settle is refused once another run owns the entry", func(t *testing.T) {
		f := newFixture(t)
		_, ok, err := f.store.Claim(ctx, "M1", "A", "run_slow", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		f.advance(2 * time.Minute)
		_, ok, err = f.store.Claim(ctx, "M1", "A", "run_fast", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		err = f.store.Settle(ctx, model.NewSettledMarker("M1", "run_slow", settledReport("A"), f.clock.Now()))
		assert.ErrorIs(t, err, model.ErrMarkerNotOwned)

		got, err := f.store.Get(ctx, "M1", "A")
		require.NoError(t, err)
		assert.Equal(t, model.MarkerClaimed, got.State)
		assert.Equal(t, "run_fast", got.RunID)

		require.NoError(t, f.store.Settle(ctx, model.NewSettledMarker("M1", "run_fast", settledReport("A"), f.clock.Now())))
		require.NoError(t, f.store.Clear(ctx, "M1", "A", time.Hour))

		err = f.store.Settle(ctx, model.NewSettledMarker("M1", "run_slow", settledReport("A"), f.clock.Now()))
		assert.ErrorIs(t, err, model.ErrMarkerNotOwned)

		got, err = f.store.Get(ctx, "M1", "A")
		require.NoError(t, err)
		assert.Equal(t, model.MarkerAcknowledged, got.State, "the tombstone survives a stale writer")
	})

	t.Run("settle is refused on a disputed marker", func(t *testing.T) {
		f := newFixture(t)
		m := model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now())
		m.State = model.MarkerDisputed
		require.NoError(t, f.store.Settle(ctx, m))

		err := f.store.Settle(ctx, model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now()))
		assert.ErrorIs(t, err, model.ErrMarkerNotOwned)
	})

	t.Run("release only by owner", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.store.Claim(ctx, "M1", "A", "run_1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, f.store.Release(ctx, "M1", "A", "run_2"))
		_, err = f.store.Get(ctx, "M1", "A")
		require.NoError(t, err)

		require.NoError(t, f.store.Release(ctx, "M1", "A", "run_1"))
		_, err = f.store.Get(ctx, "M1", "A")
		assert.ErrorIs(t, err, model.ErrMarkerNotFound)
	})

	t.Run("release does not drop a settled marker", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Settle(ctx, model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now())))
		require.NoError(t, f.store.Release(ctx, "M1", "A", "run_1"))

		m, err := f.store.Get(ctx, "M1", "A")
		require.NoError(t, err)
		assert.Equal(t, model.MarkerSettled, m.State)
	})

	t.Run("clear leaves a tombstone until retention passes", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Settle(ctx, model.NewSettledMarker("M1", "run_1", settledReport("A"), f.clock.Now())))
		require.NoError(t, f.store.Clear(ctx, "M1", "A", time.Hour))

		existing, ok, err := f.store.Claim(ctx, "M1", "A", "run_2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, model.MarkerAcknowledged, existing.State)

		settled, err := f.store.ListSettled(ctx, f.clock.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, settled)

		f.advance(2 * time.Hour)
		_, ok, err = f.store.Claim(ctx, "M1", "A", "run_3", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("list settled filters by age and limit", func(t *testing.T) {
		f := newFixture(t)
		for _, id := range []string{"A", "B", "C"} {
			require.NoError(t, f.store.Settle(ctx, model.NewSettledMarker("M1", "run_1", settledReport(id), f.clock.Now())))
			f.advance(time.Minute)
		}

		settled, err := f.store.ListSettled(ctx, f.clock.Now().Add(-90*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, settled, 2)
		assert.Equal(t, "A", settled[0].EntryID)
		assert.Equal(t, "B", settled[1].EntryID)

		settled, err = f.store.ListSettled(ctx, f.clock.Now(), 1)
		require.NoError(t, err)
		require.Len(t, settled, 1)
		assert.Equal(t, "A", settled[0].EntryID)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		f := newFixture(t)
		var winners int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, ok, err := f.store.Claim(ctx, "M1", "A", model.GenerateUUIDWithSuffix("run"), time.Minute)
				assert.NoError(t, err)
				if ok {
					atomic.AddInt32(&winners, 1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, memoryFixture)
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, redisFixture)
}
