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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/settlement/internal/apierror"
	redlock "github.com/blnkfinance/settlement/internal/lock"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ClosePeriodHandler runs queued close-period tasks. A merchant lock keeps two workers from
// closing the same merchant at once; the marker store would keep them safe anyway, the lock
// only saves the duplicate treasury and ledger round trips.
type ClosePeriodHandler struct {
	Coordinator *Coordinator
	Redis       redis.UniversalClient
	LockTTL     time.Duration
}

// ProcessTask implements asynq.Handler.
func (h *ClosePeriodHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload ClosePeriodPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode close period task: %v: %w", err, asynq.SkipRetry)
	}

	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = h.Coordinator.opts.CloseTimeout + time.Minute
	}
	locker := redlock.NewLocker(h.Redis, redlock.MerchantLockKey(payload.MerchantID), uuid.NewString())
	if err := locker.Lock(ctx, ttl); err != nil {
		// retried by asynq once the running close finishes
		return err
	}
	stop := KeepLock(ctx, locker, ttl)
	defer func() {
		stop()
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			logrus.WithError(err).WithField("merchant_id", payload.MerchantID).Warn("failed to release merchant lock")
		}
	}()

	closure, err := h.Coordinator.ClosePeriod(ctx, payload.MerchantID)
	if err != nil {
		switch apierror.CodeOf(err) {
		case apierror.ErrNotFound, apierror.ErrInvalidInput:
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"merchant_id": payload.MerchantID,
		"run_id":      closure.RunID,
		"settled":     len(closure.Reports),
		"failed":      len(closure.Failures),
	})
	if closure.HasFailures() {
		log.Warn("queued close finished with failures")
		return nil
	}
	log.Info("queued close finished")
	return nil
}

// KeepLock extends locker by ttl every third of ttl until the returned stop is called.
func KeepLock(ctx context.Context, locker *redlock.Locker, ttl time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := locker.ExtendLock(ctx, ttl); err != nil {
					logrus.WithError(err).Warn("failed to extend merchant lock")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// IsLockHeld reports whether err came from a merchant lock held by another worker.
func IsLockHeld(err error) bool {
	return errors.Is(err, redlock.ErrLockHeld)
}
