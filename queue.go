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

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/apierror"
	redis_db "github.com/blnkfinance/settlement/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue enqueues close-period and webhook tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cfg       config.QueueConfig
}

// ClosePeriodPayload is the body of a close-period task.
type ClosePeriodPayload struct {
	MerchantID  string    `json:"merchant_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// RedisConnOpt converts the configured Redis DSN into asynq connection options.
func RedisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue connects a Queue to the configured Redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisConnOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		cfg:       conf.Queue,
	}, nil
}

func (q *Queue) Close() error {
	return errors.Join(q.Client.Close(), q.Inspector.Close())
}

// ClosePeriodTaskID names the close of merchantID for the UTC day of at. A second enqueue for
// the same merchant and day is rejected while the first task is retained.
func ClosePeriodTaskID(merchantID string, at time.Time) string {
	return fmt.Sprintf("close_period:%s:%s", merchantID, at.UTC().Format("2006-01-02"))
}

// EnqueueClosePeriod schedules an asynchronous close for merchantID at processAt, or now when
// processAt is zero or in the past.
func (q *Queue) EnqueueClosePeriod(ctx context.Context, merchantID string, processAt time.Time) (*asynq.TaskInfo, error) {
	ctx, span := tracer.Start(ctx, "Enqueueing close period")
	defer span.End()

	now := time.Now()
	if processAt.IsZero() || processAt.Before(now) {
		processAt = now
	}

	payload, err := json.Marshal(ClosePeriodPayload{MerchantID: merchantID, RequestedAt: now.UTC()})
	if err != nil {
		return nil, err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(ClosePeriodTaskID(merchantID, processAt)),
		asynq.Queue(q.cfg.ClosePeriodQueue),
		asynq.MaxRetry(q.cfg.MaxRetry),
		asynq.ProcessAt(processAt),
		asynq.Retention(24 * time.Hour),
	}
	task := asynq.NewTask(q.cfg.ClosePeriodQueue, payload, taskOptions...)

	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "a close for this merchant is already scheduled for that day", nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"merchant_id": merchantID, "task_id": info.ID}).Info("enqueued close period")
	return info, nil
}
