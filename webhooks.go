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
	"net/http"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/request"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// EventPeriodClosed is published with the PeriodClosure of every completed run.
const EventPeriodClosed = "settlement.period_closed"

// NewWebhook is the body posted to the configured webhook endpoint.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// PublishWebhook matches EventPublisher and notification.WebhookSender.
func PublishWebhook(event string, payload interface{}) error {
	return SendWebhook(NewWebhook{Event: event, Payload: payload})
}

// SendWebhook enqueues a webhook task. It is a no-op when no webhook url is configured.
func SendWebhook(newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	opt, err := RedisConnOpt(conf)
	if err != nil {
		return err
	}
	client := asynq.NewClient(opt)
	defer func() {
		if err := client.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(conf.Queue.WebhookQueue), asynq.MaxRetry(conf.Queue.MaxRetry)}
	task := asynq.NewTask(conf.Queue.WebhookQueue, payload, taskOptions...)
	info, err := client.Enqueue(task)
	if err != nil {
		logrus.WithError(err).WithField("event", newWebhook.Event).Error("failed to enqueue webhook")
		return err
	}
	logrus.WithFields(logrus.Fields{"event": newWebhook.Event, "task_id": info.ID}).Debug("webhook enqueued")
	return nil
}

func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Webhook.Url, data)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	_, err = request.Call(nil, req, nil)
	return err
}

// ProcessWebhook delivers a queued webhook. A failed delivery is returned so asynq retries it.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("failed to decode webhook task")
		return err
	}

	logrus.WithField("event", payload.Event).Info("processing webhook")
	if err := processHTTP(ctx, conf, payload); err != nil {
		logrus.WithError(err).WithField("event", payload.Event).Error("webhook delivery failed")
		return err
	}
	return nil
}
