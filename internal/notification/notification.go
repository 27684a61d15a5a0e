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

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/request"
	"github.com/blnkfinance/settlement/model"
	"github.com/sirupsen/logrus"
)

// EventEntryFailed is published for every entry that needs an operator.
const EventEntryFailed = "settlement.entry_failed"

// WebhookSender publishes an event to the configured webhook endpoint.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender sets the sender used for failure events. The root package registers
// its queue backed sender at startup; without one, alerts only go to logs and Slack.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func currentSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

// FailureAlert is the payload sent for a settlement failure.
type FailureAlert struct {
	MerchantID string                  `json:"merchant_id"`
	RunID      string                  `json:"run_id"`
	Failure    model.SettlementFailure `json:"failure"`
	Time       time.Time               `json:"time"`
}

// SlackNotification posts err to the configured Slack webhook.
func SlackNotification(err error) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Error From Settlement 🐞",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Error:*\n%v"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, jsonEscape(err.Error()), time.Now().Format(time.RFC822)))

	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := request.NewJSONRequest(ctx, http.MethodPost, conf.Notification.Slack.WebhookUrl, &data)
	if err != nil {
		logrus.Error(err)
		return
	}

	_, err = request.Call(nil, req, nil)
	if err != nil {
		logrus.WithError(err).Error("failed to send slack notification")
	}
}

// NotifyError logs systemError and forwards it to Slack when configured. It never blocks the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Error(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}

// AlertSettlementFailure reports a failure that needs an operator: a settled but unacknowledged
// entry, an amount mismatch, or a treasury settlement with no durable marker.
// Failures that a later run retries on its own are only logged.
func AlertSettlementFailure(merchantID, runID string, failure model.SettlementFailure) {
	entry := logrus.WithFields(logrus.Fields{
		"merchant_id": merchantID,
		"run_id":      runID,
		"entry_id":    failure.EntryID,
		"reason":      failure.Reason,
		"state":       failure.State,
	})

	if !failure.Reason.NeedsAttention() {
		entry.Warn("entry left open")
		return
	}

	entry.Error(failure.Detail)
	NotifyError(fmt.Errorf("settlement of entry %s for merchant %s needs attention: %s (%s)",
		failure.EntryID, merchantID, failure.Reason, failure.Detail))

	sender := currentSender()
	if sender == nil {
		return
	}
	alert := FailureAlert{MerchantID: merchantID, RunID: runID, Failure: failure, Time: time.Now().UTC()}
	if err := sender(EventEntryFailed, alert); err != nil {
		entry.WithError(err).Error("failed to publish failure webhook")
	}
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
