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
	"errors"
	"net/http"
	"testing"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/model"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
)

func TestRegisterWebhookSender_ReplacesPrevious(t *testing.T) {
	defer RegisterWebhookSender(nil)

	callCount := 0
	RegisterWebhookSender(func(event string, payload interface{}) error {
		callCount = 1
		return nil
	})
	RegisterWebhookSender(func(event string, payload interface{}) error {
		callCount = 2
		return nil
	})

	_ = currentSender()("test.event", nil)
	assert.Equal(t, 2, callCount)
}

func TestAlertSettlementFailure_PublishesWhenAttentionNeeded(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	defer RegisterWebhookSender(nil)

	var capturedEvent string
	var capturedPayload interface{}
	RegisterWebhookSender(func(event string, payload interface{}) error {
		capturedEvent = event
		capturedPayload = payload
		return nil
	})

	failure := model.SettlementFailure{EntryID: "A", Reason: model.ReasonLedgerAckFailed, State: model.StateLedgerAckFailed, Detail: "ledger down"}
	AlertSettlementFailure("M1", "run_1", failure)

	assert.Equal(t, EventEntryFailed, capturedEvent)
	alert, ok := capturedPayload.(FailureAlert)
	assert.True(t, ok)
	assert.Equal(t, "M1", alert.MerchantID)
	assert.Equal(t, "run_1", alert.RunID)
	assert.Equal(t, failure, alert.Failure)
}

func TestAlertSettlementFailure_SkipsRetryableFailures(t *testing.T) {
	defer RegisterWebhookSender(nil)

	called := false
	RegisterWebhookSender(func(event string, payload interface{}) error {
		called = true
		return errors.New("should not be called")
	})

	AlertSettlementFailure("M1", "run_1", model.SettlementFailure{EntryID: "B", Reason: model.ReasonTreasurySettleFailed})
	assert.False(t, called)
}

func TestSlackNotification(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{Slack: config.SlackWebhook{WebhookUrl: "https://hooks.slack.test/T000"}},
	})

	httpmock.RegisterResponder(http.MethodPost, "https://hooks.slack.test/T000",
		httpmock.NewStringResponder(http.StatusOK, `{"ok":true}`))

	SlackNotification(errors.New(`entry "A" failed`))

	assert.GreaterOrEqual(t, httpmock.GetCallCountInfo()["POST https://hooks.slack.test/T000"], 1)
}

func TestJsonEscape(t *testing.T) {
	assert.Equal(t, `a \"quoted\"\nline`, jsonEscape("a \"quoted\"\nline"))
}
