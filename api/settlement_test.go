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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blnkfinance/settlement"
	apimodel "github.com/blnkfinance/settlement/api/model"
	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/apierror"
	"github.com/blnkfinance/settlement/marker"
	"github.com/blnkfinance/settlement/mocks"
	"github.com/blnkfinance/settlement/model"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	merchantID string
	processAt  time.Time
	err        error
}

func (s *fakeScheduler) EnqueueClosePeriod(_ context.Context, merchantID string, processAt time.Time) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.merchantID = merchantID
	s.processAt = processAt
	return &asynq.TaskInfo{ID: settlement.ClosePeriodTaskID(merchantID, time.Now()), Queue: "settlement:close_period", NextProcessAt: processAt}, nil
}

type testAPI struct {
	router    *gin.Engine
	ledger    *mocks.MockLedgerSource
	treasury  *mocks.MockTreasuryGateway
	markers   *marker.MemoryStore
	scheduler *fakeScheduler
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	config.MockConfig(&config.Configuration{ProjectName: "settlement-test"})

	ta := &testAPI{
		ledger:    new(mocks.MockLedgerSource),
		treasury:  new(mocks.MockTreasuryGateway),
		markers:   marker.NewMemoryStore(),
		scheduler: &fakeScheduler{},
	}
	c := settlement.NewCoordinator(ta.ledger, ta.treasury, ta.markers, settlement.Options{
		CloseTimeout:    5 * time.Second,
		LedgerTimeout:   time.Second,
		TreasuryTimeout: time.Second,
		MarkerTimeout:   time.Second,
	})
	a := NewAPI(c, ta.scheduler)
	require.NotNil(t, a)
	ta.router = a.Router()
	return ta
}

func (ta *testAPI) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var payload *bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		payload = bytes.NewBuffer(b)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func TestClosePeriodEndpoint(t *testing.T) {
	ta := setupAPI(t)
	entry := model.LedgerEntry{ID: "A", MerchantID: "M1", Amount: decimal.RequireFromString("100.00"), Currency: "USD"}
	settledAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	ta.ledger.On("LoadOpenEntries", mock.Anything, "M1").Return([]model.LedgerEntry{entry}, nil)
	ta.treasury.On("Settle", mock.Anything, entry).Return(&model.SettlementReport{
		Amount: entry.Amount, Currency: "USD", SettledAt: settledAt, TreasuryReference: "tr_A",
	}, nil)
	ta.ledger.On("MarkSettled", mock.Anything, "A", mock.MatchedBy(func(at time.Time) bool { return at.Equal(settledAt) })).Return(nil)

	w := ta.do(http.MethodPost, "/merchants/M1/close-period", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var closure model.PeriodClosure
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closure))
	assert.Equal(t, "M1", closure.MerchantID)
	require.Len(t, closure.Reports, 1)
	assert.Equal(t, "A", closure.Reports[0].ID)
	assert.Empty(t, closure.Failures)
	ta.ledger.AssertExpectations(t)
	ta.treasury.AssertExpectations(t)
}

func TestClosePeriodEndpointUnknownMerchant(t *testing.T) {
	ta := setupAPI(t)
	ta.ledger.On("LoadOpenEntries", mock.Anything, "nobody").Return(nil, model.ErrUnknownMerchant)

	w := ta.do(http.MethodPost, "/merchants/nobody/close-period", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	ta.treasury.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything)
}

func TestScheduleClosePeriodEndpoint(t *testing.T) {
	ta := setupAPI(t)
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	w := ta.do(http.MethodPost, "/merchants/M1/close-period/schedule", apimodel.ScheduleClose{ProcessAt: at})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var scheduled apimodel.ScheduledClose
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scheduled))
	assert.Equal(t, "M1", scheduled.MerchantID)
	assert.NotEmpty(t, scheduled.TaskID)
	assert.Equal(t, "M1", ta.scheduler.merchantID)
	assert.True(t, at.Equal(ta.scheduler.processAt))
}

func TestScheduleClosePeriodEndpointConflict(t *testing.T) {
	ta := setupAPI(t)
	ta.scheduler.err = apierror.NewAPIError(apierror.ErrConflict, "already scheduled", nil)

	w := ta.do(http.MethodPost, "/merchants/M1/close-period/schedule", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestScheduleClosePeriodEndpointRejectsFarFuture(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodPost, "/merchants/M1/close-period/schedule", apimodel.ScheduleClose{ProcessAt: time.Now().Add(90 * 24 * time.Hour)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMarkerEndpoint(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodGet, "/merchants/M1/markers/A", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, _, err := ta.markers.Claim(context.Background(), "M1", "A", "run_1", time.Minute)
	require.NoError(t, err)

	w = ta.do(http.MethodGet, "/merchants/M1/markers/A", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var m model.Marker
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, model.MarkerClaimed, m.State)
	assert.Equal(t, "run_1", m.RunID)
}

func TestExpectedDurationEndpoints(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodGet, "/expected-duration", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var global apimodel.ExpectedDuration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &global))
	assert.Greater(t, global.Seconds, 0.0)

	w = ta.do(http.MethodGet, "/merchants/M1/expected-duration", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var merchant apimodel.ExpectedDuration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &merchant))
	assert.Equal(t, "M1", merchant.MerchantID)
}

func TestRecoverEndpoint(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodPost, "/recover", apimodel.RecoverAcknowledgements{ThresholdSeconds: 120})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result settlement.RecoveryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Zero(t, result.Found)

	w = ta.do(http.MethodPost, "/recover", apimodel.RecoverAcknowledgements{ThresholdSeconds: 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ta := setupAPI(t)

	w := ta.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_")
}
