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


// Package mocks holds testify doubles for the coordinator's collaborators.
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/settlement/model"
	"github.com/stretchr/testify/mock"
)

// MockLedgerSource is a mock implementation of settlement.LedgerSource.
type MockLedgerSource struct {
	mock.Mock
}

func (m *MockLedgerSource) LoadOpenEntries(ctx context.Context, merchantID string) ([]model.LedgerEntry, error) {
	args := m.Called(ctx, merchantID)
	entries, _ := args.Get(0).([]model.LedgerEntry)
	return entries, args.Error(1)
}

func (m *MockLedgerSource) MarkSettled(ctx context.Context, entryID string, settledAt time.Time) error {
	args := m.Called(ctx, entryID, settledAt)
	return args.Error(0)
}

// MockTreasuryGateway is a mock implementation of settlement.TreasuryGateway.
type MockTreasuryGateway struct {
	mock.Mock
}

func (m *MockTreasuryGateway) Settle(ctx context.Context, entry model.LedgerEntry) (*model.SettlementReport, error) {
	args := m.Called(ctx, entry)
	report, _ := args.Get(0).(*model.SettlementReport)
	return report, args.Error(1)
}

// MockMarkerStore is a mock implementation of marker.Store, used to inject marker failures.
type MockMarkerStore struct {
	mock.Mock
}

func (m *MockMarkerStore) Claim(ctx context.Context, merchantID, entryID, runID string, lease time.Duration) (model.Marker, bool, error) {
	args := m.Called(ctx, merchantID, entryID, runID, lease)
	return args.Get(0).(model.Marker), args.Bool(1), args.Error(2)
}

func (m *MockMarkerStore) Settle(ctx context.Context, marker model.Marker) error {
	args := m.Called(ctx, marker)
	return args.Error(0)
}

func (m *MockMarkerStore) Release(ctx context.Context, merchantID, entryID, runID string) error {
	args := m.Called(ctx, merchantID, entryID, runID)
	return args.Error(0)
}

func (m *MockMarkerStore) Clear(ctx context.Context, merchantID, entryID string, retention time.Duration) error {
	args := m.Called(ctx, merchantID, entryID, retention)
	return args.Error(0)
}

func (m *MockMarkerStore) Get(ctx context.Context, merchantID, entryID string) (model.Marker, error) {
	args := m.Called(ctx, merchantID, entryID)
	return args.Get(0).(model.Marker), args.Error(1)
}

func (m *MockMarkerStore) ListSettled(ctx context.Context, olderThan time.Time, limit int) ([]model.Marker, error) {
	args := m.Called(ctx, olderThan, limit)
	markers, _ := args.Get(0).([]model.Marker)
	return markers, args.Error(1)
}
