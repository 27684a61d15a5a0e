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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/settlement/model"
)

// IDataSource is the Postgres side of the ledger-of-record.
type IDataSource interface {
	ledger
	merchant
}

type ledger interface {
	LoadOpenEntries(ctx context.Context, merchantID string) ([]model.LedgerEntry, error) // Unsettled entries of a merchant
	MarkSettled(ctx context.Context, entryID string, settledAt time.Time) error         // Records the settlement timestamp once
}

type merchant interface {
	MerchantExists(ctx context.Context, merchantID string) (bool, error)
}
