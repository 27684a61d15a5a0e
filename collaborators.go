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
	"time"

	"github.com/blnkfinance/settlement/model"
)

// LedgerSource is the ledger-of-record holding the merchant's entries.
//
// LoadOpenEntries returns an empty slice, not an error, when the merchant has nothing open, and an
// error wrapping model.ErrUnknownMerchant when the merchant does not exist. MarkSettled returns
// errors wrapping model.ErrEntryNotFound or model.ErrAlreadySettled; the latter is treated as success.
type LedgerSource interface {
	LoadOpenEntries(ctx context.Context, merchantID string) ([]model.LedgerEntry, error)
	MarkSettled(ctx context.Context, entryID string, settledAt time.Time) error
}

// TreasuryGateway moves the money for one entry. It may or may not deduplicate repeated calls;
// the coordinator never relies on it doing so.
type TreasuryGateway interface {
	Settle(ctx context.Context, entry model.LedgerEntry) (*model.SettlementReport, error)
}
