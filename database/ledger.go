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
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/blnkfinance/settlement/internal/cache"
	"github.com/blnkfinance/settlement/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const merchantCacheTTL = 10 * time.Minute

func merchantCacheKey(merchantID string) string {
	return "settlement:merchant:" + merchantID
}

// MerchantExists checks the merchants table. Known merchants are cached; unknown ones are not,
// so a merchant created after a miss is picked up on the next run.
func (d *Datasource) MerchantExists(ctx context.Context, merchantID string) (bool, error) {
	if d.Cache != nil {
		var exists bool
		err := d.Cache.Get(ctx, merchantCacheKey(merchantID), &exists)
		if err == nil && exists {
			return true, nil
		}
		if err != nil && !stderrors.Is(err, cache.ErrMiss) {
			logrus.WithError(err).Warn("merchant cache lookup failed")
		}
	}

	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM settlement.merchants WHERE merchant_id = $1)
	`, merchantID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check merchant %s", merchantID)
	}

	if exists && d.Cache != nil {
		if err := d.Cache.Set(ctx, merchantCacheKey(merchantID), true, merchantCacheTTL); err != nil {
			logrus.WithError(err).Warn("failed to cache merchant")
		}
	}
	return exists, nil
}

// LoadOpenEntries returns the merchant's entries that have no settlement timestamp, oldest first.
func (d *Datasource) LoadOpenEntries(ctx context.Context, merchantID string) ([]model.LedgerEntry, error) {
	exists, err := d.MerchantExists(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrapf(model.ErrUnknownMerchant, "merchant %s", merchantID)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT entry_id, merchant_id, amount, currency
		FROM settlement.ledger_entries
		WHERE merchant_id = $1 AND settled_at IS NULL
		ORDER BY created_at, entry_id
	`, merchantID)
	if err != nil {
		return nil, errors.Wrap(err, "query open entries")
	}
	defer rows.Close()

	entries := []model.LedgerEntry{}
	for rows.Next() {
		var entry model.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.MerchantID, &entry.Amount, &entry.Currency); err != nil {
			return nil, errors.Wrap(err, "scan open entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate open entries")
	}

	return entries, nil
}

// MarkSettled sets the entry's settlement timestamp. It never overwrites an existing one:
// a second call returns model.ErrAlreadySettled.
func (d *Datasource) MarkSettled(ctx context.Context, entryID string, settledAt time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE settlement.ledger_entries
		SET settled_at = $2
		WHERE entry_id = $1 AND settled_at IS NULL
	`, entryID, settledAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "mark entry %s settled", entryID)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 1 {
		return nil
	}

	var existing sql.NullTime
	err = d.Conn.QueryRowContext(ctx, `
		SELECT settled_at FROM settlement.ledger_entries WHERE entry_id = $1
	`, entryID).Scan(&existing)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(model.ErrEntryNotFound, "entry %s", entryID)
	}
	if err != nil {
		return errors.Wrapf(err, "look up entry %s", entryID)
	}
	return errors.Wrapf(model.ErrAlreadySettled, "entry %s settled at %s", entryID, existing.Time.Format(time.RFC3339))
}
