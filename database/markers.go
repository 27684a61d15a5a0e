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

	"github.com/blnkfinance/settlement/model"
	"github.com/pkg/errors"
)

const markerColumns = `merchant_id, entry_id, state, run_id, amount, currency, settled_at, treasury_reference, lease_expires_at, updated_at`

// MarkerStore keeps settlement markers in Postgres. Claims rely on INSERT ... ON CONFLICT so the
// check and the write happen in one statement.
type MarkerStore struct {
	Conn *sql.DB
	now  func() time.Time
}

func NewMarkerStore(conn *sql.DB) *MarkerStore {
	return &MarkerStore{Conn: conn, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarker(row rowScanner) (model.Marker, error) {
	var (
		m         model.Marker
		state     string
		settledAt sql.NullTime
		leaseExp  sql.NullTime
	)
	err := row.Scan(&m.MerchantID, &m.EntryID, &state, &m.RunID, &m.Amount, &m.Currency,
		&settledAt, &m.TreasuryReference, &leaseExp, &m.UpdatedAt)
	if err != nil {
		return model.Marker{}, err
	}
	m.State = model.MarkerState(state)
	if settledAt.Valid {
		m.SettledAt = settledAt.Time
	}
	if leaseExp.Valid {
		m.LeaseExpiresAt = leaseExp.Time
	}
	return m, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *MarkerStore) Claim(ctx context.Context, merchantID, entryID, runID string, lease time.Duration) (model.Marker, bool, error) {
	now := s.now().UTC()
	leaseExpiresAt := now.Add(lease)

	var owner string
	err := s.Conn.QueryRowContext(ctx, `
		INSERT INTO settlement.settlement_markers (merchant_id, entry_id, state, run_id, lease_expires_at, expires_at, updated_at)
		VALUES ($1, $2, 'claimed', $3, $4, $4, $5)
		ON CONFLICT (merchant_id, entry_id) DO UPDATE
		SET state = 'claimed', run_id = EXCLUDED.run_id, amount = 0, currency = '', settled_at = NULL,
			treasury_reference = '', lease_expires_at = EXCLUDED.lease_expires_at,
			expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE settlement_markers.state <> 'settled'
			AND settlement_markers.expires_at IS NOT NULL
			AND settlement_markers.expires_at <= $5
		RETURNING run_id
	`, merchantID, entryID, runID, leaseExpiresAt, now).Scan(&owner)
	if err == nil {
		return model.Marker{
			MerchantID:     merchantID,
			EntryID:        entryID,
			State:          model.MarkerClaimed,
			RunID:          owner,
			LeaseExpiresAt: leaseExpiresAt,
			UpdatedAt:      now,
		}, true, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return model.Marker{}, false, errors.Wrapf(err, "claim marker %s/%s", merchantID, entryID)
	}

	// a settled marker whose acknowledgement lease has passed is handed to this run
	m, err := scanMarker(s.Conn.QueryRowContext(ctx, `
		UPDATE settlement.settlement_markers
		SET run_id = $3, lease_expires_at = $4
		WHERE merchant_id = $1 AND entry_id = $2 AND state = 'settled'
			AND (lease_expires_at IS NULL OR lease_expires_at <= $5)
		RETURNING `+markerColumns+`
	`, merchantID, entryID, runID, leaseExpiresAt, now))
	if err == nil {
		return m, true, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return model.Marker{}, false, errors.Wrapf(err, "resume marker %s/%s", merchantID, entryID)
	}

	existing, err := s.Get(ctx, merchantID, entryID)
	if err != nil {
		return model.Marker{}, false, err
	}
	return existing, false, nil
}

func (s *MarkerStore) Settle(ctx context.Context, m model.Marker) error {
	state := model.MarkerSettled
	if m.State == model.MarkerDisputed {
		state = model.MarkerDisputed
	}
	now := s.now().UTC()
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	// the row is only replaced by the run that owns it, or once an expired claim or tombstone is dead
	result, err := s.Conn.ExecContext(ctx, `
		INSERT INTO settlement.settlement_markers (merchant_id, entry_id, state, run_id, amount, currency, settled_at, treasury_reference, lease_expires_at, expires_at, updated_at)
		VALUES ($1, $2, $9, $3, $4, $5, $6, $7, $10, NULL, $8)
		ON CONFLICT (merchant_id, entry_id) DO UPDATE
		SET state = EXCLUDED.state, run_id = EXCLUDED.run_id, amount = EXCLUDED.amount, currency = EXCLUDED.currency,
			settled_at = EXCLUDED.settled_at, treasury_reference = EXCLUDED.treasury_reference,
			lease_expires_at = EXCLUDED.lease_expires_at, expires_at = NULL, updated_at = EXCLUDED.updated_at
		WHERE (settlement_markers.run_id = EXCLUDED.run_id AND settlement_markers.state IN ('claimed', 'settled'))
			OR (settlement_markers.state <> 'settled' AND settlement_markers.expires_at IS NOT NULL AND settlement_markers.expires_at <= $11)
	`, m.MerchantID, m.EntryID, m.RunID, m.Amount.String(), m.Currency, nullTime(m.SettledAt), m.TreasuryReference, m.UpdatedAt.UTC(), string(state), nullTime(m.LeaseExpiresAt), now)
	if err != nil {
		return errors.Wrapf(err, "settle marker %s/%s", m.MerchantID, m.EntryID)
	}
	written, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "settle marker %s/%s", m.MerchantID, m.EntryID)
	}
	if written == 0 {
		return errors.Wrapf(model.ErrMarkerNotOwned, "settle marker %s/%s", m.MerchantID, m.EntryID)
	}
	return nil
}

func (s *MarkerStore) Release(ctx context.Context, merchantID, entryID, runID string) error {
	_, err := s.Conn.ExecContext(ctx, `
		DELETE FROM settlement.settlement_markers
		WHERE merchant_id = $1 AND entry_id = $2 AND state = 'claimed' AND run_id = $3
	`, merchantID, entryID, runID)
	if err != nil {
		return errors.Wrapf(err, "release marker %s/%s", merchantID, entryID)
	}
	return nil
}

func (s *MarkerStore) Clear(ctx context.Context, merchantID, entryID string, retention time.Duration) error {
	now := s.now().UTC()
	_, err := s.Conn.ExecContext(ctx, `
		INSERT INTO settlement.settlement_markers (merchant_id, entry_id, state, run_id, expires_at, updated_at)
		VALUES ($1, $2, 'acknowledged', '', $3, $4)
		ON CONFLICT (merchant_id, entry_id) DO UPDATE
		SET state = 'acknowledged', lease_expires_at = NULL, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
	`, merchantID, entryID, now.Add(retention), now)
	if err != nil {
		return errors.Wrapf(err, "clear marker %s/%s", merchantID, entryID)
	}
	return nil
}

func (s *MarkerStore) Get(ctx context.Context, merchantID, entryID string) (model.Marker, error) {
	row := s.Conn.QueryRowContext(ctx, `
		SELECT `+markerColumns+`
		FROM settlement.settlement_markers
		WHERE merchant_id = $1 AND entry_id = $2 AND (expires_at IS NULL OR expires_at > $3)
	`, merchantID, entryID, s.now().UTC())

	m, err := scanMarker(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return model.Marker{}, model.ErrMarkerNotFound
	}
	if err != nil {
		return model.Marker{}, errors.Wrapf(err, "get marker %s/%s", merchantID, entryID)
	}
	return m, nil
}

func (s *MarkerStore) ListSettled(ctx context.Context, olderThan time.Time, limit int) ([]model.Marker, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Conn.QueryContext(ctx, `
		SELECT `+markerColumns+`
		FROM settlement.settlement_markers
		WHERE state = 'settled' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list settled markers")
	}
	defer rows.Close()

	markers := []model.Marker{}
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan settled marker")
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate settled markers")
	}
	return markers, nil
}

// PurgeExpired deletes expired claims and tombstones. Postgres has no key expiry of its own.
func (s *MarkerStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.Conn.ExecContext(ctx, `
		DELETE FROM settlement.settlement_markers
		WHERE state <> 'settled' AND expires_at IS NOT NULL AND expires_at <= $1
	`, s.now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purge expired markers")
	}
	return result.RowsAffected()
}
