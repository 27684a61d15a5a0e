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

package marker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blnkfinance/settlement/model"
)

type memoryKey struct {
	merchantID string
	entryID    string
}

type memoryRecord struct {
	marker    model.Marker
	expiresAt time.Time
}

// MemoryStore keeps markers in process. It is used by tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	now     Clock
	records map[memoryKey]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now Clock) *MemoryStore {
	return &MemoryStore{now: now, records: make(map[memoryKey]memoryRecord)}
}

// live returns the record for key unless its retention has passed. Caller holds mu.
func (s *MemoryStore) live(key memoryKey, now time.Time) (memoryRecord, bool) {
	rec, ok := s.records[key]
	if !ok {
		return rec, false
	}
	if !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt) {
		delete(s.records, key)
		return rec, false
	}
	return rec, true
}

func (s *MemoryStore) Claim(_ context.Context, merchantID, entryID, runID string, lease time.Duration) (model.Marker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := memoryKey{merchantID, entryID}
	if rec, ok := s.live(key, now); ok {
		switch {
		case rec.marker.Resumable(now):
			m := resumed(rec.marker, runID, lease, now)
			s.records[key] = memoryRecord{marker: m}
			return m, true, nil
		case rec.marker.State != model.MarkerClaimed || !rec.marker.Expired(now):
			return rec.marker, false, nil
		}
	}

	m := claimed(merchantID, entryID, runID, lease, now)
	s.records[key] = memoryRecord{marker: m, expiresAt: m.LeaseExpiresAt}
	return m, true, nil
}

func (s *MemoryStore) Settle(_ context.Context, m model.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := memoryKey{m.MerchantID, m.EntryID}
	if rec, ok := s.live(key, now); ok && !ownedBy(rec.marker, m.RunID) {
		return model.ErrMarkerNotOwned
	}

	m.State = settleState(m)
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	s.records[key] = memoryRecord{marker: m}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, merchantID, entryID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{merchantID, entryID}
	rec, ok := s.live(key, s.now())
	if ok && rec.marker.State == model.MarkerClaimed && rec.marker.RunID == runID {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, merchantID, entryID string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := memoryKey{merchantID, entryID}
	rec, ok := s.live(key, now)
	if !ok {
		rec.marker = model.Marker{MerchantID: merchantID, EntryID: entryID}
	}
	s.records[key] = memoryRecord{marker: acknowledged(rec.marker, now), expiresAt: now.Add(retention)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, merchantID, entryID string) (model.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(memoryKey{merchantID, entryID}, s.now())
	if !ok {
		return model.Marker{}, model.ErrMarkerNotFound
	}
	return rec.marker, nil
}

func (s *MemoryStore) ListSettled(_ context.Context, olderThan time.Time, limit int) ([]model.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var settled []model.Marker
	for _, rec := range s.records {
		if rec.marker.State == model.MarkerSettled && rec.marker.UpdatedAt.Before(olderThan) {
			settled = append(settled, rec.marker)
		}
	}
	sort.SliceStable(settled, func(i, j int) bool {
		return settled[i].UpdatedAt.Before(settled[j].UpdatedAt)
	})
	if limit > 0 && len(settled) > limit {
		settled = settled[:limit]
	}
	return settled, nil
}
