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
	"sync"
	"time"

	"github.com/blnkfinance/settlement/model"
)

// run carries the identity and clock of one ClosePeriod call.
type run struct {
	id         string
	merchantID string
	startedAt  time.Time
	clock      *runClock
}

func newRun(merchantID string, now func() time.Time) *run {
	clock := &runClock{now: now}
	return &run{
		id:         model.GenerateUUIDWithSuffix("run"),
		merchantID: merchantID,
		startedAt:  now(),
		clock:      clock,
	}
}

// runClock hands out settlement timestamps that never go backwards within a run.
type runClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *runClock) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
