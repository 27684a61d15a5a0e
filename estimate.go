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
	"math"
	"sync"
	"time"
)

// ewmaWeight is the share of a new sample in the running latency averages.
const ewmaWeight = 0.2

// estimator predicts how long a ClosePeriod run takes from the backlog it will see and the
// latencies observed so far.
type estimator struct {
	mu           sync.Mutex
	concurrency  int
	rps          float64
	ceiling      time.Duration
	entryLatency time.Duration
	loadLatency  time.Duration
	backlog      map[string]int
}

func newEstimator(concurrency int, rps float64, entryLatency, ceiling time.Duration) *estimator {
	return &estimator{
		concurrency:  concurrency,
		rps:          rps,
		ceiling:      ceiling,
		entryLatency: entryLatency,
		loadLatency:  entryLatency / 4,
		backlog:      make(map[string]int),
	}
}

func ewma(current, sample time.Duration) time.Duration {
	return time.Duration((1-ewmaWeight)*float64(current) + ewmaWeight*float64(sample))
}

func (e *estimator) observeEntry(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entryLatency = ewma(e.entryLatency, d)
}

func (e *estimator) observeLoad(merchantID string, openEntries int, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLatency = ewma(e.loadLatency, d)
	e.backlog[merchantID] = openEntries
}

// estimate returns the load latency plus the longer of the worker-bound and rate-bound
// processing times for n entries, capped at the run timeout. Caller holds mu.
func (e *estimator) estimate(n int) time.Duration {
	waves := int(math.Ceil(float64(n) / float64(e.concurrency)))
	processing := time.Duration(waves) * e.entryLatency
	if e.rps > 0 {
		rateBound := time.Duration(float64(n) / e.rps * float64(time.Second))
		if rateBound > processing {
			processing = rateBound
		}
	}

	d := e.loadLatency + processing
	if e.ceiling > 0 && d > e.ceiling {
		d = e.ceiling
	}
	return d
}

// expected uses the largest backlog seen. Before any run it assumes one full wave of entries.
func (e *estimator) expected() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.backlog) == 0 {
		return e.estimate(e.concurrency)
	}
	largest := 0
	for _, n := range e.backlog {
		if n > largest {
			largest = n
		}
	}
	return e.estimate(largest)
}

func (e *estimator) expectedFor(merchantID string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.backlog[merchantID]
	if !ok {
		n = e.concurrency
	}
	return e.estimate(n)
}
