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
	"sync"
	"time"

	"github.com/blnkfinance/settlement/model"
)

// process runs the entries through a pool of at most Concurrency workers. Outcomes keep the
// order of entries. Entries still waiting for a worker when ctx ends are failed with the
// context's reason and never touch a collaborator.
func (c *Coordinator) process(ctx context.Context, r *run, entries []model.LedgerEntry) []entryOutcome {
	outcomes := make([]entryOutcome, len(entries))

	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup

	for i, entry := range entries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			reason := contextReason(ctx.Err())
			for j := i; j < len(entries); j++ {
				outcomes[j] = failed(entries[j].ID, reason, model.StateOpen, ctx.Err())
			}
			wg.Wait()
			return outcomes
		}

		wg.Add(1)
		go func(i int, entry model.LedgerEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			outcomes[i] = c.settleEntry(ctx, r, entry)
			c.estimator.observeEntry(time.Since(start))
		}(i, entry)
	}

	wg.Wait()
	return outcomes
}
