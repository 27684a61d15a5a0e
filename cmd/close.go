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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/settlement"
	redlock "github.com/blnkfinance/settlement/internal/lock"
	"github.com/blnkfinance/settlement/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// closeCommands runs one close in the foreground and prints the PeriodClosure.
func closeCommands(s *settlementInstance) *cobra.Command {
	var merchantID string
	var estimate bool
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "close",
		Short: "close the settlement period of a merchant",
		Run: func(cmd *cobra.Command, args []string) {
			if estimate {
				fmt.Printf("expected duration: %s\n", s.coordinator.ExpectedDurationFor(merchantID))
				return
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// queued closes for the merchant take the same lock
			ttl := s.cnf.Settlement.CloseTimeout() + time.Minute
			locker := redlock.NewLocker(s.redis, redlock.MerchantLockKey(merchantID), uuid.NewString())
			if err := locker.WaitLock(ctx, ttl, wait); err != nil {
				log.Fatalf("merchant %s is being closed elsewhere: %v", merchantID, err)
			}
			release := settlement.KeepLock(ctx, locker, ttl)

			closure, err := s.coordinator.ClosePeriod(ctx, merchantID)
			release()
			if unlockErr := locker.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
				logrus.WithError(unlockErr).Warn("failed to release merchant lock")
			}
			if err != nil {
				log.Fatalf("close failed: %v", err)
			}

			data, err := json.MarshalIndent(closure, "", "    ")
			if err != nil {
				log.Fatalf("Error printing closure: %v", err)
			}
			fmt.Println(string(data))

			for _, failure := range closure.Failures {
				logrus.WithFields(logrus.Fields{
					"entry_id": failure.EntryID,
					"reason":   failure.Reason,
					"state":    failure.State,
				}).Warn("entry not settled")
			}
			if closure.HasFailures() && needsAttention(closure.Failures) {
				os.Exit(2)
			}
		},
	}

	cmd.Flags().StringVar(&merchantID, "merchant", "", "merchant whose period is closed")
	cmd.Flags().BoolVar(&estimate, "estimate", false, "print the expected duration instead of closing")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for a running close of the merchant")
	_ = cmd.MarkFlagRequired("merchant")

	return cmd
}

func needsAttention(failures []model.SettlementFailure) bool {
	for _, f := range failures {
		if f.Reason.NeedsAttention() {
			return true
		}
	}
	return false
}
