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
	"net/http"
	"time"

	"github.com/blnkfinance/settlement"
	"github.com/blnkfinance/settlement/config"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.ClosePeriodQueue: 3,
		cfg.Queue.WebhookQueue:     1,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := settlement.RedisConnOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      queues,
		// a close skipped because another worker holds the merchant lock is not a failure
		IsFailure: func(err error) bool {
			return !settlement.IsLockHeld(err)
		},
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			if settlement.IsLockHeld(err) {
				return 30 * time.Second
			}
			return asynq.DefaultRetryDelayFunc(n, err, t)
		},
	}), nil
}

func initializeTaskHandlers(s *settlementInstance, mux *asynq.ServeMux) {
	mux.Handle(s.cnf.Queue.ClosePeriodQueue, &settlement.ClosePeriodHandler{
		Coordinator: s.coordinator,
		Redis:       s.redis,
	})
	mux.HandleFunc(s.cnf.Queue.WebhookQueue, settlement.ProcessWebhook)
}

// initializeScheduler registers a recurring close for every configured merchant. It returns nil
// when no schedule is configured.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	if conf.Queue.ScheduleCron == "" || len(conf.Queue.Merchants) == 0 {
		return nil, nil
	}
	if _, err := cron.ParseStandard(conf.Queue.ScheduleCron); err != nil {
		return nil, fmt.Errorf("invalid schedule cron %q: %v", conf.Queue.ScheduleCron, err)
	}

	redisOption, err := settlement.RedisConnOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	scheduler := asynq.NewScheduler(redisOption, &asynq.SchedulerOpts{
		LogLevel: asynq.WarnLevel,
	})

	for _, merchantID := range conf.Queue.Merchants {
		payload, err := json.Marshal(settlement.ClosePeriodPayload{MerchantID: merchantID})
		if err != nil {
			return nil, err
		}
		task := asynq.NewTask(conf.Queue.ClosePeriodQueue, payload,
			asynq.Queue(conf.Queue.ClosePeriodQueue),
			asynq.MaxRetry(conf.Queue.MaxRetry),
			asynq.Unique(conf.Settlement.CloseTimeout()),
		)
		entryID, err := scheduler.Register(conf.Queue.ScheduleCron, task)
		if err != nil {
			return nil, fmt.Errorf("register close for %s: %v", merchantID, err)
		}
		logrus.WithFields(logrus.Fields{"merchant_id": merchantID, "entry_id": entryID}).Info("scheduled recurring close")
	}
	return scheduler, nil
}

func startMonitoring(conf *config.Configuration) {
	redisOption, err := settlement.RedisConnOpt(conf)
	if err != nil {
		log.Printf("monitoring disabled: %v", err)
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Fatalf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands defines the "workers" command. Workers run queued and scheduled closes,
// deliver webhooks and re-drive acknowledgements that a stopped run left behind.
func workerCommands(s *settlementInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start settlement workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			shutdown, err := initializeTracing(ctx, s.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(s.cnf, initializeQueues(s.cnf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(s, mux)

			scheduler, err := initializeScheduler(s.cnf)
			if err != nil {
				log.Fatal(err)
			}
			if scheduler != nil {
				if err := scheduler.Start(); err != nil {
					log.Fatalf("could not start scheduler: %v", err)
				}
				defer scheduler.Shutdown()
			}

			recovery := settlement.NewAcknowledgementRecoveryProcessor(s.coordinator, s.cnf.Settlement)
			recovery.Start(ctx)
			defer recovery.Stop()

			startMonitoring(s.cnf)

			// Run blocks until SIGTERM or SIGINT
			if err := srv.Run(mux); err != nil {
				log.Printf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
