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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blnkfinance/settlement"
	"github.com/blnkfinance/settlement/api"
	"github.com/blnkfinance/settlement/config"
	trace "github.com/blnkfinance/settlement/internal/traces"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownGrace = 15 * time.Second

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, "SETTLEMENT")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// startServer serves router until SIGINT or SIGTERM, then drains in-flight requests.
func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on http://localhost:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logrus.Infof("received %s, shutting down server", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return server.Shutdown(ctx)
}

/*
serverCommands returns the Cobra command that starts the HTTP API. Scheduled closes are
enqueued on the close-period queue and run by the workers.
*/
func serverCommands(s *settlementInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the settlement API server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			shutdown, err := initializeTracing(ctx, s.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			queue, err := settlement.NewQueue(s.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer queue.Close()

			a := api.NewAPI(s.coordinator, queue)
			if a == nil {
				log.Fatal("config not loaded")
			}

			if err := startServer(a.Router(), s.cnf.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
