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
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/blnkfinance/settlement"
	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/database"
	"github.com/blnkfinance/settlement/internal/cache"
	"github.com/blnkfinance/settlement/internal/notification"
	redis_db "github.com/blnkfinance/settlement/internal/redis-db"
	"github.com/blnkfinance/settlement/ledger"
	"github.com/blnkfinance/settlement/marker"
	"github.com/blnkfinance/settlement/treasury"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Settlement represents the CLI application, encapsulating the root Cobra command.
type Settlement struct {
	cmd *cobra.Command
}

// settlementInstance holds what every command needs once the configuration is loaded.
type settlementInstance struct {
	coordinator *settlement.Coordinator
	redis       redis.UniversalClient
	db          *sql.DB
	cnf         *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// commands that only need the configuration skip wiring the coordinator.
var configOnly = map[string]bool{"config": true, "up": true, "down": true}

func preRun(app *settlementInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if configOnly[cmd.Name()] {
			return nil
		}

		if err := setupSettlement(app); err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}
		return nil
	}
}

// setupSettlement connects the collaborators named in the configuration and builds the coordinator.
func setupSettlement(app *settlementInstance) error {
	cfg := app.cnf

	rdb, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}
	app.redis = rdb.Client()

	if cfg.Ledger.Mode == config.LedgerModePostgres || cfg.Settlement.MarkerStore == config.MarkerStorePostgres {
		db, err := database.GetDBConnection(cfg)
		if err != nil {
			return fmt.Errorf("error getting datasource: %v", err)
		}
		app.db = db
	}

	var source settlement.LedgerSource
	switch cfg.Ledger.Mode {
	case config.LedgerModeHTTP:
		source = ledger.NewClient(cfg.Ledger, &http.Client{})
	default:
		source = database.NewDataSource(app.db, cache.NewCache(app.redis))
	}

	var markers marker.Store
	switch cfg.Settlement.MarkerStore {
	case config.MarkerStorePostgres:
		markers = database.NewMarkerStore(app.db)
	default:
		markers = marker.NewRedisStore(app.redis)
	}

	coordinator := settlement.NewCoordinator(source, treasury.NewClient(cfg.Treasury, &http.Client{}), markers, settlement.OptionsFromConfig(cfg))
	coordinator.SetEventPublisher(settlement.PublishWebhook)
	notification.RegisterWebhookSender(settlement.PublishWebhook)

	app.coordinator = coordinator
	return nil
}

// NewCLI creates the command-line interface for the settlement coordinator.
func NewCLI() *Settlement {
	var configFile string
	s := &settlementInstance{}

	var rootCmd = &cobra.Command{
		Use:   "settlement",
		Short: "Merchant settlement period coordinator",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./settlement.json", "Configuration file for the settlement coordinator")
	rootCmd.PersistentPreRunE = preRun(s, &configFile)

	rootCmd.AddCommand(serverCommands(s))
	rootCmd.AddCommand(workerCommands(s))
	rootCmd.AddCommand(closeCommands(s))
	rootCmd.AddCommand(migrateCommands(s))
	rootCmd.AddCommand(configCommands())

	return &Settlement{cmd: rootCmd}
}

func (s Settlement) executeCLI() {
	if err := s.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
