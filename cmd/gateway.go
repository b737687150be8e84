// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lyra/internal/broker"
	"lyra/internal/cache"
	"lyra/internal/gateway"
	"lyra/internal/logger"
)

var gatewayConfigPath string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the Lyra gateway daemon",
	Long: `Lyra Gateway is a daemon service that accepts song recognition requests
over websocket connections. Cached results are answered immediately; everything
else is dispatched to the analysis worker through the message broker, and
results are pushed back to connected clients as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadGatewayConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		setupLogging(config.Logging.Level, config.Logging.Format, config.Logging.File)

		log := logger.New()
		log.Info().
			Str("config_file", gatewayConfigPath).
			Str("address", config.Server.Address).
			Str("broker_url", config.Broker.URL).
			Str("cache_path", config.Cache.Path).
			Str("log_level", config.Logging.Level).
			Msg("Starting Lyra gateway daemon")

		store, err := cache.NewSQLiteStore(config.Cache.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize result store")
			return fmt.Errorf("failed to initialize result store: %w", err)
		}

		resultCache, err := cache.New(store, config.Cache.MemoryEntries)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to initialize result cache: %w", err)
		}
		defer resultCache.Close()

		bridge := broker.New(broker.Config{
			URL:         config.Broker.URL,
			QueuePrefix: config.Broker.QueuePrefix,
			MaxAttempts: config.Broker.MaxAttempts,
			RetryDelay:  config.GetRetryDelay(),
		})

		server := gateway.NewServer(config, resultCache, bridge)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errChan := make(chan error, 2)

		go func() {
			if err := server.Start(); err != nil {
				errChan <- fmt.Errorf("websocket server error: %w", err)
			}
		}()

		go func() {
			if err := server.ConsumeResults(ctx); err != nil {
				errChan <- fmt.Errorf("result consumer error: %w", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case err := <-errChan:
			log.Error().Err(err).Msg("Service error")
			return err
		}

		log.Info().Msg("Shutting down gateway services")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping websocket server")
		}

		log.Info().Msg("Gateway daemon stopped")
		return nil
	},
}

// loadGatewayConfiguration loads the gateway configuration file, falling
// back to defaults when no file is given
func loadGatewayConfiguration() (*gateway.Config, error) {
	if gatewayConfigPath == "" {
		return gateway.NewDefaultConfig(), nil
	}
	return gateway.LoadConfig(gatewayConfigPath)
}

// setupLogging configures the logger based on configuration. The
// --verbose flag wins over the configured level.
func setupLogging(level, format, file string) {
	logger.SetOutput(file, format)
	if verbose {
		level = "debug"
	}
	logger.SetLevel(level)
}

func init() {
	gatewayCmd.Flags().StringVarP(&gatewayConfigPath, "config", "c", "", "path to gateway configuration file")
}
