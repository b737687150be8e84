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

	"github.com/spf13/cobra"

	"lyra/internal/broker"
	"lyra/internal/logger"
	"lyra/internal/worker"
)

var workerConfigPath string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the Lyra analysis worker",
	Long: `Lyra Worker consumes song recognition requests from the work queue,
retrieves track lyrics, runs them through a language model and publishes the
finished analysis back to the gateway through the message broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadWorkerConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		setupLogging(config.Logging.Level, config.Logging.Format, config.Logging.File)

		log := logger.New()
		log.Info().
			Str("config_file", workerConfigPath).
			Str("broker_url", config.Broker.URL).
			Str("lyrics_url", config.Lyrics.URL).
			Str("model", config.AI.Model).
			Msg("Starting Lyra analysis worker")

		bridge := broker.New(broker.Config{
			URL:         config.Broker.URL,
			QueuePrefix: config.Broker.QueuePrefix,
			MaxAttempts: config.Broker.MaxAttempts,
			RetryDelay:  config.GetRetryDelay(),
		})

		engine := worker.NewEngine(
			worker.NewLyricsClient(config.Lyrics.URL),
			worker.NewChatClient(config.AI.BaseURL, config.AI.Model, config.AI.Token),
		)
		w := worker.NewWorker(engine, bridge, config.GetTimeout())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errChan := make(chan error, 1)
		go func() {
			if err := w.Run(ctx, bridge); err != nil {
				errChan <- fmt.Errorf("work consumer error: %w", err)
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

		cancel()
		log.Info().Msg("Worker stopped")
		return nil
	},
}

// loadWorkerConfiguration loads the worker configuration file, falling back
// to defaults when no file is given. Default AI settings carry no token, which
// suits local OpenAI-compatible endpoints; the chat client omits the
// Authorization header when the token is empty.
func loadWorkerConfiguration() (*worker.Config, error) {
	if workerConfigPath == "" {
		return worker.NewDefaultConfig(), nil
	}
	return worker.LoadConfig(workerConfigPath)
}

func init() {
	workerCmd.Flags().StringVarP(&workerConfigPath, "config", "c", "", "path to worker configuration file")
}
