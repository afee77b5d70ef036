/*
 * Copyright 2025 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command microbatch runs a streaming query defined in a YAML file against
// a TCP line source and prints emitted rows to the console.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rulego/microbatch"
	"github.com/rulego/microbatch/checkpoint"
	"github.com/rulego/microbatch/logger"
	"github.com/rulego/microbatch/sink"
	"github.com/rulego/microbatch/source"
	"github.com/rulego/microbatch/types"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "microbatch",
		Short:        "Incremental micro-batch stream processing engine",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a query from a YAML definition until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "f", "query.yaml", "query definition file")
	return cmd
}

func runQuery(configPath string) error {
	fc, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if fc.LogLevel != "" {
		switch fc.LogLevel {
		case "debug":
			logger.SetLevel(logger.DEBUG)
		case "warn":
			logger.SetLevel(logger.WARN)
		case "error":
			logger.SetLevel(logger.ERROR)
		default:
			logger.SetLevel(logger.INFO)
		}
	}

	cfg, err := fc.pipelineConfig()
	if err != nil {
		return err
	}
	mode, err := types.ParseOutputMode(fc.Output.Mode)
	if err != nil {
		return err
	}
	trig, err := fc.buildTrigger()
	if err != nil {
		return err
	}
	readTimeout, err := fc.readTimeout()
	if err != nil {
		return err
	}

	var ckpt checkpoint.Store
	if fc.Checkpoint.Path != "" {
		ckpt = checkpoint.NewFileStore(fc.Checkpoint.Path)
	}

	engine := microbatch.New()
	defer engine.Close()

	id, err := engine.StartQuery(microbatch.QuerySpec{
		Pipeline:   cfg,
		Mode:       mode,
		Trigger:    trig,
		Source:     source.NewSocketSource(fc.Source.Host, fc.Source.Port, readTimeout),
		Sink:       sink.NewConsoleSink(nil),
		Checkpoint: ckpt,
	})
	if err != nil {
		return err
	}
	logger.Info("query %s running, press Ctrl+C to stop", id)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		_, werr := engine.AwaitTermination(id, 0)
		done <- werr
	}()

	select {
	case <-sigCh:
		logger.Info("stopping query %s", id)
		if err := engine.StopQuery(id); err != nil {
			return err
		}
		if _, err := engine.AwaitTermination(id, 10*time.Second); err != nil {
			return err
		}
	case err := <-done:
		if err != nil {
			return err
		}
	}

	status, err := engine.QueryStatus(id)
	if err != nil {
		return err
	}
	logger.Info("query %s: state=%s batch=%d rows_emitted=%d malformed=%d",
		status.ID, status.State, status.BatchID, status.RowsEmitted, status.MalformedRows)
	return nil
}
