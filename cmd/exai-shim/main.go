// Copyright 2025 Tom Barlow
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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/exai-toolbridge/internal/daemonconfig"
	"github.com/tombee/exai-toolbridge/internal/lifecycle"
	"github.com/tombee/exai-toolbridge/internal/obslog"
	"github.com/tombee/exai-toolbridge/internal/shim"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "exai-shim",
		Short: "stdio MCP bridge to the exai tool-orchestration daemon",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		daemonURL string
		token     string
		binary    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stdio MCP loop, bridging to the WS daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(daemonURL, token, binary)
		},
	}

	cmd.Flags().StringVar(&daemonURL, "daemon-url", "", "Daemon WS URL, default ws://<EXAI_WS_HOST>:<EXAI_WS_PORT>/ws")
	cmd.Flags().StringVar(&token, "token", "", "Auth token, overrides EXAI_WS_TOKEN")
	cmd.Flags().StringVar(&binary, "daemon-binary", "exai-wsd", "Daemon binary to autostart if unreachable")

	return cmd
}

func runServe(daemonURL, token, binary string) error {
	logger := obslog.New(obslog.FromEnv())

	cfg, err := daemonconfig.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load config", obslog.Error(err))
		os.Exit(1)
	}
	if token == "" {
		token = cfg.AuthToken
	}
	if daemonURL == "" {
		daemonURL = fmt.Sprintf("ws://%s:%d/ws", cfg.Host, cfg.Port)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := shim.NewClient(shim.ClientConfig{URL: daemonURL, Token: token, Logger: logger, Timeouts: cfg.Timeouts})
	if err := client.Connect(ctx); err != nil {
		if !cfg.Autostart {
			logger.Error("daemon unreachable and autostart disabled", obslog.Error(err))
			os.Exit(1)
		}
		if err := autostartDaemon(logger, cfg, binary); err != nil {
			logger.Error("failed to autostart daemon", obslog.Error(err))
			os.Exit(1)
		}
		if err := client.ConnectWithRetry(ctx); err != nil {
			logger.Error("daemon unreachable after retries", obslog.Error(err))
			os.Exit(1)
		}
	}
	defer client.Close()

	bridge := shim.New(shim.Config{Name: "exai", Version: version, Logger: logger}, client)
	bridge.LogProgress()
	if err := bridge.RegisterTools(ctx); err != nil {
		logger.Error("failed to register tools", obslog.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := bridge.Run(ctx); err != nil {
		logger.Error("shim stdio loop exited with error", obslog.Error(err))
		os.Exit(1)
	}
	return nil
}

// autostartDaemon spawns the daemon binary detached and waits for its
// health endpoint to come up before returning.
func autostartDaemon(logger *slog.Logger, cfg daemonconfig.Config, binary string) error {
	spawner := lifecycle.NewSpawner()
	daemonLog := filepath.Join(cfg.LogDir, "ws_daemon.autostart.log")
	pid, err := spawner.SpawnDetached(binary, []string{"serve"}, daemonLog)
	if err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	logger.Info("autostarted daemon", obslog.Int("pid", pid))

	endpoint := fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)
	checker := lifecycle.NewHealthChecker(endpoint)
	return checker.WaitUntilHealthy(10 * time.Second)
}

func newStatusCommand() *cobra.Command {
	var logDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the daemon's last-written health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(logDir)
		},
	}
	cmd.Flags().StringVar(&logDir, "log-dir", "", "Daemon log directory, default EXAI_LOG_DIR or config default")
	return cmd
}

func runStatus(logDir string) error {
	if logDir == "" {
		cfg, err := daemonconfig.LoadFromEnv()
		if err != nil {
			return err
		}
		logDir = cfg.LogDir
	}
	path := filepath.Join(logDir, "ws_daemon.health.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("daemon health file not found, daemon may not be running")
			os.Exit(1)
		}
		return err
	}
	var snapshot map[string]any
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse health file: %w", err)
	}
	pretty, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("exai-shim %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
