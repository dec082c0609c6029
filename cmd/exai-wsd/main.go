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
	"github.com/tombee/exai-toolbridge/internal/provider"
	"github.com/tombee/exai-toolbridge/internal/toolregistry"
	"github.com/tombee/exai-toolbridge/internal/wsdaemon"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "exai-wsd",
		Short: "exai tool-orchestration WebSocket daemon",
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	root.AddCommand(newHealthCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		host       string
		port       int
		configFile string
		pidFile    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, configFile, pidFile)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind host, overrides EXAI_WS_HOST and config file")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port, overrides EXAI_WS_PORT and config file")
	cmd.Flags().StringVar(&configFile, "config", "", "Optional YAML config file overlay")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "PID file path (default: <log-dir>/ws_daemon.pid)")

	return cmd
}

func runServe(host string, port int, configFile, pidFile string) error {
	logger := obslog.New(obslog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := daemonconfig.LoadFromEnv()
	if err != nil {
		logger.Error("failed to load config", obslog.Error(err))
		os.Exit(1)
	}

	if configFile != "" {
		if err := cfg.ApplyFile(configFile); err != nil {
			logger.Error("failed to apply config file", obslog.Error(err))
			os.Exit(1)
		}
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}

	if pidFile == "" {
		pidFile = filepath.Join(cfg.LogDir, "ws_daemon.pid")
	}
	pm := lifecycle.NewPIDFileManager(pidFile)
	if err := pm.Create(os.Getpid()); err != nil {
		logger.Error("failed to create PID file", obslog.Error(err), obslog.String("path", pidFile))
		os.Exit(1)
	}
	defer pm.Remove()

	registry := toolregistry.NewStaticRegistry(
		[]toolregistry.Descriptor{
			{Name: "echo", Description: "echoes its arguments back"},
			{Name: "chat", Description: "completes a prompt against the configured provider"},
		},
		map[string]toolregistry.Handler{
			"echo": toolregistry.EchoHandler,
			"chat": toolregistry.ChatHandler,
		},
	)

	providers := map[provider.Name]provider.Provider{
		provider.GLM:           provider.NewStub(provider.GLM),
		provider.Kimi:          provider.NewStub(provider.Kimi),
		provider.KimiWebSearch: provider.NewStub(provider.KimiWebSearch),
	}

	srv := wsdaemon.New(cfg, registry, providers, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start daemon", obslog.Error(err))
		os.Exit(1)
	}
	logger.Info("exai-wsd serving", obslog.String("addr", fmt.Sprintf("%s:%d", cfg.Host, srv.Port())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", obslog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", obslog.Error(err))
		return err
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("exai-wsd %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Poll the daemon's /health endpoint once and report status",
		RunE: func(cmd *cobra.Command, args []string) error {
			checker := lifecycle.NewHealthChecker(endpoint)
			result := checker.Check(context.Background())
			if !result.Success {
				fmt.Fprintf(os.Stderr, "unhealthy: %v\n", result.Error)
				os.Exit(1)
			}
			fmt.Printf("healthy (status %d, %s)\n", result.StatusCode, result.ResponseTime)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:8765/health", "Daemon health endpoint")
	return cmd
}
