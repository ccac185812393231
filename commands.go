// Copyright 2024 The Relaygate Authors
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

package relaygate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags, the same mechanism the
// teacher's own cmd/ package uses for its version string.
var Version = "dev"

// exitError carries a process exit code up to main, grounded on the
// teacher's cmd/cobra.go exitError -- spec.md §6's exit code contract
// (0 ok, 2 config error, 3 runtime/bind error) is threaded through it.
type exitError struct {
	ExitCode int
	Err      error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exiting with status %d", e.ExitCode)
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error { return e.Err }

const (
	exitOK         = 0
	exitConfig     = 2
	exitFatal      = 3
)

// ExitCode extracts the process exit code Main should use for err, 0
// if err is nil, 1 for any error that wasn't explicitly classified.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.ExitCode
	}
	return 1
}

// RootCommand assembles the relayd CLI: the run, validate, and reload
// subcommands plus a --version flag (there is no version subcommand),
// in the shape of the teacher's cmd/cobra.go defaultFactory
// (a single root *cobra.Command with SilenceUsage set, subcommands
// added directly rather than through the teacher's plugin-registered
// Command/CobraFunc indirection, since this CLI has a small, fixed
// command set).
func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "relayd",
		Short:        "A live-reconfigurable TCP/TLS/HTTP reverse proxy with built-in ACME",
		Version:      Version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")

	var configDir string
	root.PersistentFlags().StringVar(&configDir, "config-dir", "/etc/relayd", "directory holding config.toml and managed key material")

	root.AddCommand(
		runCommand(&configDir),
		validateCommand(&configDir),
		reloadCommand(&configDir),
	)
	return root
}

func runCommand(configDir *string) *cobra.Command {
	var adminAddr string
	var logLevel string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configDir, adminAddr, logLevel)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", DefaultAdminAddr, "admin API listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	return cmd
}

func validateCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the on-disk configuration without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := NewStore(*configDir)
			if err != nil {
				return &exitError{ExitCode: exitFatal, Err: err}
			}
			snap, err := store.Load()
			if err != nil {
				return &exitError{ExitCode: exitConfig, Err: err}
			}
			if err := snap.Validate(); err != nil {
				return &exitError{ExitCode: exitConfig, Err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	}
}

func reloadCommand(configDir *string) *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Tell a running relayd to reload its configuration from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile((&Store{dir: *configDir}).configPath())
			if err != nil {
				return &exitError{ExitCode: exitConfig, Err: fmt.Errorf("reading config: %w", err)}
			}
			req, err := http.NewRequest(http.MethodPut, "http://"+adminAddr+"/api/config", bytes.NewReader(data))
			if err != nil {
				return &exitError{ExitCode: exitFatal, Err: err}
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return &exitError{ExitCode: exitFatal, Err: fmt.Errorf("contacting admin API: %w", err)}
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return &exitError{ExitCode: exitFatal, Err: fmt.Errorf("admin API returned %s", resp.Status)}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload request sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", DefaultAdminAddr, "admin API address of the running instance")
	return cmd
}

// runServer wires Store, EventBus, ProxyController and AdminServer
// together and blocks until SIGINT/SIGTERM, then drains every Port
// (spec.md §4.2 Shutdown) before returning.
func runServer(configDir, adminAddr, logLevel string) error {
	log, err := NewLogger(LogConfig{Level: logLevel, Format: "console"})
	if err != nil {
		return &exitError{ExitCode: exitFatal, Err: err}
	}
	SetLog(log)
	defer log.Sync()

	store, err := NewStore(configDir)
	if err != nil {
		return &exitError{ExitCode: exitFatal, Err: fmt.Errorf("opening store: %w", err)}
	}
	snap, err := store.Load()
	if err != nil {
		return &exitError{ExitCode: exitConfig, Err: err}
	}

	events := NewEventBus()
	ctrl := NewProxyController(store, log, events)
	if err := ctrl.Apply(snap); err != nil {
		return &exitError{ExitCode: exitFatal, Err: fmt.Errorf("applying initial config: %w", err)}
	}
	log.Info("config applied", zap.Uint64("generation", ctrl.Current().Generation))

	admin := NewAdminServer(ctrl, log)
	adminSrv := &http.Server{Addr: adminAddr, Handler: admin}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin api server stopped", zap.Error(err))
		}
	}()
	log.Info("admin api listening", zap.String("addr", adminAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownGrace+5*time.Second)
	defer cancel()
	adminSrv.Shutdown(ctx)
	return ctrl.Shutdown(ctx)
}
