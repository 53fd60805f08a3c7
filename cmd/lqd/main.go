// Command lqd runs a single cluster node's live-query engine behind the
// demo WebSocket transport, grounded on the teacher pack's cobra-based
// daemon entry points (getployz-ployz's cmd/ployzd).
package main

import (
	"fmt"
	stdslog "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lqdb/lqdb/engine"
	"github.com/lqdb/lqdb/pkg/logger/slog"
	"github.com/lqdb/lqdb/transport/ws"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lqd",
		Short: "Cluster-wide live-query engine node",
	}
	cmd.AddCommand(startCmd(), isReadyCmd(), versionCmd())
	return cmd
}

func startCmd() *cobra.Command {
	var configPath string
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start this node, serving the WebSocket transport until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := engine.DefaultConfig()
			if configPath != "" {
				loaded, err := engine.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = *loaded
			}

			log := slog.New(stdslog.NewJSONHandler(os.Stdout, nil))
			eng, err := engine.New(cfg, engine.Options{Logger: log})
			if err != nil {
				return fmt.Errorf("lqd: construct engine: %w", err)
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := eng.Bootstrap(ctx); err != nil {
				return fmt.Errorf("lqd: bootstrap: %w", err)
			}

			go func() {
				if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
					fmt.Fprintln(os.Stderr, "lqd: heartbeat loop stopped:", err)
				}
			}()

			mux := http.NewServeMux()
			mux.Handle("/rpc", ws.NewServer(eng, zerolog.New(os.Stdout).With().Timestamp().Logger()))
			mux.HandleFunc("/isready", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})

			srv := &http.Server{Addr: listenAddr, Handler: mux}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()

			fmt.Fprintf(os.Stdout, "lqd: node %s listening on %s\n", eng.NodeID(), listenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8000", "HTTP listen address for the WebSocket transport")
	return cmd
}

func isReadyCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "isready",
		Short: "Check whether a running node's /isready endpoint responds",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + addr + "/isready")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("lqd: isready returned %s", resp.Status)
			}
			fmt.Fprintln(os.Stdout, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8000", "Node HTTP address")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lqd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stdout, version)
			return nil
		},
	}
}
