package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flasharr/bridge/internal/balancer"
	"github.com/flasharr/bridge/internal/core"
	"github.com/flasharr/bridge/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine and its local API in the foreground",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to bind (0 picks the first free port at or above 47111)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	locked, err := AcquireLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("another serve instance is already running (lock held at %s)", lockPath())
	}
	defer ReleaseLock()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.Open(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	var accounts []balancer.Account
	for _, email := range cfg.GetAccounts() {
		accounts = append(accounts, balancer.Account{Email: email, Client: &http.Client{}})
	}
	engine := core.New(cfg, log, st, core.PassthroughResolver{}, core.NewStaticAccounts(accounts))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	start := servePort
	if start == 0 {
		start = defaultPortStart
	}
	port, ln := findAvailablePort(start)
	if ln == nil {
		return fmt.Errorf("no free port found starting at %d", start)
	}
	defer ln.Close()

	if err := savePort(port); err != nil {
		return fmt.Errorf("saving port file: %w", err)
	}
	defer removePortFile()

	server := &http.Server{Handler: newAPIMux(engine)}
	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info("engine listening", "port", port, "data_dir", cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("api server failed", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

const shutdownGrace = 5 * time.Second
