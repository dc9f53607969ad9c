package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/emstat/internal/api"
	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/recorder"
	"github.com/banshee-data/emstat/internal/serialmux"
	"github.com/banshee-data/emstat/internal/session"
)

const simulatorInterval = 50 * time.Millisecond

var (
	listenFlag  string
	disabled    bool
	simulate    bool
	autoConnect bool
)

var errSerialDisabled = errors.New("serial port disabled")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and record script runs",
	Long: `Starts a device session behind the HTTP API. Every script sent through
POST /api/script is recorded to the database together with its readings.

Use --simulate to run against a built-in simulated device, or --disabled
to serve stored runs without any device.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Listen address, overrides the config")
	serveCmd.Flags().BoolVar(&disabled, "disabled", false, "Run without a serial device")
	serveCmd.Flags().BoolVar(&simulate, "simulate", false, "Use a simulated device instead of the serial port")
	serveCmd.Flags().BoolVar(&autoConnect, "connect", false, "Connect to the device at startup")
	serveCmd.MarkFlagsMutuallyExclusive("disabled", "simulate")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	listen := cfg.GetListen()
	if listenFlag != "" {
		listen = listenFlag
	}

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	var (
		dial         session.DialFunc
		attachSerial func(*http.ServeMux)
	)
	if disabled {
		off := serialmux.NewDisabledSerialMux()
		defer off.Close()
		dial = func(context.Context) (session.Conn, error) { return nil, errSerialDisabled }
		attachSerial = off.AttachAdminRoutes
	} else {
		d, err := newDialer(cfg, simulate)
		if err != nil {
			return err
		}
		dial, attachSerial = d.Dial, d.AttachAdminRoutes
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess := session.New(dial, cfg.SessionOptions())
	rec := recorder.New(store, nil)

	mux := api.NewServer(sess, store, rec).ServeMux()
	attachSerial(mux)
	if err := store.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("failed to attach db admin routes: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("session stopped: %v", err)
		}
		monitoring.Logf("session routine terminated")
	}()

	// The recorder drains the event channel until the session closes it, so
	// a run still open at shutdown is finished as disconnected.
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(context.Background(), sess.Events(), logEvent)
		monitoring.Logf("recorder routine terminated")
	}()

	if autoConnect && !disabled {
		if err := sess.Connect(ctx); err != nil {
			monitoring.Logf("failed to connect: %v", err)
		}
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		monitoring.Logf("listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("failed to start server: %w", err)
		}
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return nil
}
