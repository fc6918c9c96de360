// Command wasmhost runs the HTTP-fronted WebAssembly component host: it
// loads a JSON configuration file, wires up internal/host, and serves
// until an interrupt or SIGTERM triggers a graceful drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dufeut/mik-sub001/internal/config"
	"github.com/dufeut/mik-sub001/internal/host"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var addr string
	flag.StringVar(&configPath, "config", "", "path to the JSON configuration file")
	flag.StringVar(&addr, "addr", ":8080", "address to listen on")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if configPath == "" {
		return fmt.Errorf("-config is required")
	}
	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	cfg, err := config.Decode(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.ApplyDefaults()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := host.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build host: %w", err)
	}

	srv := &http.Server{Addr: addr, Handler: h.Router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain()+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("host shutdown: %w", err)
	}
	return nil
}
