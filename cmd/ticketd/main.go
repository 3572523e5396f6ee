// Command ticketd runs a development replica of the ticketing ledger: the
// gRPC services clients bind to, the identity provider that signs their
// delegations, and an HTTP side with probes, metrics and live activity.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"boxoffice.org/internal/clock"
	"boxoffice.org/internal/config"
	"boxoffice.org/internal/httpapi"
	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/stream"
	"boxoffice.org/internal/ticketing"
	"boxoffice.org/internal/ticketing/remote"
)

var version = "0.1.0"

type options struct {
	grpcAddr    string
	httpAddr    string
	keyDir      string
	ratePerSec  float64
	rateBurst   int
	delegations time.Duration
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		obs.Error("dotenv_failed", map[string]any{"error": err})
	}
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		obs.Error("ticketd_failed", map[string]any{"error": err})
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := pflag.NewFlagSet("ticketd", pflag.ContinueOnError)
	var o options
	fs.StringVar(&o.grpcAddr, "grpc-addr", getEnv("TICKETD_GRPC_ADDR", ":7443"), "gRPC listen address")
	fs.StringVar(&o.httpAddr, "http-addr", getEnv("TICKETD_HTTP_ADDR", ":7080"), "HTTP listen address (provider, probes, metrics)")
	fs.StringVar(&o.keyDir, "key-dir", getEnv("TICKETD_KEY_DIR", ".ticketd"), "directory holding the root and issuer keys")
	fs.Float64Var(&o.ratePerSec, "rate", 20, "per-principal request rate (requests/second)")
	fs.IntVar(&o.rateBurst, "burst", 40, "per-principal burst")
	fs.DurationVar(&o.delegations, "delegation-ttl", 8*time.Hour, "default delegation lifetime")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return o, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, o options) error {
	obs.Init()
	obs.InitBuildInfo("ticketd", version)

	rootKey, err := loadOrCreateKey(filepath.Join(o.keyDir, "root.key"))
	if err != nil {
		return err
	}
	issuerKey, err := loadOrCreateKey(filepath.Join(o.keyDir, "issuer.key"))
	if err != nil {
		return err
	}
	issuer := identity.NewIssuer(issuerKey, identity.WithDelegationTTL(o.delegations))

	activity := stream.New()
	backend := stream.Publish(ticketing.NewInMemory(clock.System()), activity)

	server := remote.NewServer(backend, rootKey, issuer, remote.WithRateLimit(o.ratePerSec, o.rateBurst))
	grpcServer := server.NewGRPCServer()

	var serving atomic.Bool
	ready := httpapi.ReadyFunc(func(context.Context) error {
		if !serving.Load() {
			return errors.New("grpc listener not serving")
		}
		return nil
	})
	httpapi.RegisterHealth(ctx, grpcServer, ready, 5*time.Second)

	api := httpapi.New(ready, version, backend,
		httpapi.WithProvider(issuer.Handler()),
		httpapi.WithStream(activity),
	)
	srv := &http.Server{
		Addr:              o.httpAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lis, err := net.Listen("tcp", o.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", o.grpcAddr, err)
	}

	obs.Info("ticketd_starting", map[string]any{
		"version":   version,
		"grpc_addr": lis.Addr().String(),
		"http_addr": o.httpAddr,
		"root_key":  hex.EncodeToString(server.RootKey()),
	})

	errc := make(chan error, 2)
	go func() {
		serving.Store(true)
		if err := grpcServer.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		serving.Store(false)
		grpcServer.Stop()
		_ = srv.Close()
		return err
	}

	obs.Info("ticketd_stopping", nil)
	serving.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	obs.Info("ticketd_stopped", nil)
	return nil
}
