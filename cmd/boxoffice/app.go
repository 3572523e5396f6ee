package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"boxoffice.org/internal/audit"
	"boxoffice.org/internal/collections"
	"boxoffice.org/internal/config"
	"boxoffice.org/internal/desk"
	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/outcome"
	"boxoffice.org/internal/session"
	"boxoffice.org/internal/ticketing/remote"
)

// app is one client process: the session, its caches and the desk.
type app struct {
	cfg      config.Config
	out      *printer
	sessions *session.Manager
	cache    *collections.Synchronizer
	desk     *desk.Desk
	journal  *audit.Journal
	metrics  *http.Server
}

func newApp(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) (*app, error) {
	out := newPrinter(stdout, stderr)

	authOpts := []identity.AuthOption{
		identity.WithPrompt(func(url string) {
			out.info(fmt.Sprintf("Signing in with %s ...", url))
		}),
	}
	if cfg.SessionPassphrase != "" {
		authOpts = append(authOpts, identity.WithPassphrase(cfg.SessionPassphrase))
	}
	auth, err := identity.NewAuthClient(cfg.IdentityProviderURL, cfg.StateDir, authOpts...)
	if err != nil {
		return nil, err
	}

	deployment, err := remote.ParseDeployment(cfg.Deployment)
	if err != nil {
		return nil, err
	}
	rootKey, err := cfg.RootKeyBytes()
	if err != nil {
		return nil, err
	}
	factory, err := remote.NewFactory(remote.FactoryConfig{
		Target:     cfg.LedgerAddr,
		Deployment: deployment,
		RootKey:    rootKey,
		TLS:        cfg.TLS,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, out: out, cache: collections.New()}

	a.sessions = session.New(auth,
		session.FactoryFunc(func(ctx context.Context, id identity.Identity) (session.Channel, error) {
			ch, err := factory.Open(ctx, id)
			if err != nil {
				return nil, err
			}
			return ch, nil
		}),
		session.WithOnChange(func(b *session.Binding) {
			if b == nil {
				a.cache.Clear()
				return
			}
			a.cache.Reset(b.Generation, b.Principal())
		}),
	)

	if cfg.AuditDSN != "" {
		a.journal, err = audit.Open(ctx, cfg.AuditDSN)
		if err != nil {
			return nil, fmt.Errorf("audit journal: %w", err)
		}
	} else {
		a.journal = audit.New(nil)
	}

	a.desk = desk.New(a.sessions, a.cache,
		desk.WithNotifier(desk.NotifierFunc(out.notice)),
		desk.WithJournal(a.journal),
		desk.WithCallTimeout(cfg.CallTimeout),
	)

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}

	if _, err := a.sessions.Restore(ctx); err != nil {
		obs.Warn("session_restore_failed", map[string]any{"error": err})
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	obs.Init()
	obs.InitBuildInfo(programName, version)
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Warn("metrics_listen_failed", map[string]any{"addr": addr, "error": err})
		}
	}()
}

// notified reports whether err already reached the user as a notice.
func (a *app) notified(err error) bool {
	var f *outcome.Failure
	return errors.As(err, &f)
}

// Close releases the channel and the journal. The session itself stays
// persisted for the next invocation.
func (a *app) Close() {
	if b := a.sessions.Current(); b != nil {
		_ = b.Channel.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	_ = a.journal.Close()
}
