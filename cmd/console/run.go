package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantly.dev/internal/auth"
	"tenantly.dev/internal/auth/rest"
	"tenantly.dev/internal/backend"
	"tenantly.dev/internal/config"
	"tenantly.dev/internal/httpapi"
	"tenantly.dev/internal/obs"
	"tenantly.dev/internal/persist"
	"tenantly.dev/internal/query"
	"tenantly.dev/internal/session"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, cfg *config.Config) error {
	logger := obs.Logger()

	store, err := persist.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	g, ctx := errgroup.WithContext(ctx)

	baseURL := cfg.API.BaseURL
	if cfg.Demo {
		url, err := startDemoIdentity(ctx, g)
		if err != nil {
			return err
		}
		baseURL = url
		logger.Info().Str("url", url).Str("password", httpapi.DemoPassword).Msg("demo identity backend listening (demo@tenantly.dev, solo@tenantly.dev)")
	}

	client, err := rest.New(baseURL, store, rest.OptionsFromConfig(cfg.API)...)
	if err != nil {
		return err
	}

	sess := session.New(client)
	defer sess.Close()
	sess.Initialize(ctx)

	queries := query.NewCoordinator(sess)
	defer queries.Close()
	views, err := bindViews(queries, baseURL, client.Token, cfg.Query.Timeout)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Config{
		Session: sess,
		Views:   views,
		Ready:   client,
		Version: version,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.Chain(api.Handler(), cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	gs := grpc.NewServer()
	reporter := httpapi.NewHealthReporter(client, cfg.GRPC.HealthInterval)
	healthpb.RegisterHealthServer(gs, reporter.Server)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("console http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", grpcLis.Addr().String()).Msg("console grpc health listening")
		return gs.Serve(grpcLis)
	})
	g.Go(func() error {
		reporter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		listenLoop(ctx, client, sess, cfg.API.ListenBackoff)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		gs.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	queries.Wait()
	logger.Info().Msg("stopped")
	return err
}

// bindViews registers one binding per tenant view. Billing and apps load as
// soon as a tenant is active; activity loads on request.
func bindViews(queries *query.Coordinator, baseURL string, token backend.TokenSource, timeout time.Duration) (map[string]httpapi.View, error) {
	be, err := backend.New(baseURL, token, nil)
	if err != nil {
		return nil, err
	}
	billing, err := query.Bind(queries, backend.ViewBilling, be.Billing, query.Options{Immediate: true, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	apps, err := query.Bind(queries, backend.ViewApps, be.Apps, query.Options{Immediate: true, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	activity, err := query.Bind(queries, backend.ViewActivity, be.Activity, query.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return map[string]httpapi.View{
		backend.ViewBilling:  httpapi.BindingView(billing),
		backend.ViewApps:     httpapi.BindingView(apps),
		backend.ViewActivity: httpapi.BindingView(activity),
	}, nil
}

// listenLoop keeps the identity event feed open while a user is signed in.
func listenLoop(ctx context.Context, client *rest.Client, sess *session.Coordinator, backoff time.Duration) {
	logger := obs.Logger()
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		if sess.State().Authenticated() {
			err := listenWhileSignedIn(ctx, client, sess)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, context.Canceled):
				// Signed out; wait for the next sign-in.
			case errors.Is(err, auth.ErrUnauthorized):
				// Token rejected; the next RefreshUser signs the session out.
				_ = sess.RefreshUser(ctx)
			case err != nil:
				logger.Warn().Err(err).Msg("identity event feed dropped")
			}
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// listenWhileSignedIn drops the feed as soon as the session signs out, so
// the next user gets a feed opened with their own token.
func listenWhileSignedIn(ctx context.Context, client *rest.Client, sess *session.Coordinator) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := sess.Watch(func(s session.State) {
		if !s.Authenticated() {
			cancel()
		}
	})
	defer unwatch()
	return client.Listen(ctx)
}

// startDemoIdentity serves a seeded directory on a loopback port.
func startDemoIdentity(ctx context.Context, g *errgroup.Group) (string, error) {
	dir := auth.NewDirectory()
	if err := httpapi.SeedDemoDirectory(dir); err != nil {
		return "", err
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen demo identity: %w", err)
	}
	srv := &http.Server{
		Handler:           httpapi.NewIdentityServer(dir, httpapi.NewDemoData(nil)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("demo identity: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return "http://" + lis.Addr().String(), nil
}
