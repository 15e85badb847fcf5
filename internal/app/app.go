// Package app wires the daemon together and runs it.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dvcrn/waystation-auth/internal/broker"
	"github.com/dvcrn/waystation-auth/internal/config"
	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/deeplink"
	"github.com/dvcrn/waystation-auth/internal/onboarding"
	"github.com/dvcrn/waystation-auth/internal/scheduler"
	"github.com/dvcrn/waystation-auth/internal/server"
	"github.com/dvcrn/waystation-auth/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Options overrides collaborators, mostly for tests.
type Options struct {
	Opener     broker.Opener
	HTTPClient *http.Client
	Clock      scheduler.Clock
	Persister  credentials.Persister
}

// App is one daemon instance.
type App struct {
	cfg        config.Config
	logger     zerolog.Logger
	broker     *broker.OAuthBroker
	manager    *session.Manager
	router     *deeplink.Router
	server     *server.Server
	onboarding *onboarding.Flag
	deliveries chan []string
}

// New builds every component from cfg.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	persister := opts.Persister
	if persister == nil {
		p, err := credentials.NewPersister(cfg, logger)
		if err != nil {
			return nil, err
		}
		persister = p
	}

	b, err := broker.New(ctx, cfg, persister, logger, broker.Options{
		Opener:     opts.Opener,
		HTTPClient: opts.HTTPClient,
		WayKeyPath: cfg.WayKeyPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	flag := onboarding.NewFlag(cfg.OnboardingPath())
	manager := session.NewManager(b, logger, session.Options{
		Clock:      opts.Clock,
		Onboarding: flag,
	})

	deliveries := make(chan []string)
	hub := server.NewHub(logger)
	srv := server.New(logger, manager, server.Options{
		Onboarding:   flag,
		Deliveries:   deliveries,
		Hub:          hub,
		ControlToken: cfg.ControlToken,
	})

	router := deeplink.NewRouter(deeplink.Patterns{
		Home:        cfg.HomeURL,
		Onboarding:  cfg.Onboarding,
		RedirectURI: cfg.RedirectURI,
	}, manager, &navigator{hub: hub, flag: flag}, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		broker:     b,
		manager:    manager,
		router:     router,
		server:     srv,
		onboarding: flag,
		deliveries: deliveries,
	}, nil
}

// Session exposes the session manager.
func (a *App) Session() *session.Manager {
	return a.manager
}

// Run listens on cfg.ListenAddr and serves until ctx is done.
func (a *App) Run(ctx context.Context, launchURLs []string) error {
	l, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}
	return a.Serve(ctx, l, launchURLs)
}

// Serve runs the session manager, the deep link router and the control API
// on l until ctx is done or one of them fails. launchURLs are dispatched
// once everything is running.
func (a *App) Serve(ctx context.Context, l net.Listener, launchURLs []string) error {
	g, ctx := errgroup.WithContext(ctx)

	stopWatch := a.server.WatchSession()
	defer func() {
		stopWatch()
		a.manager.Close()
		a.broker.Close()
	}()

	g.Go(func() error {
		return a.manager.Run(ctx)
	})
	g.Go(func() error {
		return a.router.Run(ctx, a.deliveries)
	})

	httpServer := &http.Server{
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("addr", l.Addr().String()).Msg("Starting server")
		if err := httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.server.Hub().Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if len(launchURLs) > 0 {
		g.Go(func() error {
			select {
			case a.deliveries <- launchURLs:
			case <-ctx.Done():
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info().Msg("Server stopped")
	return err
}

// navigator performs the non-auth deep link actions by telling connected
// UIs where to go.
type navigator struct {
	hub  *server.Hub
	flag *onboarding.Flag
}

func (n *navigator) NavigateHome() {
	n.hub.Publish(server.EventNavigate, server.NavigateEvent{To: "home"})
}

func (n *navigator) ResetOnboarding() error {
	if err := n.flag.Reset(); err != nil {
		return err
	}
	n.hub.Publish(server.EventNavigate, server.NavigateEvent{To: "onboarding"})
	return nil
}
