// Package deeplink classifies custom-scheme URLs delivered to the daemon and
// dispatches them.
package deeplink

import (
	"context"
	"strings"
	"sync"

	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/rs/zerolog"
)

// Route is the classification of a deep link.
type Route int

const (
	RouteUnrecognized Route = iota
	RouteHome
	RouteResetOnboarding
	RouteOAuthCallback
)

func (r Route) String() string {
	switch r {
	case RouteHome:
		return "home"
	case RouteResetOnboarding:
		return "reset-onboarding"
	case RouteOAuthCallback:
		return "oauth-callback"
	default:
		return "unrecognized"
	}
}

// Patterns are the URLs the router recognises.
type Patterns struct {
	Home        string
	Onboarding  string
	RedirectURI string
}

// DefaultPatterns are the waystation:// sentinels.
var DefaultPatterns = Patterns{
	Home:        "waystation://home",
	Onboarding:  "waystation://onboarding",
	RedirectURI: "waystation://oauth/callback",
}

// CallbackHandler receives OAuth callback URLs.
type CallbackHandler interface {
	OnDeepLink(ctx context.Context, rawURL string) error
}

// Actions are the non-auth destinations.
type Actions interface {
	NavigateHome()
	ResetOnboarding() error
}

// Router classifies deep links and hands them to their destination.
type Router struct {
	patterns Patterns
	callback CallbackHandler
	actions  Actions
	logger   zerolog.Logger

	wg sync.WaitGroup
}

func NewRouter(patterns Patterns, callback CallbackHandler, actions Actions, logger zerolog.Logger) *Router {
	return &Router{
		patterns: patterns,
		callback: callback,
		actions:  actions,
		logger:   logger.With().Str("component", "deeplink").Logger(),
	}
}

// Classify matches url in order: exact home, exact onboarding, redirect URI
// prefix.
func (r *Router) Classify(url string) Route {
	switch {
	case url == r.patterns.Home:
		return RouteHome
	case url == r.patterns.Onboarding:
		return RouteResetOnboarding
	case r.patterns.RedirectURI != "" && strings.HasPrefix(url, r.patterns.RedirectURI):
		return RouteOAuthCallback
	default:
		return RouteUnrecognized
	}
}

// Dispatch handles one delivery. Only the first URL of a batch is used.
func (r *Router) Dispatch(ctx context.Context, batch []string) (Route, error) {
	if len(batch) == 0 || batch[0] == "" {
		return RouteUnrecognized, nil
	}
	if len(batch) > 1 {
		r.logger.Debug().Int("ignored", len(batch)-1).Msg("Deep link batch has extra URLs, using the first")
	}

	url := batch[0]
	route := r.Classify(url)
	log := r.logger.With().Str("route", route.String()).Logger()

	switch route {
	case RouteHome:
		log.Info().Msg("Navigate to home")
		r.actions.NavigateHome()
		return route, nil

	case RouteResetOnboarding:
		log.Info().Msg("Reset onboarding")
		if err := r.actions.ResetOnboarding(); err != nil {
			log.Error().Err(err).Msg("Failed to reset onboarding")
			return route, err
		}
		return route, nil

	case RouteOAuthCallback:
		log.Info().Msg("Processing OAuth callback")
		return route, r.callback.OnDeepLink(ctx, url)

	default:
		log.Warn().Str("scheme", scheme(url)).Msg("URL does not match any deep link pattern, ignoring")
		return route, errors.ErrUnclassified
	}
}

// Run dispatches every batch from deliveries as an independent task until
// ctx is done, then waits for in-flight dispatches.
func (r *Router) Run(ctx context.Context, deliveries <-chan []string) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-deliveries:
			if !ok {
				return nil
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				// Errors are already logged; there is no caller to return to.
				_, _ = r.Dispatch(ctx, batch)
			}()
		}
	}
}

// scheme keeps query strings, which may carry codes, out of the logs.
func scheme(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i]
	}
	return ""
}
