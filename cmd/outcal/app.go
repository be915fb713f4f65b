package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mschirtzinger/outcal/internal/auth"
	"github.com/mschirtzinger/outcal/internal/credstore"
	"github.com/mschirtzinger/outcal/internal/graph"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/syncer"
	"github.com/mschirtzinger/outcal/internal/ui"
)

// newCredentialStore is replaced by tests.
var newCredentialStore = defaultCredentialStore

func defaultCredentialStore() credstore.Store {
	if !cfg.Auth.Keyring {
		return &credstore.Memory{}
	}
	return credstore.New(credstore.DefaultService, credstore.DefaultAccount)
}

func openReplica(ctx context.Context) (*replica.DB, error) {
	return replica.OpenContext(ctx, replica.Path(cfg.DataDir), replica.WithLogger(logSink.New("replica")))
}

// newSession builds the session manager. interactive allows a browser
// login when the stored refresh token is missing or rejected.
func newSession(interactive bool) (*auth.Manager, error) {
	m, err := auth.NewManager(auth.Config{
		ClientID:     cfg.ClientID,
		Tenant:       cfg.Tenant,
		RedirectURL:  cfg.RedirectURL,
		LoginTimeout: cfg.LoginTimeout,
		Interactive:  interactive,
	}, newCredentialStore(),
		auth.WithLogger(logSink.New("auth")),
		auth.WithURLNotifier(func(u string) {
			fmt.Fprintf(os.Stderr, "%s Complete sign-in in your browser. If it did not open, visit:\n  %s\n", ui.RenderAccent("→"), u)
		}),
	)
	if errors.Is(err, auth.ErrNotConfigured) {
		return nil, fmt.Errorf("%w: set client_id with `outcal config init` or OUTCAL_CLIENT_ID", err)
	}
	return m, err
}

func syncConfig() syncer.Config {
	sc := syncer.DefaultConfig()
	sc.MonthsBack = cfg.Sync.MonthsBack
	sc.MonthsAhead = cfg.Sync.MonthsAhead
	sc.MaxAttempts = cfg.Sync.MaxAttempts
	sc.InitialBackoff = cfg.Sync.InitialBackoff
	return sc
}

func newFetcher() *graph.Client {
	return graph.New(
		graph.WithRateLimit(cfg.Sync.RequestsPerSecond),
		graph.WithLogger(logSink.New("graph")),
	)
}

func newSyncer(db *replica.DB, session syncer.Session) (syncer.Syncer, error) {
	return syncer.New(db, session, newFetcher(), syncConfig(), syncer.WithLogger(logSink.New("sync")))
}

// canPrompt reports whether a browser login or a form may be shown.
func canPrompt() bool {
	return ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout)
}
