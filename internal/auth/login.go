package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mschirtzinger/outcal/internal/metrics"
	"github.com/mschirtzinger/outcal/internal/schema"
)

type callback struct {
	code     string
	state    string
	errCode  string
	errDescr string
}

// InteractiveLogin runs the browser login regardless of any stored
// credential. It blocks until the callback arrives, ctx is done, or the
// login timeout elapses.
func (m *Manager) InteractiveLogin(ctx context.Context) (schema.Credential, error) {
	return m.login(ctx)
}

// login shares one browser round-trip between concurrent callers, including
// the fallback inside EnsureValidCredential. It is keyed apart from refresh.
func (m *Manager) login(ctx context.Context) (schema.Credential, error) {
	v, err, _ := m.flight.Do("login", func() (any, error) {
		c, err := m.runLogin(ctx)
		metrics.ObserveTokenRefresh("interactive", err)
		return c, err
	})
	if err != nil {
		return schema.Credential{}, err
	}
	return v.(schema.Credential), nil
}

func (m *Manager) runLogin(ctx context.Context) (schema.Credential, error) {
	redirect, err := url.Parse(m.oauth.RedirectURL)
	if err != nil || redirect.Host == "" {
		return schema.Credential{}, authErr(KindListener, fmt.Errorf("invalid redirect url %q", m.oauth.RedirectURL))
	}
	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	ln, err := m.listen("tcp", redirect.Host)
	if err != nil {
		return schema.Credential{}, authErr(KindListener, err)
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	results := make(chan callback, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != callbackPath {
			http.NotFound(w, r)
			return
		}
		handled := false
		once.Do(func() {
			handled = true
			q := r.URL.Query()
			results <- callback{
				code:     q.Get("code"),
				state:    q.Get("state"),
				errCode:  q.Get("error"),
				errDescr: q.Get("error_description"),
			}
		})
		if !handled {
			http.Error(w, "login already handled", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<html><body><p>%s</p></body></html>",
			html.EscapeString("outcal received the login response. You can close this tab."))
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := m.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
	if m.showURL != nil {
		m.showURL(authURL)
	}
	if err := m.openBrowser(authURL); err != nil {
		m.logger.Printf("Warning: failed to open browser: %v", err)
	}
	m.logger.Printf("waiting for login callback on %s%s", redirect.Host, callbackPath)

	ctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	var cb callback
	select {
	case cb = <-results:
	case <-ctx.Done():
		return schema.Credential{}, authErr(KindTimeout, ctx.Err())
	}

	if cb.errCode != "" {
		return schema.Credential{}, authErr(KindDenied, fmt.Errorf("%s: %s", cb.errCode, cb.errDescr))
	}
	if cb.state == "" || subtle.ConstantTimeCompare([]byte(cb.state), []byte(state)) != 1 {
		return schema.Credential{}, authErr(KindStateMismatch, errors.New("callback state does not match the login request"))
	}
	if cb.code == "" {
		return schema.Credential{}, authErr(KindExchange, errors.New("callback carried no authorization code"))
	}

	tok, err := m.oauth.Exchange(m.tokenContext(ctx), cb.code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return schema.Credential{}, authErr(KindExchange, err)
		}
		return schema.Credential{}, authErr(KindNetwork, err)
	}

	c, err := m.install(tok)
	if err != nil {
		return schema.Credential{}, err
	}
	m.logger.Printf("interactive login complete")
	return c, nil
}
