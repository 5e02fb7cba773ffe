package opensky

// auth.go: OAuth2 client credentials para el modo autenticado.
//
// El token se cachea hasta que expira. Un 401/403 del endpoint de estados
// lo invalida y el cliente pide uno nuevo (una sola vez por request).

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/alejandrodnm/skysync/internal/domain"
)

const defaultTokenURL = "https://auth.opensky-network.org/auth/realms/opensky-network/protocol/openid-connect/token"

type tokenSource struct {
	cfg  clientcredentials.Config
	http *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

func newTokenSource(clientID, clientSecret, tokenURL string, hc *http.Client) *tokenSource {
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &tokenSource{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		},
		http: hc,
	}
}

// token devuelve el token cacheado o pide uno nuevo.
func (s *tokenSource) token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.Valid() {
		return s.tok, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	s.tok = tok
	return tok, nil
}

// invalidate descarta el token actual; el siguiente request re-autentica.
func (s *tokenSource) invalidate() {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
}

func classifyTokenError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusBadRequest:
			return domain.NewError(domain.KindAuthenticationFailed, "opensky.token", err)
		case code == http.StatusTooManyRequests:
			return domain.NewError(domain.KindRateLimited, "opensky.token", err)
		}
	}
	return domain.NewError(domain.KindUpstreamUnavailable, "opensky.token", fmt.Errorf("token endpoint: %w", err))
}
