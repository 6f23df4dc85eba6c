package auth

import (
	"context"

	"golang.org/x/oauth2"

	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
)

// OAuth2 converts t for use with golang.org/x/oauth2 clients.
func (t *Token) OAuth2() *oauth2.Token {
	o := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		o.Expiry = t.ExpiresAt()
	}
	return o.WithExtra(map[string]interface{}{"scope": t.Scope})
}

// TokenSource returns an oauth2.TokenSource backed by the flow's token,
// refreshing it through the flow once it has expired.
func (f *Flow) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &flowTokenSource{ctx: ctx, flow: f})
}

type flowTokenSource struct {
	ctx  context.Context
	flow *Flow
}

func (s *flowTokenSource) Token() (*oauth2.Token, error) {
	tok := s.flow.Token()
	if tok == nil {
		return nil, apperrors.NewMissingTokenError("no token available, authorize first")
	}
	if tok.ExpiresIn > 0 && tok.IsExpired() {
		refreshed, err := s.flow.Refresh(s.ctx)
		if err != nil {
			return nil, err
		}
		tok = refreshed
	}
	return tok.OAuth2(), nil
}
