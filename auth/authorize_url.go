package auth

import (
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultAuthorizeEndpoint = "https://accounts.spotify.com/authorize/"
	DefaultTokenEndpoint     = "https://accounts.spotify.com/api/token"

	bootstrapPage = "/start.html"
)

// queryBuilder appends parameters in insertion order, escaping spaces as %20.
type queryBuilder struct {
	sb strings.Builder
}

func (q *queryBuilder) add(key, value string) {
	if q.sb.Len() > 0 {
		q.sb.WriteByte('&')
	}
	q.sb.WriteString(key)
	q.sb.WriteByte('=')
	q.sb.WriteString(escapeQueryValue(value))
}

func (q *queryBuilder) String() string {
	return q.sb.String()
}

func escapeQueryValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// needsBootstrap reports whether a code-variant request still lacks the
// credentials the bootstrap page collects.
func needsBootstrap(req AuthRequest, pkce bool) bool {
	if req.ClientID == "" {
		return true
	}
	return req.SecretID == "" && !pkce
}

// buildAuthorizationURL renders the URL the user agent must visit for req.
func buildAuthorizationURL(v Variant, authorizeEndpoint string, req AuthRequest, codeChallenge string) string {
	var q queryBuilder

	switch v {
	case VariantTokenSwap:
		q.add("response_type", "code")
		q.add("state", req.State)
		q.add("scope", req.Scope.String())
		q.add("show_dialog", strconv.FormatBool(req.ShowDialog))
		return strings.TrimRight(req.ExchangeServerURI, "/") + "/authorize?" + q.String()

	case VariantAuthorizationCode:
		if needsBootstrap(req, codeChallenge != "") {
			return strings.TrimRight(req.RedirectURI, "/") + bootstrapPage + "#" + req.State
		}
	}

	spec, _ := v.spec()
	q.add("client_id", req.ClientID)
	q.add("response_type", spec.responseType)
	q.add("redirect_uri", req.RedirectURI)
	q.add("state", req.State)
	q.add("scope", req.Scope.String())
	q.add("show_dialog", strconv.FormatBool(req.ShowDialog))
	if codeChallenge != "" {
		q.add("code_challenge", codeChallenge)
		q.add("code_challenge_method", "S256")
	}
	return authorizeEndpoint + "?" + q.String()
}
