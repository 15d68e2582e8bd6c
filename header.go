package gqlx

import (
	"net/http"

	"github.com/pkg/errors"
)

type AuthMode string

const (
	AuthBearer AuthMode = "bearer"
	AuthCookie AuthMode = "cookie"
)

const defaultCookieName = "token"

// HeaderAuthenticator turns a token into request headers. The mode is fixed per deployment.
type HeaderAuthenticator struct {
	Mode       AuthMode
	CookieName string

	// RoleHeader and AnonymousRole mark requests sent without a token.
	// Both empty means anonymous requests carry no auth header at all.
	RoleHeader    string
	AnonymousRole string
}

func (h *HeaderAuthenticator) Validate() error {
	switch h.Mode {
	case AuthBearer, AuthCookie:
	default:
		return errors.Errorf("unknown auth mode %q", h.Mode)
	}
	if (h.RoleHeader == "") != (h.AnonymousRole == "") {
		return errors.New("role header and anonymous role must be set together")
	}
	return nil
}

func (h *HeaderAuthenticator) Headers(token string) http.Header {
	header := make(http.Header)
	if token == "" {
		if h.RoleHeader != "" {
			header.Set(h.RoleHeader, h.AnonymousRole)
		}
		return header
	}
	switch h.Mode {
	case AuthCookie:
		name := h.CookieName
		if name == "" {
			name = defaultCookieName
		}
		header.Set("Cookie", (&http.Cookie{Name: name, Value: token}).String())
	default:
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

// Map flattens Headers for the websocket connection_init payload.
func (h *HeaderAuthenticator) Map(token string) map[string]string {
	res := make(map[string]string)
	for k, v := range h.Headers(token) {
		if len(v) > 0 {
			res[k] = v[0]
		}
	}
	return res
}
