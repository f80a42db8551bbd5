package gateway

import (
	"errors"
	"net/http"

	"docsync/server/internal/session"
)

// ErrUnauthenticated means no principal could be resolved for the request.
var ErrUnauthenticated = errors.New("unauthenticated")

// HeaderAuthenticator trusts identity headers set by an upstream auth
// layer (reverse proxy or API gateway). Query parameters are accepted as a
// fallback for browser WebSocket clients that cannot set headers.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (session.Principal, error) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		id = r.URL.Query().Get("userId")
	}
	if id == "" {
		return session.Principal{}, ErrUnauthenticated
	}
	name := r.Header.Get("X-User-Name")
	if name == "" {
		name = r.URL.Query().Get("userName")
	}
	if name == "" {
		name = id
	}
	return session.Principal{ID: id, Name: name}, nil
}
