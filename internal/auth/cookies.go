package auth

import (
	"net/http"
	"strings"
)

// AccessCookieName lets browser dashboards authenticate the websocket upgrade,
// where custom headers cannot be set.
const AccessCookieName = "pln_access"

// TokenFromRequest prefers an Authorization bearer token and falls back to
// the access cookie.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(AccessCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
