package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the request against the configured token. An empty
// token disables authentication. The websocket stream may pass the token as
// access_token since browsers cannot set headers on upgrades.
func authorizeBearer(r *http.Request, token string) *authError {
	if token == "" {
		return nil
	}
	presented := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if q := r.URL.Query().Get("access_token"); q != "" {
		presented = q
	}
	if presented == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	// Compare digests so the comparison time does not depend on length.
	want := sha256.Sum256([]byte(token))
	got := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "bearer token mismatch"}
	}
	return nil
}
