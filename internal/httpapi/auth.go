package httpapi

import (
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

// authorizeBearer checks the static API token. An empty expected token
// disables authentication.
func authorizeBearer(authHeader, expected string) *authError {
	if expected == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(raw), []byte(expected)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "bearer token mismatch",
		}
	}
	return nil
}
