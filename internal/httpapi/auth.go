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

// authorizeAdmin checks a static bearer token. An empty configured token
// disables the admin routes entirely.
func authorizeAdmin(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "admin api disabled",
		}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(raw), []byte(adminToken)) != 1 {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "admin token mismatch",
		}
	}
	return nil
}
