package refresh

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrNoRefreshCredential is returned without contacting the backend when
	// the session holds no credential or one without a refresh token.
	ErrNoRefreshCredential = errors.New("no refresh credential")

	// ErrRefreshRejected means the identity backend refused the refresh
	// token. The session cannot be recovered without a new login.
	ErrRefreshRejected = errors.New("refresh credential rejected")

	// ErrRefreshFailed wraps every other exchange failure.
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrSessionEnded means the session was cleared while a round was in
	// flight; its result was discarded.
	ErrSessionEnded = errors.New("session ended during refresh")
)

// classify wraps an exchange error with the matching sentinel.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
}
