package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies the outcome of a dispatch.
type Kind int

const (
	KindSuccess Kind = iota
	KindAuthExpired
	KindForbidden
	KindClientError
	KindServerError
	KindTransportFailure
	KindRefreshFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindAuthExpired:
		return "auth_expired"
	case KindForbidden:
		return "forbidden"
	case KindClientError:
		return "client_error"
	case KindServerError:
		return "server_error"
	case KindTransportFailure:
		return "transport_failure"
	case KindRefreshFailure:
		return "refresh_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify maps an HTTP status code to a Kind. Informational and redirect
// statuses that reach the pipeline count as success.
func Classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthExpired
	case status == http.StatusForbidden:
		return KindForbidden
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindClientError
	default:
		return KindSuccess
	}
}

// Error is returned by Issue for every outcome other than success.
type Error struct {
	Kind       Kind
	StatusCode int
	Method     string
	URL        string

	// Body is a bounded snippet of the response body.
	Body string

	// Challenge is the parsed WWW-Authenticate header of a 401, if any.
	Challenge *Challenge

	// Terminal means the session was ended because of this error.
	Terminal bool

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Terminal {
		msg += ", session ended"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Kind == kind {
			return true
		}
		err = pe.Err
	}
	return false
}

// IsTerminal reports whether err ended the session.
func IsTerminal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Terminal
}
