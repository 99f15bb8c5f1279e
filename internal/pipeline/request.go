package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request describes one outgoing call. It is built per call and never stored.
type Request struct {
	Method string

	// Path is relative to the backend address, or an absolute URL.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// RequiresAuth asks for the tenant header on backend calls.
	RequiresAuth bool

	// IsRefreshCall and IsLogoutCall mark requests that must never trigger
	// a refresh when rejected.
	IsRefreshCall bool
	IsLogoutCall  bool
}

// NewRequest returns an authenticated request without a body.
func NewRequest(method, path string) *Request {
	return &Request{Method: method, Path: path, RequiresAuth: true}
}

// NewJSONRequest returns an authenticated request with v encoded as JSON.
func NewJSONRequest(method, path string, v interface{}) (*Request, error) {
	req := NewRequest(method, path)
	if v == nil {
		return req, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req.Body = body
	req.Header = http.Header{"Content-Type": []string{"application/json"}}
	return req, nil
}

// Response is a successful backend answer with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string

	// Retried is set when the answer came from the re-dispatch after a refresh.
	Retried bool
}

// DecodeJSON unmarshals the body into v. An empty body leaves v untouched.
func (r *Response) DecodeJSON(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", r.URL, err)
	}
	return nil
}
