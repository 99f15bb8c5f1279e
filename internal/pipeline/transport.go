package pipeline

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Transport sends one HTTP request. Implementations must honour ctx.
type Transport interface {
	Send(ctx context.Context, req *http.Request) (*http.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f TransportFunc) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPTransport sends requests with an http.Client, optionally throttled
// by a client-side rate limiter.
type HTTPTransport struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport returns a transport with the given per-request timeout.
// ratePerSecond <= 0 disables throttling.
func NewHTTPTransport(timeout time.Duration, ratePerSecond float64, burst int) *HTTPTransport {
	t := &HTTPTransport{client: &http.Client{Timeout: timeout}}
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return t
}

// Client returns the underlying client, for collaborators that need plain
// HTTP such as the identity token exchange.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

func (t *HTTPTransport) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.client.Do(req.WithContext(ctx))
}
