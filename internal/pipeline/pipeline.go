package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"medrec/internal/metrics"
	"medrec/internal/refresh"
	"medrec/internal/session"
	"medrec/pkg/logging"
	pkgstrings "medrec/pkg/strings"
)

const (
	// DefaultTenantHeader carries the active tenant id.
	DefaultTenantHeader = "X-Tenant-ID"

	// RequestIDHeader correlates client and backend logs.
	RequestIDHeader = "X-Request-ID"

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 16 << 20
)

// SessionSource is the read side of the credential store.
type SessionSource interface {
	State() session.State
	ExpiresWithin(d time.Duration) bool
}

// Refresher obtains a new credential after a 401.
type Refresher interface {
	RequestRefresh(ctx context.Context, staleAccessToken string) refresh.Outcome
}

// SessionController is told when the session cannot be recovered.
type SessionController interface {
	OnUnrecoverableAuthFailure(ctx context.Context, reason error)
}

// Options configures a Pipeline.
type Options struct {
	// BaseURL is the backend address. Required.
	BaseURL string

	// TenantHeader defaults to DefaultTenantHeader.
	TenantHeader string

	// ProactiveRefresh refreshes before dispatch when the credential's
	// known expiry is this close. Zero disables it.
	ProactiveRefresh time.Duration

	Transport  Transport
	Session    SessionSource
	Tenants    *session.TenantResolver
	Refresher  Refresher
	Controller SessionController
	Metrics    *metrics.Metrics
}

// Pipeline issues backend requests with credential and tenant handling.
type Pipeline struct {
	base         *url.URL
	tenantHeader string
	proactive    time.Duration

	transport  Transport
	session    SessionSource
	tenants    *session.TenantResolver
	refresher  Refresher
	controller SessionController
	metrics    *metrics.Metrics
}

// New validates opts and returns a pipeline.
func New(opts Options) (*Pipeline, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend URL must be absolute: %q", opts.BaseURL)
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Session == nil {
		return nil, errors.New("session source is required")
	}
	if opts.Refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("session controller is required")
	}

	p := &Pipeline{
		base:         base,
		tenantHeader: opts.TenantHeader,
		proactive:    opts.ProactiveRefresh,
		transport:    opts.Transport,
		session:      opts.Session,
		tenants:      opts.Tenants,
		refresher:    opts.Refresher,
		controller:   opts.Controller,
		metrics:      opts.Metrics,
	}
	if p.tenantHeader == "" {
		p.tenantHeader = DefaultTenantHeader
	}
	if p.tenants == nil {
		p.tenants = session.NewTenantResolver("")
	}
	return p, nil
}

// BaseURL returns the backend address.
func (p *Pipeline) BaseURL() string {
	return p.base.String()
}

// Issue sends req and returns the response for any 1xx-3xx outcome.
// Every other outcome is returned as an *Error.
func (p *Pipeline) Issue(ctx context.Context, req *Request) (*Response, error) {
	defer p.metrics.TrackInFlight()()

	target, backend, err := p.resolve(req)
	if err != nil {
		return nil, err
	}

	if backend && p.proactive > 0 && !req.IsRefreshCall && !req.IsLogoutCall &&
		p.session.ExpiresWithin(p.proactive) {
		if err := p.refreshAhead(ctx, req, target); err != nil {
			return nil, err
		}
	}

	resp, sent, err := p.dispatch(ctx, req, target, backend)
	if err != nil {
		return nil, err
	}
	kind := Classify(resp.StatusCode)
	if kind != KindAuthExpired || !backend || req.IsRefreshCall || req.IsLogoutCall {
		return p.finish(req, resp, kind)
	}

	logging.Debug("Pipeline", "%s %s rejected with 401, requesting refresh", req.Method, target.Path)
	out := p.refresher.RequestRefresh(ctx, sent)
	if !out.OK() {
		rejected := p.errorFor(req, resp, KindAuthExpired)
		if ctx.Err() != nil || !refresh.IsUnrecoverable(out.Err) {
			// The caller gave up; the session itself may still be fine.
			rejected.Err = out.Err
			return nil, rejected
		}
		p.teardown(ctx, out.Err)
		rejected.Terminal = true
		rejected.Err = &Error{Kind: KindRefreshFailure, Method: req.Method, URL: resp.URL, Err: out.Err}
		return nil, rejected
	}

	p.metrics.IncRetry()
	retried, _, err := p.dispatch(ctx, req, target, backend)
	if err != nil {
		return nil, err
	}
	retried.Retried = true

	kind = Classify(retried.StatusCode)
	if kind == KindAuthExpired {
		rejected := p.errorFor(req, retried, kind)
		rejected.Terminal = true
		rejected.Err = errors.New("credential rejected immediately after refresh")
		p.teardown(ctx, rejected.Err)
		return nil, rejected
	}
	return p.finish(req, retried, kind)
}

// resolve qualifies req.Path and reports whether it targets the backend.
func (p *Pipeline) resolve(req *Request) (*url.URL, bool, error) {
	if req == nil {
		return nil, false, errors.New("nil request")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ref, err := url.Parse(req.Path)
	if err != nil {
		return nil, false, fmt.Errorf("invalid request path %q: %w", req.Path, err)
	}

	var target *url.URL
	if ref.IsAbs() {
		target = ref
	} else {
		target = &url.URL{
			Scheme:   p.base.Scheme,
			Host:     p.base.Host,
			Path:     p.base.Path + "/" + strings.TrimPrefix(ref.Path, "/"),
			RawQuery: ref.RawQuery,
		}
	}

	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	backend := strings.EqualFold(target.Scheme, p.base.Scheme) && strings.EqualFold(target.Host, p.base.Host)
	return target, backend, nil
}

// dispatch runs the injection stages against one session snapshot and
// sends the request. It returns the access token that was attached.
func (p *Pipeline) dispatch(ctx context.Context, req *Request, target *url.URL, backend bool) (*Response, string, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	var sent string
	if backend {
		st := p.session.State()
		if req.RequiresAuth {
			if tenantID, ok := p.tenants.Reconcile(st, req.Header.Get(p.tenantHeader)); ok {
				httpReq.Header.Set(p.tenantHeader, tenantID)
			}
		}
		if st.Credential.Present() {
			httpReq.Header.Set("Authorization", st.Credential.AuthorizationHeader())
			sent = st.Credential.AccessToken
		}
		if httpReq.Header.Get(RequestIDHeader) == "" {
			httpReq.Header.Set(RequestIDHeader, uuid.NewString())
		}
	}

	start := time.Now()
	httpResp, err := p.transport.Send(ctx, httpReq)
	if err != nil {
		p.metrics.ObserveRequest(req.Method, KindTransportFailure.String(), time.Since(start))
		return nil, sent, &Error{Kind: KindTransportFailure, Method: req.Method, URL: target.String(), Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		p.metrics.ObserveRequest(req.Method, KindTransportFailure.String(), time.Since(start))
		return nil, sent, &Error{
			Kind:       KindTransportFailure,
			StatusCode: httpResp.StatusCode,
			Method:     req.Method,
			URL:        target.String(),
			Err:        fmt.Errorf("failed to read response body: %w", err),
		}
	}

	p.metrics.ObserveRequest(req.Method, Classify(httpResp.StatusCode).String(), time.Since(start))
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		URL:        target.String(),
	}, sent, nil
}

func (p *Pipeline) finish(req *Request, resp *Response, kind Kind) (*Response, error) {
	if kind == KindSuccess {
		return resp, nil
	}
	return nil, p.errorFor(req, resp, kind)
}

func (p *Pipeline) errorFor(req *Request, resp *Response, kind Kind) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		URL:        resp.URL,
		Body:       pkgstrings.BodySnippet(resp.Body, pkgstrings.DefaultSnippetLen),
		Challenge:  challengeFrom(resp.StatusCode, resp.Header),
	}
}

// refreshAhead refreshes a credential that is about to expire. A refresh
// token the identity backend refuses ends the session and is returned as a
// terminal error; any other failure is logged and the request goes out with
// whatever the store then holds, leaving the 401 path to decide.
func (p *Pipeline) refreshAhead(ctx context.Context, req *Request, target *url.URL) error {
	st := p.session.State()
	if !st.Credential.Refreshable() {
		return nil
	}
	logging.Debug("Pipeline", "Credential expires within %s, refreshing ahead of dispatch", p.proactive)
	out := p.refresher.RequestRefresh(ctx, st.Credential.AccessToken)
	if out.OK() {
		return nil
	}
	if !errors.Is(out.Err, refresh.ErrRefreshRejected) && !errors.Is(out.Err, refresh.ErrNoRefreshCredential) {
		logging.Warn("Pipeline", "Proactive refresh failed: %v", out.Err)
		return nil
	}

	p.teardown(ctx, out.Err)
	return &Error{
		Kind:     KindAuthExpired,
		Method:   req.Method,
		URL:      target.String(),
		Terminal: true,
		Err:      &Error{Kind: KindRefreshFailure, Method: req.Method, URL: target.String(), Err: out.Err},
	}
}

func (p *Pipeline) teardown(ctx context.Context, reason error) {
	p.metrics.IncTeardown()
	p.controller.OnUnrecoverableAuthFailure(context.WithoutCancel(ctx), reason)
}
