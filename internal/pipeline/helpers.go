package pipeline

import (
	"context"
	"net/http"
)

// Get issues an authenticated GET.
func (p *Pipeline) Get(ctx context.Context, path string) (*Response, error) {
	return p.Issue(ctx, NewRequest(http.MethodGet, path))
}

// Delete issues an authenticated DELETE.
func (p *Pipeline) Delete(ctx context.Context, path string) (*Response, error) {
	return p.Issue(ctx, NewRequest(http.MethodDelete, path))
}

// Post issues an authenticated POST with v as the JSON body.
func (p *Pipeline) Post(ctx context.Context, path string, v interface{}) (*Response, error) {
	return p.doJSON(ctx, http.MethodPost, path, v)
}

// Put issues an authenticated PUT with v as the JSON body.
func (p *Pipeline) Put(ctx context.Context, path string, v interface{}) (*Response, error) {
	return p.doJSON(ctx, http.MethodPut, path, v)
}

// GetJSON issues a GET and decodes the JSON answer into out.
func (p *Pipeline) GetJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := p.Get(ctx, path)
	if err != nil {
		return err
	}
	return resp.DecodeJSON(out)
}

func (p *Pipeline) doJSON(ctx context.Context, method, path string, v interface{}) (*Response, error) {
	req, err := NewJSONRequest(method, path, v)
	if err != nil {
		return nil, err
	}
	return p.Issue(ctx, req)
}
