package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
	"medrec/internal/pipeline"
)

// requestSpec is a request as typed on the command line or in the shell.
type requestSpec struct {
	Method   string
	Path     string
	Data     string
	Headers  []string
	Query    []string
	NoTenant bool
}

// build turns the typed request into a pipeline request. Data starting with @ names
// a file to send.
func (s requestSpec) build() (*pipeline.Request, error) {
	req := pipeline.NewRequest(strings.ToUpper(s.Method), s.Path)
	req.RequiresAuth = !s.NoTenant

	for _, h := range s.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	for _, q := range s.Query {
		key, value, ok := strings.Cut(q, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query parameter %q, expected key=value", q)
		}
		if req.Query == nil {
			req.Query = url.Values{}
		}
		req.Query.Add(key, value)
	}

	if s.Data != "" {
		body := []byte(s.Data)
		if path, ok := strings.CutPrefix(s.Data, "@"); ok {
			var err error
			if body, err = os.ReadFile(path); err != nil {
				return nil, fmt.Errorf("failed to read request body: %w", err)
			}
		}
		req.Body = body
		if req.Header == nil {
			req.Header = http.Header{}
		}
		if req.Header.Get("Content-Type") == "" && json.Valid(body) {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	return req, nil
}

// issue sends a typed request through the application and maps failures for display.
func issue(ctx context.Context, a *app.Application, spec requestSpec) (*pipeline.Response, error) {
	req, err := spec.build()
	if err != nil {
		return nil, err
	}
	loggedIn := a.Status().LoggedIn
	resp, err := a.Issue(ctx, req)
	if err != nil {
		return nil, cli.FromRequestError(err, a.Pipeline().BaseURL(), loggedIn)
	}
	return resp, nil
}

// requestResult is the JSON rendering of a response.
type requestResult struct {
	Status  int             `json:"status"`
	URL     string          `json:"url"`
	Retried bool            `json:"retried"`
	Body    json.RawMessage `json:"body,omitempty"`
	Text    string          `json:"text,omitempty"`
}

func printResponse(w io.Writer, p *cli.Printer, resp *pipeline.Response) error {
	if p.Format() == cli.OutputFormatJSON {
		res := requestResult{Status: resp.StatusCode, URL: resp.URL, Retried: resp.Retried}
		if json.Valid(resp.Body) {
			res.Body = resp.Body
		} else {
			res.Text = string(resp.Body)
		}
		return p.JSON(res)
	}

	if len(resp.Body) == 0 {
		p.Success("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return nil
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, resp.Body, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, err := pretty.WriteTo(w)
		return err
	}
	_, err := fmt.Fprintln(w, string(resp.Body))
	return err
}

func newRequestCmd() *cobra.Command {
	var spec requestSpec

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authenticated request to the backend",
		Long: `Send one request with the stored credential and the active tenant.

PATH is relative to the backend base URL. Absolute URLs on other hosts are
sent as-is, without credential or tenant.

Examples:
  medrec request GET /api/patients
  medrec request GET /api/patients -q name=smith
  medrec request POST /api/notes -d '{"text":"follow-up in 2 weeks"}'
  medrec request PUT /api/notes/42 -d @note.json -H 'If-Match: "3"'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Method, spec.Path = args[0], args[1]
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				resp, err := issue(ctx, a, spec)
				if err != nil {
					return err
				}
				return printResponse(cmd.OutOrStdout(), p, resp)
			})
		},
	}

	cmd.Flags().StringVarP(&spec.Data, "data", "d", "", "Request body, or @file to read it from a file")
	cmd.Flags().StringArrayVarP(&spec.Headers, "header", "H", nil, "Extra header 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVarP(&spec.Query, "query", "q", nil, "Query parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&spec.NoTenant, "no-tenant", false, "Do not send the tenant header")
	return cmd
}
