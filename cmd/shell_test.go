package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrec/internal/cli"
	"medrec/internal/session"
)

func TestParseShellLine(t *testing.T) {
	tests := []struct {
		line    string
		want    requestSpec
		wantErr bool
	}{
		{line: "get /api/patients", want: requestSpec{Method: "GET", Path: "/api/patients"}},
		{line: `  POST /api/notes {"text": "follow up"}  `, want: requestSpec{Method: "POST", Path: "/api/notes", Data: `{"text": "follow up"}`}},
		{line: "GET", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseShellLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecShellLine(t *testing.T) {
	h := setupHarness(t)
	h.login(t)

	a, err := openApplication(context.Background())
	require.NoError(t, err)
	defer a.Close()

	shell := newShellCmd()
	var out bytes.Buffer
	p := cli.NewPrinter(&out, cli.OutputFormatTable)
	shell.SetErr(&out)

	require.NoError(t, execShellLine(context.Background(), shell, a, p, &out, ""))

	require.NoError(t, execShellLine(context.Background(), shell, a, p, &out, "GET /api/patients"))
	assert.Contains(t, out.String(), `"subject": "dr.ada"`)

	out.Reset()
	require.NoError(t, execShellLine(context.Background(), shell, a, p, &out, "tenant clinic-south"))
	assert.Equal(t, "clinic-south", a.Status().TenantID)

	out.Reset()
	require.NoError(t, execShellLine(context.Background(), shell, a, p, &out, "status"))
	assert.Contains(t, out.String(), "clinic-south")

	out.Reset()
	require.NoError(t, execShellLine(context.Background(), shell, a, p, &out, "help"))
	assert.Contains(t, out.String(), "leave the shell")

	assert.ErrorIs(t, execShellLine(context.Background(), shell, a, p, &out, "exit"), errShellExit)
	assert.Error(t, execShellLine(context.Background(), shell, a, p, &out, "frobnicate"))
}

func TestPrintTransition(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := session.Transition{
		Type:   session.EventLoggedOut,
		Reason: "refresh rejected",
		At:     at,
	}

	var buf bytes.Buffer
	require.NoError(t, printTransition(&buf, cli.NewPrinter(&buf, cli.OutputFormatTable), tr))
	assert.Contains(t, buf.String(), "logged_out")
	assert.Contains(t, buf.String(), "reason=refresh rejected")
	assert.Contains(t, buf.String(), "tenant=none")

	buf.Reset()
	require.NoError(t, printTransition(&buf, cli.NewPrinter(&buf, cli.OutputFormatJSON), tr))
	assert.Contains(t, buf.String(), `"event": "logged_out"`)
	assert.Contains(t, buf.String(), `"logged_in": false`)
}

func TestWatchSession_PrintsTransitions(t *testing.T) {
	h := setupHarness(t)
	h.login(t)

	a, err := openApplication(context.Background())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var out safeBuffer
	done := make(chan error, 1)
	go func() {
		done <- watchSession(ctx, a, cli.NewPrinter(&out, cli.OutputFormatTable), &out)
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("Watching session"))
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.SwitchTenant(ctx, "clinic-south"))
	require.Eventually(t, func() bool {
		return bytes.Contains(out.Bytes(), []byte("tenant_switched"))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
