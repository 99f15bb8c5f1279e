package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"medrec/internal/cli"
	"medrec/internal/pipeline"
)

func TestSetVersion(t *testing.T) {
	original := rootCmd.Version
	defer func() { rootCmd.Version = original }()

	SetVersion("1.2.3-test")
	if GetVersion() != "1.2.3-test" {
		t.Errorf("Expected version to be 1.2.3-test, got %s", GetVersion())
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "medrec" {
		t.Errorf("Expected Use to be 'medrec', got %s", rootCmd.Use)
	}
	if rootCmd.Short == "" || rootCmd.Long == "" {
		t.Error("Expected descriptions to be set")
	}
	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}

	for _, name := range []string{"login", "logout", "status", "request", "tenant", "watch", "shell", "version"} {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected subcommand %q", name)
		}
	}

	for _, flag := range []string{"config-path", "debug", "backend", "tenant", "output"} {
		if rootCmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("Expected persistent flag %q", flag)
		}
	}
}

func TestVersionTemplate(t *testing.T) {
	testCmd := &cobra.Command{
		Use:     "test",
		Version: "1.0.0",
	}
	testCmd.SetVersionTemplate(`{{printf "medrec version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetArgs([]string{"--version"})
	if err := testCmd.Execute(); err != nil {
		t.Fatalf("Error executing version command: %v", err)
	}

	if !strings.Contains(buf.String(), "medrec version 1.0.0") {
		t.Errorf("Unexpected version output: %q", buf.String())
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"general", errors.New("boom"), ExitCodeError},
		{"auth required", &cli.AuthRequiredError{Backend: "b"}, ExitCodeAuthRequired},
		{"auth expired", &cli.AuthExpiredError{Backend: "b"}, ExitCodeAuthRequired},
		{"wrapped auth expired", fmt.Errorf("request: %w", &cli.AuthExpiredError{Backend: "b"}), ExitCodeAuthRequired},
		{"auth failed", &cli.AuthFailedError{Backend: "b"}, ExitCodeAuthFailed},
		{"connection", &cli.ConnectionError{Endpoint: "b", Reason: errors.New("refused")}, ExitCodeUnavailable},
		{"transport kind", &pipeline.Error{Kind: pipeline.KindTransportFailure}, ExitCodeUnavailable},
		{"forbidden", &pipeline.Error{Kind: pipeline.KindForbidden, StatusCode: 403}, ExitCodeForbidden},
		{"terminal", &pipeline.Error{Kind: pipeline.KindAuthExpired, Terminal: true}, ExitCodeAuthRequired},
		{"server error", &pipeline.Error{Kind: pipeline.KindServerError, StatusCode: 503}, ExitCodeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.want {
				t.Errorf("getExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
