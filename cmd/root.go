package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
	"medrec/internal/pipeline"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates there is no usable session.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the login was rejected.
	ExitCodeAuthFailed = 3
	// ExitCodeUnavailable indicates the backend could not be reached.
	ExitCodeUnavailable = 4
	// ExitCodeForbidden indicates the backend refused the request for the active tenant.
	ExitCodeForbidden = 5
)

// Global flags shared by every subcommand.
var (
	configPath string
	debugMode  bool
	backendURL string
	tenantID   string
	outputFlag string
)

// openApplication builds the application for one command invocation.
// Tests replace it to run commands against a mock backend.
var openApplication = func(ctx context.Context) (*app.Application, error) {
	cfg := app.NewConfig(debugMode, configPath)
	cfg.BackendURL = backendURL
	cfg.TenantID = tenantID
	return app.NewApplication(ctx, cfg)
}

// rootCmd represents the base command for the medrec application.
var rootCmd = &cobra.Command{
	Use:   "medrec",
	Short: "Authenticated client for the multi-tenant clinical records backend",
	Long: `medrec signs in to the clinical records backend, keeps the session
fresh, and sends requests on behalf of the active tenant.

A request rejected with 401 triggers one shared credential refresh and a
single retry. When the refresh fails the session is ended and you need to
log in again.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code describing the failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "medrec version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var authRequired *cli.AuthRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}

	var authExpired *cli.AuthExpiredError
	if errors.As(err, &authExpired) {
		return ExitCodeAuthRequired
	}

	var authFailed *cli.AuthFailedError
	if errors.As(err, &authFailed) {
		return ExitCodeAuthFailed
	}

	var connErr *cli.ConnectionError
	if errors.As(err, &connErr) {
		return ExitCodeUnavailable
	}

	switch {
	case pipeline.IsKind(err, pipeline.KindTransportFailure):
		return ExitCodeUnavailable
	case pipeline.IsKind(err, pipeline.KindForbidden):
		return ExitCodeForbidden
	case pipeline.IsTerminal(err):
		return ExitCodeAuthRequired
	}

	return ExitCodeError
}

// withApplication opens the application, runs fn, and releases it.
func withApplication(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application, p *cli.Printer) error) error {
	format, err := cli.ParseOutputFormat(outputFlag)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApplication(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, cli.NewPrinter(cmd.OutOrStdout(), format))
}

// progress returns a spinner for interactive table output.
func progress(cmd *cobra.Command, p *cli.Printer, message string) *cli.Progress {
	return cli.NewProgress(cmd.ErrOrStderr(), message, p.Format() == cli.OutputFormatJSON || !isTerminal(cmd.ErrOrStderr()))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/medrec)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Override the backend base URL")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Override the default tenant")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format (table, json)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRequestCmd())
	rootCmd.AddCommand(newTenantCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newShellCmd())
}
