package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
	"medrec/internal/session"
)

// prompter asks for missing login input. Tests replace it.
var prompter cli.Prompter = cli.TerminalPrompter{}

func newLoginCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the clinical records backend",
		Long: `Sign in with a username and password and store the session.

The password is read from a masked prompt, or from the first line of
standard input with --password-stdin.

Examples:
  medrec login
  medrec login -u dr.ada --tenant clinic-north
  echo "$PASSWORD" | medrec login -u dr.ada --password-stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				user := username
				if user == "" {
					var err error
					if user, err = prompter.Input("Username", ""); err != nil {
						return err
					}
				}

				var password string
				var err error
				if passwordStdin {
					password, err = readPassword(cmd)
				} else {
					password, err = prompter.Password("Password")
				}
				if err != nil {
					return err
				}

				var st session.State
				err = progress(cmd, p, "Signing in...").Run(func() error {
					var loginErr error
					st, loginErr = a.Login(ctx, user, password, tenantID)
					return loginErr
				})
				if err != nil {
					return cli.FromLoginError(err, identityName(a))
				}

				if p.Format() == cli.OutputFormatJSON {
					return p.Fields(statusFields(a.Status()))
				}
				who := user
				if st.Identity != nil && st.Identity.Subject != "" {
					who = st.Identity.Subject
				}
				p.Success("Logged in as %s (tenant %s)", who, displayTenant(a.Status().TenantID))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted when omitted)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from standard input")
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		return "", errors.New("empty password on stdin")
	}
	return line, nil
}

func identityName(a *app.Application) string {
	id := a.Config().Identity
	if id.Issuer != "" {
		return id.Issuer
	}
	return id.TokenURL
}

func displayTenant(id string) string {
	if id == "" {
		return "none"
	}
	return id
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				if !a.Status().LoggedIn {
					p.Warn("Not logged in")
					return nil
				}
				if err := a.Logout(ctx); err != nil {
					return err
				}
				p.Success("Logged out")
				return nil
			})
		},
	}
}
