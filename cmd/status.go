package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
)

func newStatusCmd() *cobra.Command {
	var showMetrics bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Long: `Show who is signed in, the active tenant and when the credential expires.

Nothing is sent to the backend. With --metrics the request counters of this
process are listed as well, which is mostly useful from the shell.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				if err := p.Fields(statusFields(a.Status())); err != nil {
					return err
				}
				if showMetrics {
					return printMetrics(a, p)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Also list request and refresh counters")
	return cmd
}

func statusFields(s app.Status) []cli.Field {
	fields := []cli.Field{
		{Key: "Logged In", Value: s.LoggedIn},
	}
	if s.SessionFile != "" {
		fields = append(fields, cli.Field{Key: "Session File", Value: s.SessionFile})
	}
	if !s.LoggedIn {
		return fields
	}

	expires := "unknown"
	if !s.ExpiresAt.IsZero() {
		expires = s.ExpiresAt.Local().Format(time.RFC3339)
		if s.Expired {
			expires += " (expired)"
		} else {
			expires += " (in " + time.Until(s.ExpiresAt).Round(time.Second).String() + ")"
		}
	}

	return append(fields,
		cli.Field{Key: "Subject", Value: s.Subject},
		cli.Field{Key: "Email", Value: s.Email},
		cli.Field{Key: "Tenant", Value: displayTenant(s.TenantID)},
		cli.Field{Key: "Expires", Value: expires},
		cli.Field{Key: "Refreshable", Value: s.Refreshable},
		cli.Field{Key: "Refresh In Flight", Value: s.RefreshInFlight},
		cli.Field{Key: "Permissions", Value: strings.Join(s.Permissions, ", ")},
	)
}

func printMetrics(a *app.Application, p *cli.Printer) error {
	samples, err := a.Metrics()
	if err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, []interface{}{s.Name, s.Labels, s.Value})
	}
	return p.Table([]string{"Metric", "Labels", "Value"}, rows)
}
