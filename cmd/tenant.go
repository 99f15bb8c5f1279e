package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
	"medrec/internal/tenant"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "List and switch tenants",
	}
	cmd.AddCommand(newTenantListCmd())
	cmd.AddCommand(newTenantSwitchCmd())
	return cmd
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tenants available to the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				tenants, err := listTenants(ctx, cmd, a, p)
				if err != nil {
					return err
				}
				active := a.Status().TenantID
				rows := make([][]interface{}, 0, len(tenants))
				for _, t := range tenants {
					rows = append(rows, []interface{}{t.ID, t.Name, t.ID == active})
				}
				return p.Table([]string{"ID", "Name", "Active"}, rows)
			})
		},
	}
}

func newTenantSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch [TENANT_ID]",
		Short: "Make another tenant active",
		Long: `Make another tenant active for all following requests.

Without TENANT_ID the available tenants are offered for selection.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				var target string
				if len(args) == 1 {
					target = args[0]
				} else {
					tenants, err := listTenants(ctx, cmd, a, p)
					if err != nil {
						return err
					}
					if target, err = selectTenant(tenants); err != nil {
						return err
					}
				}
				return switchTenant(ctx, cmd, a, p, target)
			})
		},
	}
}

func listTenants(ctx context.Context, cmd *cobra.Command, a *app.Application, p *cli.Printer) ([]tenant.Tenant, error) {
	loggedIn := a.Status().LoggedIn
	var tenants []tenant.Tenant
	err := progress(cmd, p, "Fetching tenants...").Run(func() error {
		var listErr error
		tenants, listErr = a.Tenants(ctx)
		return listErr
	})
	if err != nil {
		return nil, cli.FromRequestError(err, a.Pipeline().BaseURL(), loggedIn)
	}
	return tenants, nil
}

func selectTenant(tenants []tenant.Tenant) (string, error) {
	if len(tenants) == 0 {
		return "", fmt.Errorf("no tenants available")
	}
	items := make([]string, len(tenants))
	for i, t := range tenants {
		items[i] = fmt.Sprintf("%s (%s)", t.Name, t.ID)
	}
	idx, err := prompter.Select("Tenant", items)
	if err != nil {
		return "", err
	}
	return tenants[idx].ID, nil
}

func switchTenant(ctx context.Context, cmd *cobra.Command, a *app.Application, p *cli.Printer, target string) error {
	loggedIn := a.Status().LoggedIn
	if !loggedIn {
		return &cli.AuthRequiredError{Backend: a.Pipeline().BaseURL()}
	}
	err := progress(cmd, p, "Switching to "+target+"...").Run(func() error {
		return a.SwitchTenant(ctx, target)
	})
	if err != nil {
		return cli.FromRequestError(err, a.Pipeline().BaseURL(), loggedIn)
	}
	p.Success("Active tenant is now %s", target)
	return nil
}
