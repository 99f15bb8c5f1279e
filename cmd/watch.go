package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
	"medrec/internal/session"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print session changes as they happen",
		Long: `Follow the stored session and print every transition: logins, refreshes,
tenant switches and logouts, including those made by other medrec processes.

Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return watchSession(ctx, a, p, cmd.OutOrStdout())
			})
		},
	}
}

// transitionView is the JSON rendering of a session transition.
type transitionView struct {
	Event    string    `json:"event"`
	At       time.Time `json:"at"`
	LoggedIn bool      `json:"logged_in"`
	Tenant   string    `json:"tenant,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

func viewOf(tr session.Transition) transitionView {
	v := transitionView{
		Event:    string(tr.Type),
		At:       tr.At,
		LoggedIn: tr.State.LoggedIn(),
		Tenant:   tr.State.ActiveTenantID,
		Reason:   tr.Reason,
	}
	if tr.State.Identity != nil {
		v.Subject = tr.State.Identity.Subject
	}
	return v
}

func watchSession(ctx context.Context, a *app.Application, p *cli.Printer, w io.Writer) error {
	events, cancel := a.Subscribe()
	defer cancel()

	if err := a.StartWatching(); err != nil {
		return err
	}
	if p.Format() != cli.OutputFormatJSON {
		fmt.Fprintf(w, "Watching session (logged_in=%t, tenant=%s)\n", a.Status().LoggedIn, displayTenant(a.Status().TenantID))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-events:
			if !ok {
				return nil
			}
			if err := printTransition(w, p, tr); err != nil {
				return err
			}
		}
	}
}

func printTransition(w io.Writer, p *cli.Printer, tr session.Transition) error {
	v := viewOf(tr)
	if p.Format() == cli.OutputFormatJSON {
		return p.JSON(v)
	}

	event := text.FgHiCyan.Sprint(v.Event)
	if tr.Type == session.EventLoggedOut {
		event = text.FgRed.Sprint(v.Event)
	}
	line := fmt.Sprintf("%s  %-16s tenant=%s", v.At.Local().Format(time.TimeOnly), event, displayTenant(v.Tenant))
	if v.Subject != "" {
		line += " subject=" + v.Subject
	}
	if v.Reason != "" {
		line += " reason=" + v.Reason
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
