package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"medrec/internal/app"
	"medrec/internal/cli"
	"medrec/internal/session"
)

const shellHistoryFile = ".medrec_history"

var errShellExit = errors.New("exit")

var shellMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead,
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session for sending requests",
		Long: `Start an interactive shell that keeps one session open.

Inside the shell:
  GET /api/patients               send a request
  POST /api/notes {"text":"..."}  send a request with a JSON body
  tenants                         list tenants
  tenant [ID]                     switch tenant (select when ID is omitted)
  status                          show the session
  metrics                         show request and refresh counters
  help                            show this help
  exit                            leave the shell`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, func(ctx context.Context, a *app.Application, p *cli.Printer) error {
				return runShell(ctx, cmd, a, p)
			})
		},
	}
}

func shellCompleter() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(shellMethods)+6)
	for _, m := range shellMethods {
		items = append(items, readline.PcItem(m))
	}
	items = append(items,
		readline.PcItem("tenants"),
		readline.PcItem("tenant"),
		readline.PcItem("status"),
		readline.PcItem("metrics"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	return readline.NewPrefixCompleter(items...)
}

func runShell(ctx context.Context, cmd *cobra.Command, a *app.Application, p *cli.Printer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            shellPrompt(a.Status().TenantID),
		HistoryFile:       filepath.Join(a.ConfigDir(), shellHistoryFile),
		AutoComplete:      shellCompleter(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	shellPrinter := cli.NewPrinter(out, p.Format())

	// Session changes made by a refresh failure or another process show up
	// between prompts.
	events, cancel := a.Subscribe()
	defer cancel()
	go func() {
		for tr := range events {
			if tr.Type == session.EventLoggedOut {
				fmt.Fprintln(out, text.FgRed.Sprint("Session ended: ")+tr.Reason)
			}
			rl.SetPrompt(shellPrompt(tr.State.ActiveTenantID))
			rl.Refresh()
		}
	}()
	if err := a.StartWatching(); err != nil {
		fmt.Fprintf(out, "Not watching the session file: %v\n", err)
	}

	fmt.Fprintln(out, "medrec shell. Type 'help' for commands, 'exit' to leave.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if len(line) == 0 {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		err = execShellLine(ctx, cmd, a, shellPrinter, out, line)
		if errors.Is(err, errShellExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, text.FgRed.Sprint("Error: ")+err.Error())
		}
	}
}

func shellPrompt(tenantID string) string {
	if tenantID == "" {
		return "medrec> "
	}
	return fmt.Sprintf("medrec[%s]> ", tenantID)
}

// parseShellLine splits a request line into method, path and an optional
// body. The body is everything after the path, verbatim.
func parseShellLine(line string) (requestSpec, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return requestSpec{}, fmt.Errorf("usage: METHOD PATH [BODY]")
	}
	spec := requestSpec{Method: strings.ToUpper(fields[0]), Path: fields[1]}

	rest := strings.TrimSpace(line)
	rest = strings.TrimSpace(rest[len(fields[0]):])
	rest = strings.TrimSpace(rest[len(fields[1]):])
	spec.Data = rest
	return spec, nil
}

func isShellMethod(word string) bool {
	for _, m := range shellMethods {
		if strings.EqualFold(m, word) {
			return true
		}
	}
	return false
}

func execShellLine(ctx context.Context, cmd *cobra.Command, a *app.Application, p *cli.Printer, out io.Writer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)

	switch word := strings.ToLower(fields[0]); {
	case word == "exit" || word == "quit":
		return errShellExit
	case word == "help":
		fmt.Fprintln(out, cmd.Long)
		return nil
	case word == "status":
		return p.Fields(statusFields(a.Status()))
	case word == "metrics":
		return printMetrics(a, p)
	case word == "tenants":
		tenants, err := listTenants(ctx, cmd, a, p)
		if err != nil {
			return err
		}
		rows := make([][]interface{}, 0, len(tenants))
		for _, t := range tenants {
			rows = append(rows, []interface{}{t.ID, t.Name})
		}
		return p.Table([]string{"ID", "Name"}, rows)
	case word == "tenant":
		target := ""
		if len(fields) > 1 {
			target = fields[1]
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
	case isShellMethod(word):
		spec, err := parseShellLine(line)
		if err != nil {
			return err
		}
		resp, err := issue(ctx, a, spec)
		if err != nil {
			return err
		}
		return printResponse(out, p, resp)
	}
	return fmt.Errorf("unknown command %q, type 'help'", fields[0])
}
