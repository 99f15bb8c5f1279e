package cli

import (
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Progress wraps a terminal spinner. A quiet Progress does nothing, which is
// what JSON output and non-interactive runs use.
type Progress struct {
	s *spinner.Spinner
}

// NewProgress creates a spinner writing to w. Pass quiet to disable it.
func NewProgress(w io.Writer, message string, quiet bool) *Progress {
	if quiet {
		return &Progress{}
	}
	if w == nil {
		w = os.Stderr
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + message
	return &Progress{s: s}
}

// Start shows the spinner.
func (p *Progress) Start() {
	if p.s != nil {
		p.s.Start()
	}
}

// Stop hides the spinner. A non-nil err leaves a red failure line behind.
func (p *Progress) Stop(err error) {
	if p.s == nil {
		return
	}
	if err != nil {
		p.s.FinalMSG = text.FgRed.Sprint("✗") + p.s.Suffix + "\n"
	}
	p.s.Stop()
}

// Run shows the spinner while fn runs.
func (p *Progress) Run(fn func() error) error {
	p.Start()
	err := fn()
	p.Stop(err)
	return err
}
