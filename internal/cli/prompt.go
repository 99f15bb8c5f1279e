package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// Prompter asks the user for input. Tests substitute a scripted version.
type Prompter interface {
	Input(label, defaultValue string) (string, error)
	Password(label string) (string, error)
	Select(label string, items []string) (int, error)
}

// TerminalPrompter prompts on the controlling terminal.
type TerminalPrompter struct{}

func notEmpty(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("value cannot be empty")
	}
	return nil
}

// Input reads one line of text.
func (TerminalPrompter) Input(label, defaultValue string) (string, error) {
	prompt := promptui.Prompt{
		Label:    label,
		Default:  defaultValue,
		Validate: notEmpty,
	}
	result, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", label, err)
	}
	return strings.TrimSpace(result), nil
}

// Password reads a secret without echoing it.
func (TerminalPrompter) Password(label string) (string, error) {
	prompt := promptui.Prompt{
		Label:    label,
		Mask:     '*',
		Validate: notEmpty,
	}
	result, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt %q: %w", label, err)
	}
	return result, nil
}

// Select lets the user pick one of items and returns its index.
func (TerminalPrompter) Select(label string, items []string) (int, error) {
	if len(items) == 0 {
		return -1, errors.New("nothing to select")
	}
	sel := promptui.Select{
		Label: label,
		Items: items,
		Size:  10,
	}
	idx, _, err := sel.Run()
	if err != nil {
		return -1, fmt.Errorf("select %q: %w", label, err)
	}
	return idx, nil
}

// IsInterrupt reports whether err came from the user aborting a prompt.
func IsInterrupt(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || errors.Is(err, promptui.ErrAbort)
}
