package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
)

const otherDiameter = "Other..."

var commonDiameters = []string{"0.2", "0.25", "0.3", "0.4", "0.5", "0.6", "0.8", "1.0", "1.2"}

var errPromptCanceled = errors.New("selection canceled")

// isInteractiveAllowed reports whether stdin, stdout and stderr are all
// terminals and TERM is usable for prompting.
func isInteractiveAllowed() bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) || !isatty.IsTerminal(os.Stderr.Fd()) {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	return term != "" && term != "dumb"
}

// noBellStdout drops the terminal bell promptui emits on every keystroke.
type noBellStdout struct{}

func (noBellStdout) Write(b []byte) (int, error) {
	if len(b) == 1 && b[0] == '\a' {
		return 0, nil
	}
	return os.Stderr.Write(b)
}

func (noBellStdout) Close() error { return nil }

var selectTemplates = &promptui.SelectTemplates{
	Label:    "{{ . }}",
	Active:   "▸ {{ . | cyan }}",
	Inactive: "  {{ . }}",
	Selected: "✔ {{ . | green }}",
}

func promptError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
		return errPromptCanceled
	}
	return err
}

func selectExtruder(names []string) (string, error) {
	if len(names) == 1 {
		return names[0], nil
	}
	prompt := promptui.Select{
		Label:     "Select the extruder whose nozzle was swapped",
		Items:     names,
		Templates: selectTemplates,
		Stdout:    noBellStdout{},
	}
	_, name, err := prompt.Run()
	if err != nil {
		return "", promptError(err)
	}
	return name, nil
}

func selectDiameter(current float64) (string, error) {
	items := append(append([]string{}, commonDiameters...), otherDiameter)
	prompt := promptui.Select{
		Label:     fmt.Sprintf("Select the fitted nozzle diameter (current %.3f mm)", current),
		Items:     items,
		Templates: selectTemplates,
		Size:      len(items),
		Stdout:    noBellStdout{},
	}
	_, choice, err := prompt.Run()
	if err != nil {
		return "", promptError(err)
	}
	if choice != otherDiameter {
		return choice, nil
	}

	input := promptui.Prompt{
		Label:  "Nozzle diameter (mm)",
		Stdout: noBellStdout{},
		Validate: func(s string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return fmt.Errorf("not a number")
			}
			if v <= 0 {
				return fmt.Errorf("must be above 0")
			}
			return nil
		},
	}
	value, err := input.Run()
	if err != nil {
		return "", promptError(err)
	}
	return strings.TrimSpace(value), nil
}
