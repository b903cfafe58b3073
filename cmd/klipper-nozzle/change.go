package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/printer"
)

var (
	changeExtruder     string
	changeDiameter     float64
	changeCrossSection float64
	changeInteractive  bool
)

var changeCmd = &cobra.Command{
	Use:   "change",
	Short: "Record a nozzle swap and persist it",
	Long: `Apply CHANGE_NOZZLE to one extruder, recompute its limits and write the new
nozzle to the save_variables file. Without --extruder the active extruder is
used. Omitted values fall back to the extruder's configured defaults.

The variables file is merged under a lock, so a running serve process keeps
this record. That process applies it at its next restart; to change a live
host send CHANGE_NOZZLE through its API instead.`,
	Example: `  klipper-nozzle change --extruder extruder1 --nozzle-diameter 0.6
  klipper-nozzle change --nozzle-diameter 0.4 --max-extrude-cross-section 1.2
  klipper-nozzle change -i`,
	Args: cobra.NoArgs,
	RunE: runChange,
}

func init() {
	changeCmd.Flags().StringVarP(&changeExtruder, "extruder", "e", "", "extruder section name (default: active extruder)")
	changeCmd.Flags().Float64VarP(&changeDiameter, "nozzle-diameter", "d", 0, "fitted nozzle diameter in mm")
	changeCmd.Flags().Float64Var(&changeCrossSection, "max-extrude-cross-section", 0, "maximum extrusion cross section in mm²")
	changeCmd.Flags().BoolVarP(&changeInteractive, "interactive", "i", false, "choose the extruder and diameter from a list")
	rootCmd.AddCommand(changeCmd)
}

func runChange(cmd *cobra.Command, args []string) error {
	p, err := startPrinter(false)
	if err != nil {
		return err
	}
	defer p.Stop()

	extruder := changeExtruder
	diameter := ""
	if cmd.Flags().Changed("nozzle-diameter") {
		diameter = formatFloat(changeDiameter)
	}

	if changeInteractive {
		if !isInteractiveAllowed() {
			return fmt.Errorf("--interactive requires a terminal")
		}
		extruder, diameter, err = promptChange(p, extruder)
		if errors.Is(err, errPromptCanceled) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Canceled.")
			return nil
		}
		if err != nil {
			return err
		}
	}

	script := changeScript(extruder, diameter, cmd.Flags().Changed("max-extrude-cross-section"))
	out, err := p.ExecuteGCodeCapture(script)
	for _, line := range out {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(line, "// "))
	}
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "Nozzle change saved.")
	return nil
}

func promptChange(p *printer.Printer, extruder string) (string, string, error) {
	if extruder == "" {
		names := nozzle.DiscoverExtruders(p.Config())
		if len(names) == 0 {
			return "", "", fmt.Errorf("no extruder sections configured")
		}
		var err error
		if extruder, err = selectExtruder(names); err != nil {
			return "", "", err
		}
	}
	current := 0.0
	if status := p.GetObjectStatus(extruder, []string{"nozzle_diameter"}); status != nil {
		current, _ = status["nozzle_diameter"].(float64)
	}
	diameter, err := selectDiameter(current)
	if err != nil {
		return "", "", err
	}
	return extruder, diameter, nil
}

func changeScript(extruder, diameter string, withCrossSection bool) string {
	var b strings.Builder
	b.WriteString("CHANGE_NOZZLE")
	if extruder != "" {
		b.WriteString(" EXTRUDER=" + extruder)
	}
	if diameter != "" {
		b.WriteString(" NOZZLE_DIAMETER=" + diameter)
	}
	if withCrossSection {
		b.WriteString(" MAX_EXTRUDE_CROSS_SECTION=" + formatFloat(changeCrossSection))
	}
	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
