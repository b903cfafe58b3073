package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/printer"
)

var statusJSON bool

var statusAttrs = []string{
	"nozzle_diameter",
	"max_extrude_ratio",
	"filament_area",
	"max_extrude_only_velocity",
	"max_extrude_only_accel",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the nozzle fitted to each extruder",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := startPrinter(true)
	if err != nil {
		return err
	}
	defer p.Stop()

	names := nozzle.DiscoverExtruders(p.Config())
	status := make(map[string]map[string]any, len(names))
	for _, name := range names {
		status[name] = p.GetObjectStatus(name, statusAttrs)
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printStatus(cmd.OutOrStdout(), p, names, status)
	return nil
}

func printStatus(w io.Writer, p *printer.Printer, names []string, status map[string]map[string]any) {
	state, msg := p.State()
	stateColor := color.New(color.FgGreen)
	if state != printer.StateReady {
		stateColor = color.New(color.FgRed)
	}
	stateColor.Fprintf(w, "State: %s\n", state)
	if state != printer.StateReady && msg != "" {
		fmt.Fprintln(w, msg)
	}

	header := color.New(color.FgCyan, color.Bold)
	for _, name := range names {
		s := status[name]
		header.Fprintf(w, "\n[%s]\n", name)
		for _, attr := range statusAttrs {
			v, ok := s[attr]
			if !ok || v == nil {
				fmt.Fprintf(w, "  %-26s %s\n", attr, color.New(color.Faint).Sprint("-"))
				continue
			}
			fmt.Fprintf(w, "  %-26s %v\n", attr, v)
		}
	}
}
