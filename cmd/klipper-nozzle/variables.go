package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-go-nozzle/pkg/nozzle"
	"klipper-go-nozzle/pkg/savevars"
)

var variablesCmd = &cobra.Command{
	Use:   "variables",
	Short: "List the persisted variables, including saved nozzles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sec, err := cfg.GetSection("save_variables")
		if err != nil {
			return err
		}
		store, err := savevars.FromSection(sec)
		if err != nil {
			return err
		}

		vars := store.AllVariables(0)
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)

		nozzleKeys := make(map[string]bool)
		for _, ext := range nozzle.DiscoverExtruders(cfg) {
			nozzleKeys[nozzle.VariableKey(ext)] = true
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n", store.Filename())
		highlight := color.New(color.FgYellow)
		for _, name := range names {
			literal, err := savevars.EncodeValue(vars[name])
			if err != nil {
				return fmt.Errorf("variable %s: %w", name, err)
			}
			if nozzleKeys[name] {
				highlight.Fprintf(out, "%s = %s\n", name, literal)
				continue
			}
			fmt.Fprintf(out, "%s = %s\n", name, literal)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(variablesCmd)
}
