package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-safety/pkg/catalog"
)

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List categories and builtin preset policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := catalog.Default()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			fmt.Fprintln(w, "CATEGORY\tTHRESHOLD\tPLACEHOLDER\tCOMBINATIONS")
			for _, cat := range reg.Categories() {
				combos := make([]string, 0, len(cat.Allowed))
				for _, c := range cat.Allowed {
					combos = append(combos, c.String())
				}
				fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\n", cat.ID, cat.Threshold, cat.Placeholder, strings.Join(combos, ", "))
			}
			fmt.Fprintln(w)

			fmt.Fprintln(w, "PRESET\tCATEGORY\tDETECTORS\tACTION")
			for _, name := range reg.Presets() {
				spec, _ := reg.Preset(name)
				detectors := make([]string, 0, len(spec.Detectors))
				for _, d := range spec.Detectors {
					detectors = append(detectors, string(d))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, spec.Category, strings.Join(detectors, ","), spec.Action)
			}
			return w.Flush()
		},
	}
}
