package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report which capture backends are usable on this system",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		backends := allBackends()
		if len(backends) == 0 {
			return fmt.Errorf("no capture backends on this platform")
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BACKEND\tKIND\tSTATUS")
		for _, b := range backends {
			status := "ok"
			if !b.IsSupported() {
				// Init surfaces the probe failure reason.
				if err := b.Init(context.Background()); err != nil {
					status = "unavailable: " + err.Error()
				} else {
					b.Deinit()
					status = "unavailable"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.Name(), b.Kind(), status)
		}
		return w.Flush()
	},
}
