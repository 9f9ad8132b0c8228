package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go2tv.app/mediasource/source"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the sources a backend can capture",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(viper.GetString("kind"))
		if err != nil {
			return err
		}

		b, err := pickBackend(kind, viper.GetString("backend"))
		if err != nil {
			return err
		}

		ctx := context.Background()
		if err := b.Init(ctx); err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
		defer b.Deinit()

		list, err := b.ListSources(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintf(w, "INDEX\tNAME\tCATEGORY\tBACKEND\n")
		for i, s := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, s.Name, s.Category, b.Name())
		}
		return w.Flush()
	},
}

func init() {
	sourcesCmd.Flags().String("backend", "", "use a specific backend instead of the best available")
	_ = viper.BindPFlag("backend", sourcesCmd.Flags().Lookup("backend"))
}

func parseKind(s string) (source.Kind, error) {
	switch s {
	case "video":
		return source.KindVideo, nil
	case "audio":
		return source.KindAudio, nil
	default:
		return 0, fmt.Errorf("unknown kind %q (want video or audio)", s)
	}
}

// pickBackend resolves a backend by explicit name, or by the standard
// priority order when name is empty.
func pickBackend(kind source.Kind, name string) (source.Backend, error) {
	backends := allBackends()
	if name == "" {
		return source.Select(kind, backends...)
	}
	for _, b := range backends {
		if b.Name() != name {
			continue
		}
		if b.Kind() != kind {
			return nil, fmt.Errorf("backend %s captures %s, not %s", name, b.Kind(), kind)
		}
		if !b.IsSupported() {
			return nil, fmt.Errorf("backend %s is not available: %w", name, source.ErrNoBackend)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
