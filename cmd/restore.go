package cmd

import (
	"github.com/sloonz/ushelf/engine"
	"github.com/sloonz/ushelf/lib"

	"github.com/spf13/cobra"
)

var (
	cmdRestorePruneExtras bool
	cmdRestore            = &cobra.Command{
		Use:   "restore <library> <backend> [manifest-id]",
		Short: "Bring a library to the state of a manifest (default: the latest one)",
		Args:  cobra.RangeArgs(2, 3),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			manifestID := ""
			if len(args) > 2 {
				manifestID = args[2]
			}

			e, backendOpts := newEngine(args[0], args[1], ushelf.DirectionRestore)
			if cmdRestorePruneExtras {
				e.Library.PruneExtras = true
			}

			report := e.Restore(ctx, engine.RestoreOptions{ManifestID: manifestID})
			backendOpts.Close()
			exitWithReport(report)
		},
	}
)

func init() {
	cmdRestore.Flags().BoolVarP(&cmdRestorePruneExtras, "prune-extras", "x", false, "delete local files absent from the manifest")
}
