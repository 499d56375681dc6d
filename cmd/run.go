package cmd

import (
	"github.com/sloonz/ushelf/lib"

	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdRunDirection string
	cmdRun          = &cobra.Command{
		Use:   "run <library> <backend>",
		Short: "Run a single sync of a library, for use by external schedulers",
		Long: `Run a single sync of a library, for use by external schedulers.

Exit status: 0 on success, 2 if the run completed with per-file errors,
1 if it failed (including on a stale lock), 3 if another run holds the
library lock.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			direction, err := ushelf.ParseDirection(cmdRunDirection)
			if err != nil {
				logrus.Fatal(err)
			}

			e, backendOpts := newEngine(args[0], args[1], direction)
			report := e.Run(ctx, direction)
			backendOpts.Close()
			exitWithReport(report)
		},
	}

	cmdDiff = &cobra.Command{
		Use:   "diff <library> <backend> [manifest-id]",
		Short: "Print the changes the next run would apply, without applying them",
		Args:  cobra.RangeArgs(2, 3),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			direction, err := ushelf.ParseDirection(cmdRunDirection)
			if err != nil {
				logrus.Fatal(err)
			}
			manifestID := ""
			if len(args) > 2 {
				manifestID = args[2]
			}

			e, backendOpts := newEngine(args[0], args[1], direction)
			defer backendOpts.Close()

			changes, err := e.Diff(ctx, direction, manifestID)
			if err != nil {
				logrus.Fatal(err)
			}

			for _, p := range changes.Added {
				fmt.Printf("+ %s\n", p)
			}
			for _, p := range changes.Modified {
				fmt.Printf("M %s\n", p)
			}
			for _, p := range changes.Removed {
				fmt.Printf("- %s\n", p)
			}
		},
	}

	cmdUnlock = &cobra.Command{
		Use:   "unlock <library>",
		Short: "Remove the lock left by a crashed run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			libOpts := parseOptions(args[0]).WithLibrary().FatalOnError()

			states, err := libOpts.Library.StateStore()
			if err != nil {
				logrus.Fatal(err)
			}
			if err := states.BreakLock(); err != nil {
				logrus.Fatal(err)
			}
		},
	}
)

func init() {
	cmdRun.Flags().StringVarP(&cmdRunDirection, "direction", "d", "backup", "backup or restore")
	cmdDiff.Flags().StringVarP(&cmdRunDirection, "direction", "d", "backup", "backup or restore")
}
