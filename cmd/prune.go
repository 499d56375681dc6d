package cmd

import (
	"github.com/sloonz/ushelf/lib"

	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdPruneDryRun  bool
	cmdPruneLibrary string
	cmdPrune        = &cobra.Command{
		Use:   "prune <backend>",
		Short: "Apply retention policies to manifests, and delete unreferenced chunks",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			opts := readOnlyStore(args[0])
			defer opts.Close()

			policies, err := opts.Options.GetRetentionPolicies()
			if err != nil {
				logrus.Fatal(err)
			}

			report, err := opts.Store.Prune(ctx, cmdPruneLibrary, policies, cmdPruneDryRun)
			if err != nil {
				logrus.Fatal(err)
			}

			for _, id := range report.Manifests {
				fmt.Printf("manifest %s\n", id)
			}
			for _, fp := range report.Chunks {
				fmt.Printf("chunk %s\n", fp)
			}
		},
	}

	cmdVerifyWorkers int
	cmdVerify        = &cobra.Command{
		Use:   "verify <backend> [manifest-id]",
		Short: "Download and check every chunk referenced by a manifest (default: all manifests)",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			opts := readOnlyStore(args[0])
			defer opts.Close()

			ids, err := opts.Store.ListManifests(ctx)
			if err != nil {
				logrus.Fatal(err)
			}
			if len(args) > 1 {
				id, ok := ushelf.FindManifestID(ids, args[1])
				if !ok {
					logrus.Fatal("cannot find manifest")
				}
				ids = []ushelf.ManifestID{id}
			}

			ok := true
			for _, id := range ids {
				log := logrus.WithFields(logrus.Fields{"manifest": id})
				m, err := opts.Store.LoadManifest(ctx, id)
				if err != nil {
					log.Errorf("cannot load manifest: %v", err)
					ok = false
					continue
				}

				report, err := opts.Store.Verify(ctx, m, cmdVerifyWorkers)
				if err != nil {
					logrus.Fatal(err)
				}
				for _, fp := range report.Missing {
					fmt.Printf("%s: missing chunk %s\n", id, fp)
				}
				for _, corruption := range report.Corrupted {
					fmt.Printf("%s: %v\n", id, corruption)
				}
				if !report.OK() {
					ok = false
				}
				log.Infof("%d chunks checked", report.Checked)
			}

			if !ok {
				os.Exit(exitFailed)
			}
		},
	}
)

func init() {
	cmdPrune.Flags().BoolVarP(&cmdPruneDryRun, "dry-run", "n", false, "do not actually remove anything, just print what would be removed")
	cmdPrune.Flags().StringVarP(&cmdPruneLibrary, "library", "l", "", "only apply retention policies to this library")
	cmdVerify.Flags().IntVarP(&cmdVerifyWorkers, "workers", "w", 4, "parallel chunk downloads")
}
