package cmd

import (
	"github.com/sloonz/ushelf/engine"
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/schedule"

	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitSuccess             = 0
	exitFailed              = 1
	exitCompletedWithErrors = 2
	exitLockContention      = 3
)

// Log a report and terminate with its exit status
func exitWithReport(report *engine.Report) {
	schedule.Observe(report)
	switch {
	case ushelf.IsLockContention(report.Err) && !ushelf.IsStaleLock(report.Err):
		os.Exit(exitLockContention)
	case report.Status == ushelf.StatusFailed:
		os.Exit(exitFailed)
	case report.Status == ushelf.StatusCompletedWithErrors:
		os.Exit(exitCompletedWithErrors)
	default:
		os.Exit(exitSuccess)
	}
}

var (
	cmdBackupSkipUnchanged bool
	cmdBackupNoPrune       bool

	cmdBackup = &cobra.Command{
		Use:   "backup <library> <backend>",
		Short: "Publish a new manifest of a library",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			e, backendOpts := newEngine(args[0], args[1], ushelf.DirectionBackup)
			if cmdBackupSkipUnchanged {
				e.Library.SkipUnchanged = true
			}

			report := e.Backup(ctx, engine.BackupOptions{Prune: !cmdBackupNoPrune})
			backendOpts.Close()
			if report.Manifest != nil {
				logrus.Printf("manifest: %s", *report.Manifest)
			}
			exitWithReport(report)
		},
	}
)

func init() {
	cmdBackup.Flags().BoolVarP(&cmdBackupSkipUnchanged, "skip-unchanged", "s", false, "do not publish a manifest if nothing changed")
	cmdBackup.Flags().BoolVarP(&cmdBackupNoPrune, "no-prune", "n", false, "do not apply retention policies")
}
