package cmd

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	presetsDir string
	logLevel   string
	presets    map[string][]ushelf.KeyValuePair

	tag       = "git"
	commit    = "unknown"
	buildDate = "unknown"

	rootCmd = &cobra.Command{
		Use:   "ushelf",
		Short: "Back up and restore ebook libraries to a remote storage",
	}
	cmdVersion = &cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", tag)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
)

func init() {
	cobra.OnInitialize(func() {
		var err error

		if logLevel != "" {
			level, err := logrus.ParseLevel(logLevel)
			if err == nil {
				logrus.SetLevel(level)
			} else {
				logrus.Warnf("Cannot set log level: %v", err)
			}
		}

		if presetsDir == "" {
			usr, err := user.Current()
			if err != nil {
				logrus.Fatal(err)
			}

			if usr.Uid == "0" {
				presetsDir = path.Join("/etc", "ushelf", "presets")
			} else {
				presetsDir = path.Join(usr.HomeDir, ".config", "ushelf", "presets")
			}
		}

		presets, err = ushelf.ReadPresets(presetsDir)
		if err != nil {
			logrus.Fatal(err)
		}
	})

	rootCmd.PersistentFlags().StringVarP(&presetsDir, "presets-dir", "p", "", "path to presets directory")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", os.Getenv("LOG_LEVEL"), "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(cmdPreset, cmdBackup, cmdRestore, cmdRun, cmdDiff, cmdKey, cmdContainer, cmdList,
		cmdPrune, cmdVerify, cmdUnlock, cmdFetch, cmdDaemon, cmdVersion, cmdProxy)
}

// Cancelled on SIGINT and SIGTERM, so that runs stop between chunk operations
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}
