package cmd

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Store able to read manifests from a backend option line
func readOnlyStore(line string) *optionsBuilder {
	return parseOptions(line).WithBackend().WithIdentities(true).WithStore().FatalOnError()
}

var cmdListManifests = &cobra.Command{
	Use:   "manifests <backend>",
	Short: "List manifests on a backend, most recent first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		opts := readOnlyStore(args[0])
		defer opts.Close()

		ids, err := opts.Store.ListManifests(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		for _, id := range ids {
			m, err := opts.Store.LoadManifest(ctx, id)
			if err != nil {
				logrus.WithFields(logrus.Fields{"manifest": id}).Warnf("cannot load manifest: %v", err)
				fmt.Printf("%s (unreadable)\n", id)
				continue
			}
			if m.Parent != nil {
				fmt.Printf("%s %s (%d files, parent: %s)\n", id, m.Library, len(m.Entries), *m.Parent)
			} else {
				fmt.Printf("%s %s (%d files)\n", id, m.Library, len(m.Entries))
			}
		}
	},
}

var cmdListFiles = &cobra.Command{
	Use:   "files <backend> <manifest-id>",
	Short: "List files of a manifest",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		opts := readOnlyStore(args[0])
		defer opts.Close()

		ids, err := opts.Store.ListManifests(ctx)
		if err != nil {
			logrus.Fatal(err)
		}
		id, ok := ushelf.FindManifestID(ids, args[1])
		if !ok {
			logrus.Fatal("cannot find manifest")
		}

		m, err := opts.Store.LoadManifest(ctx, id)
		if err != nil {
			logrus.Fatal(err)
		}

		for _, e := range m.Entries {
			fmt.Printf("%s %s %10d %s %s\n", e.Fingerprint.Short(), e.Mode, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Path)
		}
	},
}

var cmdListChunks = &cobra.Command{
	Use:   "chunks <backend>",
	Short: "List chunks on a backend",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := parseOptions(args[0]).WithBackend().FatalOnError()
		defer opts.Close()

		names, err := opts.Backend.List(context.Background(), ushelf.KindChunks)
		if err != nil {
			logrus.Fatal(err)
		}

		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

var cmdList = &cobra.Command{
	Use: "list",
}

func init() {
	cmdList.AddCommand(cmdListManifests, cmdListFiles, cmdListChunks)
}
