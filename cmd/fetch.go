package cmd

import (
	"github.com/sloonz/ushelf/lib"

	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdFetchTargetDir string
	cmdFetch          = &cobra.Command{
		Use:   "fetch <backend> <chunks|manifests> [name...]",
		Short: "Download raw stored objects (default: the latest manifest), for inspection with `container extract`",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			kind := ushelf.ObjectKind(args[1])
			if kind != ushelf.KindChunks && kind != ushelf.KindManifests {
				logrus.Fatalf("invalid object kind %s", args[1])
			}

			opts := parseOptions(args[0]).WithBackend().FatalOnError()
			defer opts.Close()

			names := args[2:]
			if len(names) == 0 {
				if kind != ushelf.KindManifests {
					logrus.Fatal("missing chunk name")
				}
				ids, err := ushelf.SortedListManifests(ctx, opts.Backend)
				if err != nil {
					logrus.Fatal(err)
				}
				if len(ids) == 0 {
					logrus.Fatal("no manifest found")
				}
				names = []string{ids[0].Name()}
			}

			for _, name := range names {
				if err := fetch(ctx, opts.Backend, kind, name); err != nil {
					logrus.Fatal(err)
				}
			}
		},
	}
)

func fetch(ctx context.Context, b ushelf.Backend, kind ushelf.ObjectKind, name string) error {
	target := path.Join(cmdFetchTargetDir, fmt.Sprintf("%s.ushelf", name))
	logrus.Printf("fetching %s/%s to %s", kind, name, target)

	data, err := b.Download(ctx, kind, name)
	if err != nil {
		return err
	}
	defer data.Close()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = io.Copy(f, data); err != nil {
		return err
	}
	return f.Close()
}

func init() {
	cmdFetch.Flags().StringVarP(&cmdFetchTargetDir, "target-dir", "d", ".", "target dir")
}
