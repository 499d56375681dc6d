package cmd

import (
	"github.com/sloonz/ushelf/container"
	"github.com/sloonz/ushelf/lib"

	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func openInput(args []string, i int) io.ReadCloser {
	if len(args) <= i || args[i] == "-" {
		return io.NopCloser(os.Stdin)
	}
	f, err := os.Open(args[i])
	if err != nil {
		logrus.Fatal(err)
	}
	return f
}

func openOutput(args []string, i int) io.WriteCloser {
	if len(args) <= i || args[i] == "-" {
		return os.Stdout
	}
	f, err := os.OpenFile(args[i], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		logrus.Fatal(err)
	}
	return f
}

var cmdContainerType = &cobra.Command{
	Use:   "type [file]",
	Short: "Prints the type (chunk or manifest) of a stored object (if omitted: stdin)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f := openInput(args, 0)
		defer f.Close()

		r, err := container.NewReader(f)
		if err != nil {
			logrus.Fatal(err)
		}

		if r.Sealed() {
			fmt.Printf("%s (encrypted)\n", r.Type())
		} else {
			fmt.Printf("%s\n", r.Type())
		}
	},
}

var cmdContainerExtractKeyFile string
var cmdContainerExtractKey string
var cmdContainerExtract = &cobra.Command{
	Use:   "extract [input-file] [output-file]",
	Args:  cobra.MaximumNArgs(2),
	Short: "Print the decrypted and decompressed content of a stored object",
	Run: func(cmd *cobra.Command, args []string) {
		in := openInput(args, 0)
		defer in.Close()

		r, err := container.NewReader(in)
		if err != nil {
			logrus.Fatal(err)
		}

		var identities []age.Identity
		if r.Sealed() {
			identities, err = ushelf.LoadIdentities(cmdContainerExtractKeyFile, cmdContainerExtractKey)
			if err != nil {
				logrus.Fatal(err)
			}
		}

		err = r.Unseal(identities)
		if err != nil {
			logrus.Fatal(err)
		}

		out := openOutput(args, 1)
		_, err = io.Copy(out, r)
		if err != nil {
			logrus.Fatal(err)
		}
		if err = out.Close(); err != nil {
			logrus.Fatal(err)
		}
	},
}

var cmdContainerCreateCompressionLevel int
var cmdContainerCreateKeyFile string
var cmdContainerCreateKey string
var cmdContainerCreate = &cobra.Command{
	Use:   "create <type> [input file] [output-file]",
	Args:  cobra.RangeArgs(1, 3),
	Short: "Create a stored object from raw content",
	Run: func(cmd *cobra.Command, args []string) {
		typ := args[0]
		if typ != container.TypeChunk && typ != container.TypeManifest {
			logrus.Fatalf("invalid type %s", typ)
		}

		in := openInput(args, 1)
		defer in.Close()

		var recipients []age.Recipient
		if cmdContainerCreateKeyFile != "" || cmdContainerCreateKey != "" {
			var err error
			recipients, err = ushelf.LoadRecipients(cmdContainerCreateKeyFile, cmdContainerCreateKey)
			if err != nil {
				logrus.Fatal(err)
			}
		}

		out := openOutput(args, 2)
		w, err := container.NewWriter(out, recipients, typ, cmdContainerCreateCompressionLevel)
		if err != nil {
			logrus.Fatal(err)
		}

		_, err = io.Copy(w, in)
		if err != nil {
			logrus.Fatal(err)
		}

		if err = w.Close(); err != nil {
			logrus.Fatal(err)
		}
		if err = out.Close(); err != nil {
			logrus.Fatal(err)
		}
	},
}

var cmdContainer = &cobra.Command{
	Use:   "container",
	Short: "Directly manipulate stored objects",
}

func init() {
	cmdContainer.AddCommand(cmdContainerType, cmdContainerExtract, cmdContainerCreate)
	cmdContainerExtract.Flags().StringVarP(&cmdContainerExtractKeyFile, "key-file", "k", "", "private key file for decryption")
	cmdContainerExtract.Flags().StringVarP(&cmdContainerExtractKey, "key", "K", "", "private key for decryption")
	cmdContainerCreate.Flags().StringVarP(&cmdContainerCreateKeyFile, "key-file", "k", "", "public key file for encryption")
	cmdContainerCreate.Flags().StringVarP(&cmdContainerCreateKey, "key", "K", "", "public key for encryption")
	cmdContainerCreate.Flags().IntVarP(&cmdContainerCreateCompressionLevel, "compression-level", "z", container.DefaultCompressionLevel, "compression level")
}
