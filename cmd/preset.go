package cmd

import (
	"github.com/sloonz/ushelf/lib"

	"fmt"
	"os"
	"path"
	"sort"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cmdPreset = &cobra.Command{
	Use:   "preset",
	Short: "Manage presets",
}

var presetSetClear bool
var cmdPresetSet = &cobra.Command{
	Use:   "set <preset-name> [option=value...]",
	Short: "Create or modify preset",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := os.MkdirAll(presetsDir, 0777)
		if err != nil {
			logrus.Fatal(err)
		}

		presetPath := path.Join(presetsDir, fmt.Sprintf("%v.json", args[0]))

		var kvs []ushelf.KeyValuePair
		if !presetSetClear {
			data, err := os.ReadFile(presetPath)
			if err != nil && !os.IsNotExist(err) {
				logrus.Fatal(err)
			} else if err == nil {
				err = json.Unmarshal(data, &kvs)
				if err != nil {
					logrus.Fatal(err)
				}
			}
		}

		for _, opts := range args[1:] {
			kvs = append(kvs, ushelf.SplitOptions(opts)...)
		}

		data, err := json.Marshal(kvs)
		if err != nil {
			logrus.Fatal(err)
		}

		err = ushelf.WriteFileAtomic(presetPath, data, 0o666)
		if err != nil {
			logrus.Fatal(err)
		}
	},
}

var cmdPresetRemove = &cobra.Command{
	Use:   "remove <preset-name...>",
	Short: "Remove presets",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range args {
			err := os.Remove(path.Join(presetsDir, fmt.Sprintf("%s.json", name)))
			if err != nil && !os.IsNotExist(err) {
				logrus.Warn(err)
			}
		}
	},
}

var presetListVerbose bool
var cmdPresetList = &cobra.Command{
	Use:   "list",
	Short: "List presets",
	Run: func(cmd *cobra.Command, args []string) {
		names := make([]string, 0, len(presets))
		for name := range presets {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			options := presets[name]
			if presetListVerbose {
				fmt.Printf("%v %v\n", name, options)
			} else {
				fmt.Printf("%v\n", name)
			}
		}
	},
}

var cmdPresetEval = &cobra.Command{
	Use:   "eval <option-line>",
	Short: "Show the evaluated (after presets substitutions and template evaluation) option line",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kvs := ushelf.SplitOptions(args[0])
		options, err := ushelf.EvalOptions(kvs, presets)
		if err != nil {
			logrus.Fatal(err)
		}

		keys := make([]string, 0, len(options.String))
		for k := range options.String {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, options.String[k])
		}

		keys = keys[:0]
		for k := range options.StrSlice {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("@%s: %v\n", k, options.StrSlice[k])
		}
	},
}

func init() {
	cmdPresetList.Flags().BoolVarP(&presetListVerbose, "verbose", "v", false, "also print preset content")
	cmdPresetSet.Flags().BoolVarP(&presetSetClear, "clear", "c", false, "remove existing entries")
	cmdPreset.AddCommand(cmdPresetSet, cmdPresetRemove, cmdPresetList, cmdPresetEval)
}
