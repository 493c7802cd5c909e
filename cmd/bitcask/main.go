// Command bitcask is a thin CLI over the bitcask package, useful for
// poking at a database directory from a shell without writing Go.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nikosl/bitcask"
)

var (
	dbDir       string
	maxFileSize uint64
	storageType = newStorageTypeFlag()
	logLevel    string
)

// storageTypeFlag implements pflag.Value so --storage-type rejects
// anything but "file"/"mmap" at parse time instead of at Open time.
type storageTypeFlag struct {
	value string
}

func newStorageTypeFlag() *storageTypeFlag {
	return &storageTypeFlag{value: "file"}
}

func (f *storageTypeFlag) String() string { return f.value }

func (f *storageTypeFlag) Set(s string) error {
	switch s {
	case "file", "mmap":
		f.value = s
		return nil
	default:
		return fmt.Errorf("must be %q or %q", "file", "mmap")
	}
}

func (f *storageTypeFlag) Type() string { return "string" }

var _ pflag.Value = (*storageTypeFlag)(nil)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bitcask",
		Short:         "Inspect and manipulate a bitcask database directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&dbDir, "dir", "", "database directory (required)")
	flags.Uint64Var(&maxFileSize, "max-data-file-size", 0, "rollover threshold in bytes (0 uses the default)")
	flags.Var(storageType, "storage-type", "storage backend: file or mmap")
	flags.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.MarkPersistentFlagRequired("dir")

	root.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newHasCmd(),
		newDeleteCmd(),
		newKeysCmd(),
		newMergeCmd(),
		newStatsCmd(),
		newSyncCmd(),
	)
	return root
}

func openOptions() []bitcask.Option {
	var opts []bitcask.Option
	if maxFileSize > 0 {
		opts = append(opts, bitcask.WithMaxDataFileSize(maxFileSize))
	}
	if storageType.String() == "mmap" {
		opts = append(opts, bitcask.WithStorageType(bitcask.MmapStorageType))
	}
	return opts
}

func withDB(f func(bc *bitcask.Bitcask) error) error {
	bc, err := bitcask.Open(dbDir, openOptions()...)
	if err != nil {
		return err
	}
	defer bc.Close()
	return f(bc)
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Write a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				return bc.Put([]byte(args[0]), []byte(args[1]))
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Read the current value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				value, err := bc.Get([]byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
}

func newHasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "has KEY",
		Short: "Check whether a key currently exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				ok, err := bc.Has([]byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				return bc.Delete([]byte(args[0]))
			})
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List every live key, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				w := bufio.NewWriter(cmd.OutOrStdout())
				defer w.Flush()
				return bc.ForEachKey(func(key []byte) bool {
					fmt.Fprintln(w, string(key))
					return true
				})
			})
		},
	}
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Compact the database, reclaiming space from overwritten and deleted keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				return bc.Merge()
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print data-file count, live key count and pending hint-file count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				s, err := bc.Stats()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "num_data_files=%d num_keys=%d num_pending_hint_files=%d\n",
					s.NumDataFiles, s.NumKeys, s.NumPendingHintFiles)
				return nil
			})
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush the active data file to durable storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(bc *bitcask.Bitcask) error {
				return bc.Sync()
			})
		},
	}
}
