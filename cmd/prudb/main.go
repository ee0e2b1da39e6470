// Command prudb is a small operational CLI over a prudb data directory.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/prudb"
)

// rootOptions holds global flags shared by all subcommands.
type rootOptions struct {
	Dir     string
	Verbose bool
}

func (o *rootOptions) openStore() (*prudb.Store, error) {
	logger := prudb.NoopLogger()
	if o.Verbose {
		logger = prudb.NewTextLogger(slog.LevelDebug)
	}
	return prudb.Open(o.Dir, prudb.WithLogger(logger))
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "prudb",
		Short:         "Append-only triple store with segment-backed resolve",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "./data", "store data directory")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newAddEntityCommand(opts))
	cmd.AddCommand(newAddPredicateCommand(opts))
	cmd.AddCommand(newAddLiteralCommand(opts))
	cmd.AddCommand(newAddFactCommand(opts))
	cmd.AddCommand(newFactsCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newFlushCommand(opts))
	cmd.AddCommand(newCompactCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newInfoCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
