package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/prudb/model"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a store directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats := store.Info()
			cmd.Printf("initialized %s (generation %d)\n", store.Dir(), stats.Generation)
			return nil
		},
	}
}

func newAddEntityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-entity <name>",
		Short: "Intern an entity atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.AddEntity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
}

func newAddPredicateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-predicate <name>",
		Short: "Intern a predicate atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.AddPredicate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
}

func newAddLiteralCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-literal <value>",
		Short: "Intern a literal atom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.AddLiteral(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
}

// parseAtomID parses a decimal atom id argument.
func parseAtomID(arg string) (model.AtomID, error) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid atom id %q", arg)
	}
	return model.AtomID(n), nil
}
