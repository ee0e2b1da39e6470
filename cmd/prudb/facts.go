package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/prudb"
	"github.com/hupe1980/prudb/model"
)

func newAddFactCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-fact <subject-id> <predicate-id> <object-id>",
		Short: "Append a subject-predicate-object fact",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids [3]model.AtomID
			for i, arg := range args {
				id, err := parseAtomID(arg)
				if err != nil {
					return err
				}
				ids[i] = id
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.AddFact(cmd.Context(), ids[0], ids[1], ids[2])
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
}

func newFactsCommand(opts *rootOptions) *cobra.Command {
	var subject, predicate, object uint64

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List facts in creation order, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			filter := prudb.FactFilter{
				Subject:   model.AtomID(subject),
				Predicate: model.AtomID(predicate),
				Object:    model.AtomID(object),
			}
			for fact, err := range store.ListFacts(filter) {
				if err != nil {
					return err
				}
				printFact(cmd, store, fact)
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&subject, "subject", 0, "filter by subject atom id")
	cmd.Flags().Uint64Var(&predicate, "predicate", 0, "filter by predicate atom id")
	cmd.Flags().Uint64Var(&object, "object", 0, "filter by object atom id")

	return cmd
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	var (
		modeName  string
		subject   uint64
		predicate uint64
		object    uint64
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve facts by key",
		Long: `Resolve facts matching the given atom ids. One or two of
--subject, --predicate, and --object select the key shape (S, P, O, SP,
PO, or SO). Repeat the command with different modes to change how
postings combine: union preserves recency order and duplicates, dedup
keeps the first occurrence per fact, intersect returns facts matching
every key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := prudb.ParseMode(modeName)
			if err != nil {
				return err
			}

			key, err := buildKey(subject, predicate, object)
			if err != nil {
				return err
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			facts, err := store.Resolve(cmd.Context(), []model.Key{key}, mode)
			if err != nil {
				return err
			}
			for _, fact := range facts {
				printFact(cmd, store, fact)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modeName, "mode", "union", "combine mode (union|dedup|intersect)")
	cmd.Flags().Uint64Var(&subject, "subject", 0, "subject atom id")
	cmd.Flags().Uint64Var(&predicate, "predicate", 0, "predicate atom id")
	cmd.Flags().Uint64Var(&object, "object", 0, "object atom id")

	return cmd
}

// buildKey derives the resolve key from the provided atom id flags.
func buildKey(subject, predicate, object uint64) (model.Key, error) {
	s, p, o := model.AtomID(subject), model.AtomID(predicate), model.AtomID(object)
	switch {
	case s != 0 && p != 0 && o == 0:
		return model.SubjectPredicateKey(s, p), nil
	case s == 0 && p != 0 && o != 0:
		return model.PredicateObjectKey(p, o), nil
	case s != 0 && p == 0 && o != 0:
		return model.SubjectObjectKey(s, o), nil
	case s != 0 && p == 0 && o == 0:
		return model.SubjectKey(s), nil
	case s == 0 && p != 0 && o == 0:
		return model.PredicateKey(p), nil
	case s == 0 && p == 0 && o != 0:
		return model.ObjectKey(o), nil
	default:
		return 0, fmt.Errorf("specify one or two of --subject, --predicate, --object")
	}
}

// printFact renders a fact with atom payloads when they resolve.
func printFact(cmd *cobra.Command, store *prudb.Store, fact model.Fact) {
	cmd.Printf("%d\t%s %s %s\n",
		fact.ID,
		atomLabel(store, fact.Subject),
		atomLabel(store, fact.Predicate),
		atomLabel(store, fact.Object),
	)
}

func atomLabel(store *prudb.Store, id model.AtomID) string {
	atom, err := store.GetAtom(id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}
	return atom.Payload
}
