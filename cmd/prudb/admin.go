package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Materialize buffered facts into a segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			before := store.Info()
			if err := store.Flush(cmd.Context()); err != nil {
				return err
			}
			after := store.Info()
			cmd.Printf("flushed %d facts (generation %d)\n", before.BufferedTail, after.Generation)
			return nil
		},
	}
}

func newCompactCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Merge segments per the compaction policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Compact(cmd.Context()); err != nil {
				return err
			}
			stats := store.Info()
			cmd.Printf("compacted to %d segments (generation %d)\n", stats.Segments, stats.Generation)
			return nil
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit on-disk state and report violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			violations, err := store.Verify(cmd.Context())
			if err != nil {
				return err
			}
			if len(violations) == 0 {
				cmd.Println("ok")
				return nil
			}
			for _, v := range violations {
				cmd.Println(v.String())
			}
			return fmt.Errorf("%d violation(s) found", len(violations))
		},
	}
}

func newInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats := store.Info()
			cmd.Printf("generation:    %d\n", stats.Generation)
			cmd.Printf("atoms:         %d\n", stats.Atoms)
			cmd.Printf("facts:         %d\n", stats.Facts)
			cmd.Printf("buffered tail: %d\n", stats.BufferedTail)
			cmd.Printf("segments:      %d\n", stats.Segments)
			cmd.Printf("postings:      %d\n", stats.Postings)
			return nil
		},
	}
}
