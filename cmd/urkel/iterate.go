package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var iterateCmd = &cobra.Command{
	Use:     "iterate",
	Short:   "List all keys in lexicographic order",
	GroupID: "data",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		showValues, _ := cmd.Flags().GetBool("values")
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			snap, err := tree.Snapshot(nil)
			if err != nil {
				return err
			}
			if err := snap.Open(ctx); err != nil {
				return err
			}
			defer func() { _ = snap.Close(context.Background()) }()

			iter, err := snap.Iterator()
			if err != nil {
				return err
			}
			defer func() { _ = iter.Close(context.Background()) }()

			count := 0
			for {
				entry, ok, err := iter.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				count++
				if showValues {
					fmt.Printf("%x  %s\n", entry.Key, entry.Value)
				} else {
					fmt.Printf("%x\n", entry.Key)
				}
			}
			fmt.Printf("%d keys\n", count)
			return nil
		})
	},
}

func init() {
	iterateCmd.Flags().Bool("values", false, "print values alongside keys")
	rootCmd.AddCommand(iterateCmd)
}
