package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var compactCmd = &cobra.Command{
	Use:     "compact",
	Short:   "Rewrite the log keeping only one root's nodes (default: current)",
	GroupID: "maint",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tmp, _ := cmd.Flags().GetString("tmp")
		rootArg, _ := cmd.Flags().GetString("root")

		var root *urkel.Hash
		if rootArg != "" {
			r, err := parseRoot(rootArg)
			if err != nil {
				return err
			}
			root = &r
		}
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			if tmp == "" {
				tmp = tree.Prefix() + ".compact"
			}
			before, err := urkel.TreeStat(tree.Prefix())
			if err != nil {
				return err
			}
			if err := tree.Compact(ctx, tmp, root); err != nil {
				return err
			}
			after, err := urkel.TreeStat(tree.Prefix())
			if err != nil {
				return err
			}
			fmt.Printf("compacted %s: %d -> %d bytes\n", tree.Prefix(), before.Size, after.Size)
			return nil
		})
	},
}

func init() {
	compactCmd.Flags().String("tmp", "", "scratch directory (default <prefix>.compact)")
	compactCmd.Flags().String("root", "", "keep nodes reachable from this root (default: current)")
	rootCmd.AddCommand(compactCmd)
}
