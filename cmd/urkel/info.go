package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var infoCmd = &cobra.Command{
	Use:     "info",
	Short:   "Show the current root and on-disk footprint",
	GroupID: "maint",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, err := treePrefix()
		if err != nil {
			return err
		}
		stat, err := urkel.TreeStat(prefix)
		if err != nil {
			return err
		}
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			root, err := tree.RootHash(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("prefix: %s\nroot:   %x\nsize:   %d bytes\nfiles:  %d\n",
				prefix, root, stat.Size, stat.Files)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
