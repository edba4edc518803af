package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var createCmd = &cobra.Command{
	Use:     "create",
	Short:   "Initialize a tree directory",
	GroupID: "maint",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			root, err := tree.RootHash(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("created %s\nroot: %x\n", tree.Prefix(), root)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
