package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var insertCmd = &cobra.Command{
	Use:     "insert <key> <value>",
	Short:   "Insert a key/value pair and commit",
	GroupID: "data",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(cmd, args[0])
		if err != nil {
			return err
		}
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			batch, err := tree.Transaction()
			if err != nil {
				return err
			}
			if err := batch.Open(ctx); err != nil {
				return err
			}
			defer func() { _ = batch.Close(context.Background()) }()

			if err := batch.Insert(ctx, key, []byte(args[1])); err != nil {
				return err
			}
			root, err := batch.Commit(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("root: %x\n", root)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(insertCmd)
}
