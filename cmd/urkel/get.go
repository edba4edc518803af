package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var getCmd = &cobra.Command{
	Use:     "get <key>",
	Short:   "Read the value stored under a key",
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(cmd, args[0])
		if err != nil {
			return err
		}
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			value, ok, err := tree.Get(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("key %x not found", key)
			}
			fmt.Printf("%s\n", value)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
