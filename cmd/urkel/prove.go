package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var proveCmd = &cobra.Command{
	Use:     "prove <key>",
	Short:   "Produce a proof for a key at the current root",
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(cmd, args[0])
		if err != nil {
			return err
		}
		return withTree(cmd, func(ctx context.Context, tree *urkel.Tree) error {
			root, err := tree.RootHash(ctx)
			if err != nil {
				return err
			}
			proof, err := tree.Prove(ctx, key)
			if err != nil {
				return err
			}
			fmt.Printf("root:  %x\nkey:   %x\ntype:  %s\nsize:  %d\nproof: %s\n",
				root, key, proof.Type(), proof.Size(), hex.EncodeToString(proof.Bytes()))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(proveCmd)
}
