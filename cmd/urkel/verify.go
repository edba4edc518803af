package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var verifyCmd = &cobra.Command{
	Use:     "verify <root> <key> <proof>",
	Short:   "Verify a proof against a root, without opening a tree",
	GroupID: "data",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := parseRoot(args[0])
		if err != nil {
			return err
		}
		key, err := parseKey(cmd, args[1])
		if err != nil {
			return err
		}
		raw, err := hex.DecodeString(args[2])
		if err != nil {
			return fmt.Errorf("invalid proof hex: %w", err)
		}

		value, exists, err := urkel.Verify(root, key, urkel.NewProof(raw))
		if err != nil {
			return err
		}
		if !exists {
			fmt.Println("OK: proven absent")
			return nil
		}
		fmt.Printf("OK: proven present\nvalue: %s\n", value)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
