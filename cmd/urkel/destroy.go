package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/urkeldb/urkel"
)

var destroyCmd = &cobra.Command{
	Use:     "destroy",
	Short:   "Remove a tree's on-disk state",
	GroupID: "maint",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		prefix, err := treePrefix()
		if err != nil {
			return err
		}
		if !force {
			return fmt.Errorf("refusing to destroy %s without --force", prefix)
		}
		if err := urkel.Destroy(prefix); err != nil {
			return err
		}
		fmt.Printf("destroyed %s\n", prefix)
		return nil
	},
}

func init() {
	destroyCmd.Flags().Bool("force", false, "actually delete the tree")
	rootCmd.AddCommand(destroyCmd)
}
