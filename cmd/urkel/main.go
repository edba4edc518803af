package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information (set at build time)
var (
	Version = "dev"
	Build   = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "urkel",
	Short: "Authenticated key-value store over a Merkle trie",
	Long: `urkel - authenticated key-value store

A command-line tool for working with urkel tree directories: creating
trees, reading and writing keys, producing and verifying proofs, and
maintaining the on-disk log.

Keys are 32-byte hashes. By default a key argument is hashed with
BLAKE2b-256 before use; pass --hex to supply the 32-byte key directly.

Configuration:
  --prefix / URKEL_PREFIX    tree directory (or "prefix" in the config file)
  --config                   config file (default $HOME/.urkel.yaml)`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("urkel version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

var cfgFile string

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.urkel.yaml)")
	rootCmd.PersistentFlags().StringP("prefix", "p", "", "tree directory")
	rootCmd.PersistentFlags().Bool("hex", false, "treat key arguments as 32-byte hex instead of hashing them")
	_ = viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))

	rootCmd.AddGroup(&cobra.Group{ID: "data", Title: "Data Commands:"})
	rootCmd.AddGroup(&cobra.Group{ID: "maint", Title: "Maintenance Commands:"})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".urkel")
		}
	}
	viper.SetEnvPrefix("URKEL")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func treePrefix() (string, error) {
	prefix := viper.GetString("prefix")
	if prefix == "" {
		return "", fmt.Errorf("no tree directory: set --prefix, URKEL_PREFIX, or \"prefix\" in the config file")
	}
	return prefix, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
