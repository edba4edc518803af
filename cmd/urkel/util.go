package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/blake2b"

	"github.com/urkeldb/urkel"
)

// parseKey turns a key argument into a 32-byte key: either a hex
// string (--hex) or the BLAKE2b-256 of the argument bytes.
func parseKey(cmd *cobra.Command, arg string) (urkel.Hash, error) {
	isHex, _ := cmd.Flags().GetBool("hex")
	if !isHex {
		return blake2b.Sum256([]byte(arg)), nil
	}
	var key urkel.Hash
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) != urkel.HashSize {
		return key, fmt.Errorf("invalid key %q: want %d bytes of hex", arg, urkel.HashSize)
	}
	copy(key[:], raw)
	return key, nil
}

// parseRoot decodes a 32-byte hex root.
func parseRoot(arg string) (urkel.Hash, error) {
	var root urkel.Hash
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) != urkel.HashSize {
		return root, fmt.Errorf("invalid root %q: want %d bytes of hex", arg, urkel.HashSize)
	}
	copy(root[:], raw)
	return root, nil
}

// withTree opens the configured tree, runs fn, and closes it.
func withTree(cmd *cobra.Command, fn func(ctx context.Context, tree *urkel.Tree) error) error {
	prefix, err := treePrefix()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	tree := urkel.New(urkel.Options{Prefix: prefix})
	if err := tree.Open(ctx); err != nil {
		return err
	}
	defer func() { _ = tree.Close(context.Background()) }()
	return fn(ctx, tree)
}
