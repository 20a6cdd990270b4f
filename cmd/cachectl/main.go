package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cachectl",
		Short:        "Inspect and prune the artifact cache",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("dir", envOr("CACHE_DIR", "hd_cache"), "Artifact cache directory")

	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(evictCmd())
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
