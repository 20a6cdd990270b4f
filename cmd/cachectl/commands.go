package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imrishuroy/go-hd-delivery/internal/cache"
	"github.com/imrishuroy/go-hd-delivery/internal/enhance"
)

func openStore(cmd *cobra.Command) (*cache.FileStore, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return nil, err
	}
	return cache.NewFileStore(dir)
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key [asset]",
		Short: "Print the artifact key and path for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, _ := cmd.Flags().GetString("tier")
			if !enhance.Tier(tier).Valid() {
				return fmt.Errorf("unknown tier %q", tier)
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			key := cache.KeyFor(args[0], tier)
			path, err := store.Path(key)
			if err != nil {
				return err
			}
			exists, err := store.Exists(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tcached=%t\n", key, path, exists)
			return nil
		},
	}
	cmd.Flags().StringP("tier", "t", string(enhance.TierHD), "Quality tier (preview, hd)")
	return cmd
}

func lsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cached artifacts, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, _ := cmd.Flags().GetString("tier")
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tBYTES\tAGE")
			var total int64
			n := 0
			for _, e := range entries {
				if tier != "" && e.Key.Tier() != tier {
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", e.Key, e.Size, time.Since(e.CreatedAt).Round(time.Second))
				total += e.Size
				n++
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d artifacts, %d bytes\n", n, total)
			return nil
		},
	}
	cmd.Flags().StringP("tier", "t", "", "Only list this tier")
	return cmd
}

func evictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove artifacts older than --max-age or beyond --max-bytes",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			maxBytes, _ := cmd.Flags().GetInt64("max-bytes")
			policy := cache.RetentionPolicy{MaxAge: maxAge, MaxBytes: maxBytes}
			if !policy.Enabled() {
				return fmt.Errorf("set --max-age or --max-bytes")
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			removed, err := cache.New(store, cache.WithRetention(policy)).Evict(context.Background())
			for _, k := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), "evicted", k)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d artifacts evicted\n", len(removed))
			return nil
		},
	}
	cmd.Flags().Duration("max-age", 0, "Evict artifacts older than this (e.g. 72h)")
	cmd.Flags().Int64("max-bytes", 0, "Evict oldest artifacts until the cache fits")
	return cmd
}
