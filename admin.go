package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/iwanhae/ssh-warden/reputation"
	"github.com/iwanhae/ssh-warden/types"
)

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *reputation.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func newBanCmd() *cobra.Command {
	var reason, file string
	cmd := &cobra.Command{
		Use:   "ban [address...]",
		Short: "Ban one or more addresses by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := append([]string(nil), args...)
			if file != "" {
				fromFile, err := readAddressFile(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				addrs = append(addrs, fromFile...)
			}
			if len(addrs) == 0 {
				return errors.New("no addresses given")
			}
			return withStore(cmd, func(ctx context.Context, store *reputation.Store) error {
				return runBan(ctx, cmd.OutOrStdout(), store, addrs, reason, file != "")
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "Manual addition", "reason recorded with the ban")
	cmd.Flags().StringVar(&file, "file", "", "read addresses from this file, one per line ('-' for stdin)")
	return cmd
}

func runBan(ctx context.Context, w io.Writer, store *reputation.Store, addrs []string, reason string, bulk bool) error {
	if len(addrs) == 1 && !bulk {
		added, err := store.Ban(ctx, addrs[0], reason)
		if err != nil {
			return err
		}
		if added {
			fmt.Fprintf(w, "Successfully added %s to blacklist\n", addrs[0])
		} else {
			fmt.Fprintf(w, "Failed to add %s to blacklist (already banned)\n", addrs[0])
		}
		return nil
	}
	added, err := store.BanBulk(ctx, addrs, reason)
	fmt.Fprintf(w, "Successfully added %d/%d addresses to blacklist\n", added, len(addrs))
	return err
}

func newUnbanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban <address>",
		Short: "Lift a ban and reset the failure counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *reputation.Store) error {
				lifted, err := store.Unban(ctx, args[0])
				if err != nil {
					return err
				}
				if lifted {
					fmt.Fprintf(cmd.OutOrStdout(), "Successfully removed %s from blacklist\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not banned\n", args[0])
				}
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List banned addresses, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *reputation.Store) error {
				recs, err := store.ListBanned(ctx)
				if err != nil {
					return err
				}
				return printBanned(cmd.OutOrStdout(), recs)
			})
		},
	}
}

func printBanned(w io.Writer, recs []types.AddressRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "No banned addresses.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tATTEMPTS\tBANNED AT\tREASON")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", rec.Address, rec.FailedAttempts, formatStamp(rec.BannedAt), rec.BanReason)
	}
	return tw.Flush()
}

func newStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show tracked and banned counts and the most recent bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *reputation.Store) error {
				st, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), st, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printStats(w io.Writer, st types.Stats, asJSON bool) error {
	if asJSON {
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	fmt.Fprintf(w, "Total IPs tracked: %d\n", st.TrackedCount)
	fmt.Fprintf(w, "Blacklisted IPs: %d\n", st.BannedCount)
	fmt.Fprintln(w, "\nRecent blacklisted IPs:")
	for _, e := range st.RecentBans {
		at := e.BannedAt
		fmt.Fprintf(w, "  %s: %d attempts, blacklisted at %s\n", e.Address, e.FailedAttempts, formatStamp(&at))
	}
	return nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <address>",
		Short: "Report whether an address is banned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *reputation.Store) error {
				rec, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printCheck(cmd.OutOrStdout(), args[0], rec)
				return nil
			})
		},
	}
}

func printCheck(w io.Writer, addr string, rec *types.AddressRecord) {
	if rec == nil {
		fmt.Fprintf(w, "IP %s is not blacklisted (never seen)\n", addr)
		return
	}
	state := "not blacklisted"
	if rec.Banned {
		state = "blacklisted"
	}
	fmt.Fprintf(w, "IP %s is %s\n", addr, state)
	fmt.Fprintf(w, "  failed attempts: %d\n", rec.FailedAttempts)
	fmt.Fprintf(w, "  first attempt:   %s\n", formatStamp(&rec.FirstAttemptAt))
	fmt.Fprintf(w, "  last attempt:    %s\n", formatStamp(&rec.LastAttemptAt))
	if rec.Banned {
		fmt.Fprintf(w, "  banned at:       %s\n", formatStamp(rec.BannedAt))
		fmt.Fprintf(w, "  reason:          %s\n", rec.BanReason)
	}
}

func formatStamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// readAddressFile reads one address per line, skipping blanks and # comments.
func readAddressFile(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open address file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var addrs []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read address file: %w", err)
	}
	return addrs, nil
}
