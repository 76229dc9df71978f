package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scopesafe/internal/lifetime"
	"scopesafe/internal/scheduler"
	"scopesafe/internal/types"
)

// backend is what the commands operate on.
type backend interface {
	Availability(ctx context.Context) (lifetime.Availability, error)
	UpsertLimit(ctx context.Context, limit types.TierLimit) error
	Sweep(ctx context.Context, now time.Time, grace time.Duration) (scheduler.SweepResult, error)
	EnqueueSweep(ctx context.Context, requestedBy string, grace time.Duration) (string, error)
	DefaultGrace() time.Duration
	Close()
}

type backendFactory func(ctx context.Context) (backend, error)

func newRootCmd(open backendFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "lifetimectl",
		Short:         "Operate the ScopeSafe lifetime program",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newAvailabilityCmd(open),
		newSweepCmd(open),
		newSetLimitCmd(open),
	)
	return root
}

func newAvailabilityCmd(open backendFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "availability",
		Short: "Print current lifetime availability as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			avail, err := b.Availability(cmd.Context())
			if err != nil {
				return fmt.Errorf("computing availability: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(avail)
		},
	}
}

func newSweepCmd(open backendFactory) *cobra.Command {
	var (
		enqueue bool
		grace   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed lifetime reservations",
		Long: `Expire pending lifetime reservations whose checkout window lapsed.

By default the sweep runs in this process. With --enqueue a request is sent
to the sweep queue and the sweeper Lambda performs it.`,
		Example: `  lifetimectl sweep
  lifetimectl sweep --grace 0s
  lifetimectl sweep --enqueue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grace < 0 {
				return fmt.Errorf("--grace must not be negative")
			}
			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			g := grace
			if !cmd.Flags().Changed("grace") {
				g = b.DefaultGrace()
			}

			if enqueue {
				id, err := b.EnqueueSweep(cmd.Context(), requestedBy(), g)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued sweep request %s\n", id)
				return nil
			}

			res, err := b.Sweep(cmd.Context(), time.Now(), g)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintln(cmd.OutOrStdout(), "sweep skipped: another worker holds the lock")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d reservation(s) older than %s\n",
				res.Expired, res.Cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "send the sweep to SQS instead of running it here")
	cmd.Flags().DurationVar(&grace, "grace", 0, "how long past expiry a reservation stays pending (default from LIFETIME_SWEEP_GRACE)")
	return cmd
}

func newSetLimitCmd(open backendFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "set-limit <tier> <max>",
		Short: "Set the cumulative slot threshold of a lifetime tier",
		Example: `  lifetimectl set-limit early 100
  lifetimectl set-limit final 1000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := types.LifetimeTier(strings.ToLower(strings.TrimSpace(args[0])))
			if !tier.IsValid() {
				return fmt.Errorf("unknown tier %q (want early, mid or final)", args[0])
			}
			maxSlots, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("max must be an integer: %w", err)
			}
			if maxSlots < 0 {
				return fmt.Errorf("max must not be negative")
			}

			b, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.UpsertLimit(cmd.Context(), types.TierLimit{Tier: tier, MaxSlots: maxSlots}); err != nil {
				return fmt.Errorf("saving tier limit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tier %s now closes at %d slots\n", tier, maxSlots)
			return nil
		},
	}
}

func requestedBy() string {
	if u := os.Getenv("USER"); u != "" {
		return "lifetimectl:" + u
	}
	return "lifetimectl"
}
