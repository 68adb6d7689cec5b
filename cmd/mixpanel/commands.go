package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/identity"
)

var flushAfter bool

var trackCmd = &cobra.Command{
	Use:   "track <event> [key=value ...]",
	Short: "Record an event",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(args[1:])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, client *mixpanel.Client) error {
			return client.TrackEvent(ctx, args[0], props)
		})
	},
}

var identifyCmd = &cobra.Command{
	Use:   "identify <distinct-id>",
	Short: "Set the distinct ID profile updates are sent for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(_ context.Context, client *mixpanel.Client) error {
			return client.Identify(args[0])
		})
	},
}

var peopleCmd = &cobra.Command{
	Use:   "people",
	Short: "Record profile updates",
}

var peopleSetCmd = &cobra.Command{
	Use:   "set key=value [key=value ...]",
	Short: "Overwrite profile properties",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, client *mixpanel.Client) error {
			return client.SetProfileProperties(ctx, props)
		})
	},
}

var peopleSetOnceCmd = &cobra.Command{
	Use:   "set-once key=value [key=value ...]",
	Short: "Set profile properties that are not already set",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := parseProps(args)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, client *mixpanel.Client) error {
			return client.SetOnceProfileProperties(ctx, props)
		})
	},
}

var peopleAddCmd = &cobra.Command{
	Use:   "add <property> <amount>",
	Short: "Increment a numeric profile property",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("amount %q: %w", args[1], err)
		}
		return withClient(cmd, func(ctx context.Context, client *mixpanel.Client) error {
			return client.IncrementProfileProperty(ctx, args[0], by)
		})
	},
}

var peopleDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the identified profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *mixpanel.Client) error {
			return client.DeleteUser(ctx)
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver everything queued",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := openClient(false)
		if err != nil {
			return err
		}
		defer client.Close(context.Background())

		res, err := client.Queue().FlushAll(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d, parked %d, remaining %d\n", res.Sent, res.Parked, res.Remaining)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity and queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		id := identity.New(store, identity.WithLogger(newLogger()))
		if err := id.Load(); err != nil {
			return err
		}
		st := id.Snapshot()
		depth, err := store.Len()
		if err != nil {
			return err
		}
		parked, err := store.Parked()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "distinct id:        %s\n", st.DistinctID)
		fmt.Fprintf(out, "people distinct id: %s\n", st.EffectivePeopleDistinctID())
		fmt.Fprintf(out, "token set:          %t\n", st.Token != "")
		fmt.Fprintf(out, "super properties:   %d\n", len(st.SuperProperties))
		fmt.Fprintf(out, "queued:             %d\n", depth)
		fmt.Fprintf(out, "parked:             %d\n", len(parked))
		return nil
	},
}

var parkedCmd = &cobra.Command{
	Use:   "parked",
	Short: "List messages parked after repeated rejection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		parked, err := store.Parked()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, p := range parked {
			if err := enc.Encode(map[string]any{
				"id":        p.ID,
				"kind":      p.Kind,
				"reason":    p.Reason,
				"parked_at": p.ParkedAt.Format(time.RFC3339),
				"payload":   json.RawMessage(p.Payload),
			}); err != nil {
				return err
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Flush the queue periodically until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := openClient(true)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return client.Close(closeCtx)
	},
}

func init() {
	for _, c := range []*cobra.Command{trackCmd, identifyCmd, peopleSetCmd, peopleSetOnceCmd, peopleAddCmd, peopleDeleteCmd} {
		c.Flags().BoolVar(&flushAfter, "flush", false, "Deliver the queue before exiting.")
	}
	peopleCmd.AddCommand(peopleSetCmd, peopleSetOnceCmd, peopleAddCmd, peopleDeleteCmd)
}

// withClient runs fn against a client. Without --flush the message is only
// queued; it is delivered by a later flush or run.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *mixpanel.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if flushAfter {
		client, err := openClient(false)
		if err != nil {
			return err
		}
		if err := fn(ctx, client); err != nil {
			_ = client.Close(ctx)
			return err
		}
		return client.Close(ctx)
	}

	// Queue only: the client is built on a store we close ourselves, since
	// Client.Close would attempt delivery.
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := openClient(false, mixpanel.WithStore(store))
	if err != nil {
		return err
	}
	return fn(ctx, client)
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
