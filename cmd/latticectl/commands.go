package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/lattice"
	"github.com/danmuck/lattice/internal/links"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

// withClient runs fn with a connected client bounded by --timeout.
func withClient(opts *options, fn func(ctx context.Context, c *lattice.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	c, closeConn, err := opts.client(ctx)
	if err != nil {
		return err
	}
	defer closeConn()
	return fn(ctx, c)
}

func newHostsCmd(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List hosts heard from within --wait",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if wait >= opts.timeout {
				opts.timeout = wait + time.Second
			}
			return withClient(opts, func(ctx context.Context, c *lattice.Client) error {
				hbs, err := c.Listen(ctx, wait)
				if err != nil {
					return err
				}
				return printHosts(cmd.OutOrStdout(), hbs)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 20*time.Second, "how long to collect heartbeats")
	return cmd
}

func printHosts(w io.Writer, hbs []wire.Heartbeat) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tACTORS\tPROVIDERS\tINTERVAL\tLABELS")
	for _, hb := range hbs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", hb.HostID, len(hb.Actors), len(hb.Providers), hb.Interval, formatLabels(hb.Labels))
	}
	return tw.Flush()
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

func newInventoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory <host-id>",
		Short: "Print one host's actors, providers and links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *lattice.Client) error {
				inv, err := c.Inventory(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(inv)
			})
		},
	}
}

func newLinkCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Define or remove links",
	}

	var putName string
	var putConfig []string
	put := &cobra.Command{
		Use:   "put <source> <target> <contract>",
		Short: "Publish a link definition",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := parsePairs(putConfig)
			if err != nil {
				return err
			}
			def := links.Definition{
				Source:   identity.ID(args[0]),
				Target:   identity.ID(args[1]),
				Contract: args[2],
				LinkName: putName,
				Config:   config,
			}
			return withClient(opts, func(ctx context.Context, c *lattice.Client) error {
				ev, err := c.PutLink(ctx, def)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "link_put %s\n", ev.EventID)
				return nil
			})
		},
	}
	put.Flags().StringVar(&putName, "link-name", links.DefaultLinkName, "link name")
	put.Flags().StringArrayVar(&putConfig, "config", nil, "link config as key=value (repeatable)")

	var delName string
	del := &cobra.Command{
		Use:   "del <source> <contract>",
		Short: "Publish a link removal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *lattice.Client) error {
				ev, err := c.RemoveLink(ctx, identity.ID(args[0]), args[1], delName)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "link_removed %s\n", ev.EventID)
				return nil
			})
		},
	}
	del.Flags().StringVar(&delName, "link-name", links.DefaultLinkName, "link name")

	cmd.AddCommand(put, del)
	return cmd
}

func newActorCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Start, stop or scale actors on a host",
	}

	var startCount uint32
	start := &cobra.Command{
		Use:   "start <host-id> <ref>",
		Short: "Start an actor from a signed module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return command(cmd, opts, args[0], wire.Command{Kind: wire.CommandStartActor, Ref: args[1], Count: startCount})
		},
	}
	start.Flags().Uint32Var(&startCount, "count", 1, "instances to start")

	var stopCount uint32
	stop := &cobra.Command{
		Use:   "stop <host-id> <actor-id>",
		Short: "Stop instances of an actor; zero stops all",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return command(cmd, opts, args[0], wire.Command{Kind: wire.CommandStopActor, ActorID: args[1], Count: stopCount})
		},
	}
	stop.Flags().Uint32Var(&stopCount, "count", 0, "instances to stop")

	scale := &cobra.Command{
		Use:   "scale <host-id> <actor-id> <count>",
		Short: "Set an actor's instance count",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseUint(args[2], 10, 32)
			if err != nil {
				return fmt.Errorf("parse count: %w", err)
			}
			return command(cmd, opts, args[0], wire.Command{Kind: wire.CommandScaleActor, ActorID: args[1], Count: uint32(n)})
		},
	}

	cmd.AddCommand(start, stop, scale)
	return cmd
}

func newProviderCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Start or stop capability providers on a host",
	}

	var startName string
	var startConfig []string
	start := &cobra.Command{
		Use:   "start <host-id> <ref>",
		Short: "Start a provider binary with a sidecar claims file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := parsePairs(startConfig)
			if err != nil {
				return err
			}
			return command(cmd, opts, args[0], wire.Command{
				Kind:     wire.CommandStartProvider,
				Ref:      args[1],
				LinkName: startName,
				Config:   config,
			})
		},
	}
	start.Flags().StringVar(&startName, "link-name", links.DefaultLinkName, "link name")
	start.Flags().StringArrayVar(&startConfig, "config", nil, "provider config as key=value (repeatable)")

	var stopName string
	stop := &cobra.Command{
		Use:   "stop <host-id> <provider-id>",
		Short: "Drain and stop a provider instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return command(cmd, opts, args[0], wire.Command{Kind: wire.CommandStopProvider, ProviderID: args[1], LinkName: stopName})
		},
	}
	stop.Flags().StringVar(&stopName, "link-name", links.DefaultLinkName, "link name")

	cmd.AddCommand(start, stop)
	return cmd
}

// command sends cmd to hostID and prints the ack.
func command(cmd *cobra.Command, opts *options, hostID string, c wire.Command) error {
	return withClient(opts, func(ctx context.Context, client *lattice.Client) error {
		ack, err := client.Command(ctx, hostID, c)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s accepted %s\n", c.Kind, ack.Message)
		return nil
	})
}

// parsePairs turns key=value flags into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
