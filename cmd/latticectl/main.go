package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/lattice/internal/admin"
	"github.com/danmuck/lattice/internal/bus/redisbus"
	"github.com/danmuck/lattice/internal/host"
	"github.com/danmuck/lattice/internal/lattice"
	logs "github.com/danmuck/lattice/internal/logging"
)

var errClientBus = errors.New("lattice commands need a shared bus: set bus = \"redis\" or pass --redis")

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	latticeID  string
	redisAddr  string
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "latticectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "latticectl",
		Short:         "Run and operate lattice hosts",
		Version:       admin.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logs.ConfigureRuntime()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "host config file (TOML)")
	flags.StringVar(&opts.latticeID, "lattice", "", "lattice id (overrides config)")
	flags.StringVar(&opts.redisAddr, "redis", "", "redis address (overrides config)")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout for lattice queries")

	root.AddCommand(
		newHostCmd(opts),
		newHostsCmd(opts),
		newInventoryCmd(opts),
		newLinkCmd(opts),
		newActorCmd(opts),
		newProviderCmd(opts),
		newKeysCmd(),
		newClaimsCmd(),
	)
	return root
}

// serviceConfig loads --config when given and applies flag overrides.
func (o *options) serviceConfig() (host.ServiceConfig, error) {
	cfg := host.DefaultServiceConfig()
	if o.configPath != "" {
		loaded, err := loadServiceConfig(o.configPath)
		if err != nil {
			return host.ServiceConfig{}, err
		}
		cfg = loaded
	}
	if o.latticeID != "" {
		cfg.LatticeID = o.latticeID
	}
	if o.redisAddr != "" {
		cfg.Bus = host.BusRedis
		cfg.Redis.Addr = o.redisAddr
	}
	return cfg, nil
}

// client dials the shared bus and returns a lattice client plus a closer.
func (o *options) client(ctx context.Context) (*lattice.Client, func(), error) {
	cfg, err := o.serviceConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Bus != host.BusRedis {
		return nil, nil, errClientBus
	}
	conn, err := redisbus.Dial(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	c := lattice.NewClient(conn, cfg.LatticeID, "")
	return c, func() { _ = conn.Close() }, nil
}

func newHostCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a lattice host",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run a host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := opts.serviceConfig()
			if err != nil {
				return err
			}
			return host.NewServiceWithConfig(cfg, host.Deps{}).Run()
		},
	})
	return cmd
}
