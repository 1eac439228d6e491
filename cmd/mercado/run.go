package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xChokes/mercado-sub000/internal/alerting"
	"github.com/xChokes/mercado-sub000/internal/dashboard"
	"github.com/xChokes/mercado-sub000/internal/db"
	"github.com/xChokes/mercado-sub000/internal/digest"
	"github.com/xChokes/mercado-sub000/internal/feed"
	"github.com/xChokes/mercado-sub000/internal/journal"
	"github.com/xChokes/mercado-sub000/internal/orchestrator"
	"github.com/xChokes/mercado-sub000/internal/sim"
	"github.com/xChokes/mercado-sub000/internal/telemetry"
)

type runOpts struct {
	configPath string
	dashboard  bool
	port       int
	noSim      bool
	duration   time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOpts

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the market",
		Long: `Starts the orchestrator and every configured agent endpoint, then
coordinates them until interrupted. The synthetic feed supplies prices and,
when sim.enabled is set, the demo driver makes the agents trade.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if opts.duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, opts.duration)
				defer stop()
			}
			return runMarket(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to mercado config file (defaults when empty)")
	cmd.Flags().BoolVarP(&opts.dashboard, "dashboard", "d", false, "serve the dashboard API (also enabled by dashboard.enabled)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "dashboard port (overrides dashboard.port)")
	cmd.Flags().BoolVar(&opts.noSim, "no-sim", false, "disable the demo driver even when sim.enabled is set")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func runMarket(ctx context.Context, cmd *cobra.Command, opts runOpts) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	out := cmd.OutOrStdout()

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Interval:    cfg.Telemetry.Interval,
		ServiceName: "mercado",
		Version:     Version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	var (
		orchJournal orchestrator.Journal
		dashJournal dashboard.Journal
		store       digest.Summarizer
	)
	if !cfg.Journal.Disabled {
		gdb, err := openJournalDB(cfg.Journal)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		j := journal.New(gdb)
		orchJournal, dashJournal, store = j, j, j
	}

	notifiers, err := buildNotifiers(cfg.Alerts, logger)
	if err != nil {
		return err
	}
	dispatcher := alerting.NewDispatcher(notifiers, alerting.DispatcherOpts{
		Buffer:      cfg.Alerts.Buffer,
		MinSeverity: cfg.Alerts.MinSeverity,
		Cooldown:    cfg.Alerts.Cooldown,
		Logger:      logger,
	})

	market, err := feed.NewSimplex(feed.SimplexOpts{
		Seed:    cfg.Feed.Seed,
		Goods:   feedGoods(cfg.Feed.Goods),
		Step:    cfg.Feed.Step,
		Octaves: cfg.Feed.Octaves,
	})
	if err != nil {
		return err
	}

	agents, err := simAgents(cfg.Agents)
	if err != nil {
		return err
	}
	var driver *sim.Driver
	oopts := orchestratorOptions(cfg, logger)
	oopts.Provider = market
	oopts.Journal = orchJournal
	oopts.OnAnomaly = dispatcher.Anomaly
	if cfg.Sim.Enabled && !opts.noSim {
		driver = sim.NewDriver(simOptions(cfg, agents, market, logger))
		oopts.EndpointFor = driver.EndpointFor
	}
	o := orchestrator.New(oopts)

	if driver != nil {
		if err := driver.Attach(o); err != nil {
			return err
		}
	} else {
		for _, a := range agents {
			o.Register(a.ID, a.Role, a.Capabilities)
		}
	}

	sched, err := digest.New(digest.Config{
		Schedule:      cfg.Digest.Schedule,
		Window:        cfg.Digest.Window,
		PruneSchedule: cfg.Digest.PruneSchedule,
		Retention:     cfg.Digest.Retention,
		ChannelID:     cfg.Digest.ChannelID,
		SendIdle:      cfg.Digest.SendIdle,
		Logger:        logger,
	}, o, store, dispatcher)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if driver != nil {
		g.Go(func() error { return driver.Run(gctx) })
	}
	if opts.dashboard || cfg.Dashboard.Enabled {
		port := cfg.Dashboard.Port
		if opts.port > 0 {
			port = opts.port
		}
		g.Go(func() error {
			return dashboard.Start(gctx, dashboard.StartOpts{
				Market:  o,
				Journal: dashJournal,
				Port:    port,
				Out:     out,
				Logger:  logger,
			})
		})
	}

	fmt.Fprintf(out, "mercado running with %d agents (ctrl-c to stop)\n", o.Stats().ActiveAgents)
	err = g.Wait()

	st := o.Stats()
	fmt.Fprintf(out, "Stopped after %d cycles: %d routed, %d dropped, %d anomalies\n",
		st.Cycles, st.MessagesRouted, st.MessagesDropped, st.AnomaliesDetected)
	if driver != nil {
		ds := driver.Stats()
		fmt.Fprintf(out, "Driver: %d negotiations, %d signals, %d proposals, %d shocks\n",
			ds.Negotiations, ds.Signals, ds.Proposals, ds.Shocks)
	}
	return err
}
