// Command fmodsim exercises the bindings against the simulated engine.
//
//	fmodsim run --config fmodsim.yaml
//	fmodsim --metrics-addr :9100 monitor
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wippyai/fmod-bridge/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fmodsim",
		Usage: "drive the audio engine bindings against a simulated engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"FMODSIM_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "override log.file; the file is rotated",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve prometheus metrics on this address",
			},
			&cli.StringFlag{
				Name:  "guest",
				Usage: "wasm module exporting rolloff and on_end",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run a headless simulation and print a summary",
				Flags:  runFlags(),
				Action: runCommand,
			},
			{
				Name:   "monitor",
				Usage:  "run a simulation with a live terminal view",
				Flags:  runFlags(),
				Action: monitorCommand,
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "channels", Usage: "override run.channels"},
		&cli.DurationFlag{Name: "duration", Usage: "override run.duration, 0 runs until interrupted"},
		&cli.Float64Flag{Name: "update-rate", Usage: "override run.update_rate"},
		&cli.BoolFlag{Name: "spatial", Usage: "play sounds in 3D"},
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}
	if c.IsSet("guest") {
		cfg.Guest.Module = c.String("guest")
	}
	if c.IsSet("channels") {
		cfg.Run.Channels = c.Int("channels")
	}
	if c.IsSet("duration") {
		cfg.Run.Duration = c.Duration("duration")
	}
	if c.IsSet("update-rate") {
		cfg.Run.UpdateRate = c.Float64("update-rate")
	}
	if c.IsSet("spatial") {
		cfg.Run.Spatial = c.Bool("spatial")
	}
	return cfg, cfg.Validate()
}

func runCommand(c *cli.Context) error {
	return execute(c, false)
}

func monitorCommand(c *cli.Context) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("monitor needs a terminal; use the run command")
	}
	return execute(c, true)
}

func execute(c *cli.Context, monitor bool) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg.Log, !monitor)
	if err != nil {
		return err
	}
	defer closeLog()
	installLogger(log)
	defer installLogger(nil)

	ctx := c.Context
	s, err := newSimulation(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)
	simCtx, stopSim := context.WithCancel(ctx)
	defer stopSim()

	if addr := c.String("metrics-addr"); addr != "" {
		reg := newMetricsRegistry(s)
		g.Go(func() error { return serveMetrics(simCtx, addr, reg, log) })
	}
	g.Go(func() error {
		// the metrics server follows the simulation down
		defer stopSim()
		if monitor {
			return runMonitor(simCtx, s)
		}
		log.Info("simulation started",
			zap.Int("channels", cfg.Run.Channels),
			zap.Duration("duration", cfg.Run.Duration),
			zap.Float64("update_rate", cfg.Run.UpdateRate))
		return s.run(simCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printSummary(s.snapshot())
	return nil
}

func printSummary(s snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "elapsed\t%s\n", s.Elapsed)
	fmt.Fprintf(w, "updates\t%d\n", s.Updates)
	fmt.Fprintf(w, "channels spawned\t%d\n", s.Spawned)
	fmt.Fprintf(w, "callbacks\tend %d, sync %d, virtual %d, occlusion %d, rolloff %d, event %d, system %d\n",
		s.Ended, s.Syncs, s.Virtual, s.Occluded, s.Rolloffs, s.EventCbs, s.System)
	fmt.Fprintf(w, "bridge\tenqueued %d, executed %d, inline %d, batches %d, max batch %d, panics %d\n",
		s.Bridge.Enqueued, s.Bridge.Executed, s.Bridge.Inline, s.Bridge.Batches, s.Bridge.MaxBatch, s.Bridge.Panics)
	fmt.Fprintf(w, "registry\tlive %d, inserted %d, removed %d, swept %d, destroyed %d\n",
		s.Registry.Live, s.Registry.Inserted, s.Registry.Removed, s.Registry.Swept, s.Registry.Destroyed)
	if s.GuestCalls > 0 {
		fmt.Fprintf(w, "guest\tcalls %d, traps %d\n", s.GuestCalls, s.GuestTraps)
	}
	if s.LastErr != nil {
		fmt.Fprintf(w, "last error\t%v\n", s.LastErr)
	}
}
