package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/herd-immunity/internal/config"
	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/sim"
	"github.com/signalsfoundry/herd-immunity/timectrl"
)

// options are the batch-run knobs that are not part of the config file.
type options struct {
	Duration    time.Duration
	Report      time.Duration
	Accelerated bool
	Seed        int64
	ForceEvery  time.Duration
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	duration := flag.Duration("duration", 5*time.Minute, "total wall-clock tick time to simulate")
	report := flag.Duration("report", 5*time.Second, "tick time between printed health counts")
	accelerated := flag.Bool("accelerated", true, "run ticks back to back instead of in real time")
	seed := flag.Int64("seed", 0, "seed for reproducible runs (0 picks one from the clock)")
	forceEvery := flag.Duration("force-infect-every", 0, "force-infect one healthy agent at this tick-time interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := options{
		Duration:    *duration,
		Report:      *report,
		Accelerated: *accelerated,
		Seed:        *seed,
		ForceEvery:  *forceEvery,
	}
	if err := run(ctx, cfg, opts, log, os.Stdout); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

// run executes one headless simulation run and writes a line of health
// counts every opts.Report of tick time.
func run(ctx context.Context, cfg config.Config, opts options, log logging.Logger, out io.Writer) error {
	engineOpts := []sim.Option{
		sim.WithLogger(log),
		sim.WithParameters(cfg.Parameters),
	}
	if opts.Seed != 0 {
		engineOpts = append(engineOpts, sim.WithSeed(opts.Seed))
	}
	engine, err := sim.NewEngine(cfg.Engine.TickPeriod, engineOpts...)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	mode := timectrl.RealTime
	if opts.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(cfg.Engine.TickPeriod, mode)
	engine.Attach(tc)

	reportEvery := ticksIn(opts.Report, cfg.Engine.TickPeriod)
	forceEvery := ticksIn(opts.ForceEvery, cfg.Engine.TickPeriod)
	tc.AddListener(func(ctx context.Context, tick uint64) {
		if forceEvery > 0 && tick%forceEvery == 0 {
			engine.ForceInfectRandom(ctx)
		}
		if reportEvery > 0 && tick%reportEvery == 0 {
			printCounts(out, engine.Snapshot())
		}
	})

	if err := engine.Start(ctx, cfg.Arena); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	fmt.Fprintf(out, "Starting simulation: duration=%s, tick=%s, mode=%v, agents=%d, carriers=%d\n",
		opts.Duration, cfg.Engine.TickPeriod, mode,
		cfg.Parameters.EntityNumber, cfg.Parameters.InitialVirusCarrierNumber)
	<-tc.Start(ctx, opts.Duration)

	final := engine.Snapshot()
	engine.Stop(ctx)
	fmt.Fprintf(out, "Simulation complete after %d ticks: ", tc.Ticks())
	printCounts(out, final)
	return nil
}

func ticksIn(d, tick time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	n := uint64(d / tick)
	if n == 0 {
		n = 1
	}
	return n
}

func printCounts(w io.Writer, s *sim.Snapshot) {
	fmt.Fprintf(w, "[t=%8.1fs] healthy=%-5d infected=%-5d immune=%-5d\n",
		float64(s.ElapsedMS)/1000, s.Counts.Healthy, s.Counts.Infected, s.Counts.Immune)
}
