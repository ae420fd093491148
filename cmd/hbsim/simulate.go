package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/hyperband"
	"github.com/thalesfsp/hyperband/space"
	"github.com/thalesfsp/hyperband/trial"
)

// SimulateOptions are the options for running a simulation.
type SimulateOptions struct {
	Root *RootOptions

	Filename        string
	Scheduler       string
	Metrics         []string
	MaxT            int
	GracePeriod     int
	ReductionFactor float64
	Brackets        int
	BatchSize       int
	MaxResourceAttr string
	Searcher        string
	Trials          int
	Workers         int
	Seed            uint64
	FailureRate     float64
	Timeout         time.Duration

	// TransferLearning is a YAML file of prior evaluations by task. When
	// set, the scheduler is wrapped in a bounding box.
	TransferLearning string
	TopPerTask       int

	SnapshotIn  string
	SnapshotOut string
}

// NewSimulateCommand creates the command that runs a scheduler against the
// synthetic objective.
func NewSimulateCommand(o *SimulateOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated tuning job",
		Long:  "Run a scheduler over a config space with concurrent simulated workers and print a summary",
		Args:  cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			if o.Timeout > 0 {
				var cancel context.CancelFunc

				ctx, cancel = context.WithTimeout(ctx, o.Timeout)
				defer cancel()
			}

			return o.run(ctx, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&o.Filename, "filename", "f", "", "`file` that contains the config space")
	cmd.Flags().StringVar(&o.Scheduler, "scheduler", "asha", "scheduler `name`, one of "+strings.Join(hyperband.Names(), ", "))
	cmd.Flags().StringSliceVar(&o.Metrics, "metrics", []string{"loss"}, "metrics to minimize, two or more for moasha")
	cmd.Flags().IntVar(&o.MaxT, "max-t", 81, "maximum resource of a trial")
	cmd.Flags().IntVar(&o.GracePeriod, "grace-period", 1, "first rung level")
	cmd.Flags().Float64Var(&o.ReductionFactor, "eta", 3, "reduction factor between rungs")
	cmd.Flags().IntVar(&o.Brackets, "brackets", 0, "number of brackets, 0 for the scheduler default")
	cmd.Flags().IntVar(&o.BatchSize, "batch-size", 0, "synchronous batch size, 0 for the scheduler default")
	cmd.Flags().StringVar(&o.MaxResourceAttr, "max-resource-attr", "", "config key receiving the resource budget of each suggestion")
	cmd.Flags().StringVar(&o.Searcher, "searcher", "random", "searcher: random, bayesopt or bayesopt-{lcb,pi,ei,thompson}")
	cmd.Flags().IntVar(&o.Trials, "trials", 100, "maximum number of new trials")
	cmd.Flags().IntVar(&o.Workers, "workers", 4, "number of concurrent workers")
	cmd.Flags().Uint64Var(&o.Seed, "seed", 1, "seed of the scheduler and the workers")
	cmd.Flags().Float64Var(&o.FailureRate, "failure-rate", 0, "probability that a trial crashes at each report")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 0, "abort the simulation after this `duration`")
	cmd.Flags().StringVar(&o.TransferLearning, "transfer-learning", "", "YAML `file` of prior evaluations by task")
	cmd.Flags().IntVar(&o.TopPerTask, "top-per-task", 1, "best configurations kept per prior task")
	cmd.Flags().StringVar(&o.SnapshotIn, "snapshot-in", "", "restore the scheduler from this `file` before running")
	cmd.Flags().StringVar(&o.SnapshotOut, "snapshot-out", "", "write the scheduler state to this `file` after running")

	_ = cmd.MarkFlagFilename("filename", "yml", "yaml")
	_ = cmd.MarkFlagFilename("transfer-learning", "yml", "yaml")
	_ = cmd.MarkFlagRequired("filename")

	return cmd
}

func (o *SimulateOptions) run(ctx context.Context, out io.Writer) error {
	log := o.Root.Logger.WithName("simulate")

	if o.Workers < 1 || o.Trials < 1 {
		return errors.New("workers and trials must be positive")
	}

	cs, err := space.LoadFile(o.Filename)
	if err != nil {
		return err
	}

	searcher, err := hyperband.NewSearcher(o.Searcher)
	if err != nil {
		return err
	}

	objectives := make([]hyperband.Objective, len(o.Metrics))
	for i, name := range o.Metrics {
		objectives[i] = hyperband.Objective{Name: name, Mode: hyperband.Min}
	}

	reg := prometheus.NewRegistry()
	progress := make(chan hyperband.ProgressUpdate, 64)

	opts := hyperband.Options{
		MaxT:            o.MaxT,
		GracePeriod:     o.GracePeriod,
		ReductionFactor: o.ReductionFactor,
		Brackets:        o.Brackets,
		BatchSize:       o.BatchSize,
		MaxTrials:       o.Trials,
		MaxResourceAttr: o.MaxResourceAttr,
		Searcher:        searcher,
		Seed:            o.Seed,
		Logger:          o.Root.Logger,
		Registerer:      reg,
		ProgressChan:    progress,
	}

	sched, err := o.scheduler(cs, objectives, opts)
	if err != nil {
		return err
	}

	if o.SnapshotIn != "" {
		b, err := os.ReadFile(o.SnapshotIn)
		if err != nil {
			return err
		}

		if err := sched.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("%s: %w", o.SnapshotIn, err)
		}

		log.Info("scheduler restored", "file", o.SnapshotIn)
	}

	sim, err := newSimulation(sched, syntheticObjective(cs, o.Metrics), o.MaxT, o.Trials, o.FailureRate, log)
	if err != nil {
		return err
	}

	started := time.Now()

	// The progress reader only logs, it never fails the group.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(progress)

		return sim.run(gctx, o.Workers, o.Seed)
	})

	g.Go(func() error {
		for update := range progress {
			log.V(2).Info("decision", "scheduler", update.Scheduler, "trial", update.TrialID, "resource", update.Resource, "decision", update.Decision)
		}

		return nil
	})

	runErr := g.Wait()

	log.Info("simulation finished", "elapsed", time.Since(started).String(), "error", runErr)

	if o.SnapshotOut != "" {
		b, err := sched.MarshalBinary()
		if err != nil {
			return err
		}

		if err := os.WriteFile(o.SnapshotOut, b, 0o600); err != nil {
			return err
		}

		log.Info("scheduler saved", "file", o.SnapshotOut, "bytes", len(b))
	}

	if runErr != nil {
		return runErr
	}

	return summarize(out, sched, reg)
}

// scheduler builds the scheduler named by the options, wrapped in a bounding
// box when prior evaluations are given.
func (o *SimulateOptions) scheduler(cs *space.ConfigSpace, objectives []hyperband.Objective, opts hyperband.Options) (hyperband.Scheduler, error) {
	if o.TransferLearning == "" {
		return hyperband.New(o.Scheduler, cs, objectives, opts)
	}

	b, err := os.ReadFile(o.TransferLearning)
	if err != nil {
		return nil, err
	}

	var evaluations map[string]hyperband.TaskEvaluations
	if err := yaml.Unmarshal(b, &evaluations); err != nil {
		return nil, fmt.Errorf("%s: %w", o.TransferLearning, err)
	}

	cfg := hyperband.DefaultBoundingBoxConfig()
	cfg.ConfigSpace = cs
	cfg.Objectives = objectives
	cfg.TransferLearningEvaluations = evaluations
	cfg.NumHyperparametersPerTask = o.TopPerTask
	cfg.Options = opts

	bb, err := hyperband.NewBoundingBox(cfg, func(cs *space.ConfigSpace, objectives []hyperband.Objective, opts hyperband.Options) (hyperband.Scheduler, error) {
		return hyperband.New(o.Scheduler, cs, objectives, opts)
	})
	if err != nil {
		return nil, err
	}

	return bb, nil
}

// summarize prints trial counts by status, the best trial on the first
// metric and the decision counters.
func summarize(w io.Writer, sched hyperband.Scheduler, gatherer prometheus.Gatherer) error {
	reg := registryOf(sched)
	if reg == nil {
		return nil
	}

	_, _ = fmt.Fprintf(w, "trials: %d\n", reg.Len())

	for _, status := range []trial.Status{trial.Completed, trial.Stopped, trial.Paused, trial.Running, trial.Failed} {
		_, _ = fmt.Fprintf(w, "  %-10s %d\n", strings.ToLower(string(status))+":", reg.Count(status))
	}

	metric := sched.MetricNames()[0]
	bestID, bestResource, best := -1, 0, math.Inf(1)

	for _, id := range reg.IDs() {
		history, err := reg.History(id)
		if err != nil {
			return err
		}

		for _, report := range history {
			if v := report.Metric(metric); v < best {
				bestID, bestResource, best = id, report.Resource, v
			}
		}
	}

	if bestID >= 0 {
		t, err := reg.Get(bestID)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(w, "best %s: %.6g (trial %d at resource %d) %s\n", metric, best, bestID, bestResource, t.Config)
	}

	families, err := gatherer.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		if mf.GetName() != "hyperband_decisions_total" {
			continue
		}

		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "decision" {
					_, _ = fmt.Fprintf(w, "decisions %s: %.0f\n", strings.ToLower(label.GetValue()), m.GetCounter().GetValue())
				}
			}
		}
	}

	return nil
}
