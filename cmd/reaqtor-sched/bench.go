package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/reaqtive/reaqtor-sub057/internal/scheduler"
)

func newBenchCmd(a *app) *cobra.Command {
	var tasks, children int
	var output string
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Schedule immediate tasks across child schedulers and report counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load(cmd)
			if err != nil {
				return err
			}
			if tasks < 0 || children < 1 {
				return fmt.Errorf("%w: need tasks >= 0 and children >= 1", scheduler.ErrOutOfRange)
			}
			if output != "text" && output != "json" && output != "yaml" {
				return fmt.Errorf("%w: unknown output %q", scheduler.ErrInvalidArgument, output)
			}
			phys, err := scheduler.NewPhysical(cfg.Scheduler.Workers, scheduler.WithLogger(logger))
			if err != nil {
				return err
			}
			defer phys.Dispose()
			report, err := bench(cmd.Context(), phys, tasks, children)
			if err != nil {
				return err
			}
			return report.write(cmd.OutOrStdout(), output)
		},
	}
	cmd.Flags().IntVar(&tasks, "tasks", 100_000, "Number of tasks to schedule")
	cmd.Flags().IntVar(&children, "children", 4, "Number of child schedulers sharing the tasks")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Report format (text, json, yaml)")
	return cmd
}

type benchReport struct {
	Tasks              int    `json:"tasks" yaml:"tasks"`
	Children           int    `json:"children" yaml:"children"`
	Workers            int    `json:"workers" yaml:"workers"`
	ElapsedMS          int64  `json:"elapsed_ms" yaml:"elapsed_ms"`
	TaskExecutionCount uint64 `json:"task_execution_count" yaml:"task_execution_count"`
	TimerTickCount     uint64 `json:"timer_tick_count" yaml:"timer_tick_count"`

	elapsed  time.Duration
	counters scheduler.PerformanceCounters
}

func (r *benchReport) write(out io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(r)
	default:
		_, err := fmt.Fprintf(out, "tasks=%d children=%d workers=%d elapsed=%s %s\n",
			r.Tasks, r.Children, r.Workers, r.elapsed.Round(time.Microsecond), r.counters)
		return err
	}
}

// bench spreads tasks over children child schedulers, waits for all of them
// and reports the aggregated counters.
func bench(ctx context.Context, phys *scheduler.PhysicalScheduler, tasks, children int) (*benchReport, error) {
	root := phys.CreateChildScheduler()
	defer root.Dispose()

	var wg sync.WaitGroup
	wg.Add(tasks)
	task := scheduler.TaskFunc(func(context.Context, scheduler.Scheduler) error {
		wg.Done()
		return nil
	})

	start := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for i := range children {
		child := root.CreateChildScheduler()
		n := tasks / children
		if i < tasks%children {
			n++
		}
		g.Go(func() error {
			for range n {
				if err := child.Schedule(task); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	elapsed := time.Since(start)

	c := root.QueryPerformanceCounters(true)
	return &benchReport{
		Tasks:              tasks,
		Children:           children,
		Workers:            phys.WorkerCount(),
		ElapsedMS:          elapsed.Milliseconds(),
		TaskExecutionCount: c.TaskExecutionCount,
		TimerTickCount:     c.TimerTickCount,
		elapsed:            elapsed,
		counters:           c,
	}, nil
}
