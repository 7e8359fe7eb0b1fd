package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danpilch/perfmon/pkg/baseline"
	"github.com/danpilch/perfmon/pkg/benchmark"
	"github.com/danpilch/perfmon/pkg/stacks"
)

func newBenchCmd(g *globalOptions) *cobra.Command {
	opts := benchmark.DefaultOptions()
	var (
		save    string
		compare string
		dir     string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure the monitor's cost on the frame path and stack capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger()
			targets, cleanup, err := benchmark.Targets(logger, stacks.NewRuntimeProvider())
			if err != nil {
				return err
			}
			defer cleanup()

			before := benchmark.MeasureOverhead()
			results := benchmark.Run(targets, opts)
			overhead := benchmark.MeasureOverhead().Sub(before)

			benchmark.RenderResults(os.Stdout, results, overhead)

			if compare != "" {
				base, err := baseline.Load(compare, dir)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stdout)
				baseline.RenderComparison(os.Stdout, base, baseline.Compare(base, results))
			}
			if save != "" {
				if err := baseline.NewBaseline(save, results).Save(dir); err != nil {
					return err
				}
				logger.WithField("name", save).Info("Baseline saved")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.Iterations, "iterations", "n", opts.Iterations, "measured iterations per target")
	cmd.Flags().IntVar(&opts.Warmup, "warmup", opts.Warmup, "unmeasured warmup iterations per target")
	cmd.Flags().StringVar(&save, "save", "", "save the results as a named baseline")
	cmd.Flags().StringVar(&compare, "compare", "", "compare the results against a named baseline")
	cmd.Flags().StringVar(&dir, "baseline-dir", baseline.DefaultDir(), "baseline storage directory")
	return cmd
}
