package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danpilch/perfmon/pkg/debug"
	"github.com/danpilch/perfmon/pkg/flamegraph"
	"github.com/danpilch/perfmon/pkg/stacks"
)

func newStacksCmd(g *globalOptions) *cobra.Command {
	var (
		folded    bool
		svg       string
		colorBy   string
		highlight int64
	)
	cmd := &cobra.Command{
		Use:   "stacks",
		Short: "Dump the goroutines of this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			gs, err := stacks.NewRuntimeProvider().All()
			if err != nil {
				return err
			}
			if svg != "" {
				switch flamegraph.ColorMode(colorBy) {
				case flamegraph.ColorByState, flamegraph.ColorByPackage:
				default:
					return fmt.Errorf("unknown --color-by %q (state, package)", colorBy)
				}
				opts := flamegraph.DefaultSVGOptions()
				opts.ColorBy = flamegraph.ColorMode(colorBy)
				opts.Highlight = highlight
				return writeFlameGraph(svg, stacks.Fold(gs), opts)
			}
			if folded {
				stacks.WriteFolded(os.Stdout, stacks.Fold(gs))
				return nil
			}
			debug.DumpGoroutines(os.Stdout, gs)
			os.Stdout.WriteString("\n" + stacks.ProcessInfo().String() + "\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&svg, "svg", "", "write a goroutine flame graph to this file")
	cmd.Flags().StringVar(&colorBy, "color-by", string(flamegraph.ColorByState), "flame graph colouring: state or package")
	cmd.Flags().Int64Var(&highlight, "highlight", 0, "outline the stack of this goroutine id in the flame graph")
	cmd.Flags().BoolVar(&folded, "folded", false, "print folded stacks (one line per distinct stack)")
	return cmd
}

func writeFlameGraph(path string, groups []stacks.Group, opts flamegraph.SVGOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create flame graph: %w", err)
	}
	if err := flamegraph.GenerateSVG(groups, f, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
