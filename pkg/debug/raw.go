package debug

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/danpilch/perfmon/pkg/stacks"
)

// DumpGoroutines outputs every parsed goroutine with its label, state and top frame.
func DumpGoroutines(w io.Writer, gs []stacks.Goroutine) {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	fmt.Fprintln(w)
	fmt.Fprintln(w, title.Render("Goroutine Dump"))
	fmt.Fprintln(w, dim.Render(strings.Repeat("═", 85)))
	fmt.Fprintf(w, "  %s %s %s %s %s\n",
		header.Render("ID      "),
		header.Render("LABEL               "),
		header.Render("STATE          "),
		header.Render("WAIT  "),
		header.Render("TOP FRAME "))
	fmt.Fprintln(w, "  "+dim.Render(strings.Repeat("─", 85)))

	for _, g := range gs {
		top := ""
		if len(g.Frames) > 0 {
			top = g.Frames[0].Func
		}
		wait := "-"
		if g.Wait > 0 {
			wait = g.Wait.String()
		}
		fmt.Fprintf(w, "  %-9d %-21s %-16s %-7s %s\n",
			g.ID, g.Label(), g.State, wait, dim.Render(top))
	}
	fmt.Fprintf(w, "\n  %d goroutines\n", len(gs))
}
