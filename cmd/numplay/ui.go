package main

import (
	"context"
	"fmt"
	"io"

	"github.com/caffeineduck/numplay/output"
	"github.com/charmbracelet/lipgloss"
	"github.com/rodaine/table"
)

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	readyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00CC66"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// renderLine styles a transcript line by its stream.
func renderLine(line output.Line) string {
	switch line.Stream {
	case output.Stderr:
		return errorStyle.Render(line.Text)
	case output.System:
		return systemStyle.Render(line.Text)
	default:
		return line.Text
	}
}

// streamRun prints the lines of the next run as they arrive. Lines from
// before the run's clear are skipped. Once ctx is done it keeps printing
// until nothing is pending, so no line is lost.
func streamRun(ctx context.Context, f *output.Follower, w io.Writer) {
	started := false
	for {
		batch, err := f.Next(ctx)
		if err != nil {
			return
		}
		started = started || batch.Reset
		if !started {
			continue
		}
		for _, line := range batch.Lines {
			fmt.Fprintln(w, renderLine(line))
		}
	}
}

func newTable(w io.Writer, headers ...any) table.Table {
	tbl := table.New(headers...)
	tbl.WithWriter(w)
	tbl.WithPadding(2)
	tbl.WithWidthFunc(lipgloss.Width)
	tbl.WithFirstColumnFormatter(func(format string, vals ...any) string {
		return boldStyle.Render(fmt.Sprintf(format, vals...))
	})
	return tbl
}
