// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a training progress bar
// and report tables.
package commandline

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/hknet/layout"
	"github.com/gomlx/hknet/pipeline"
	"golang.org/x/exp/maps"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col < len(alignments) {
				s = s.Align(alignments[col])
			}
			return
		})
}

// SprintEvaluation renders the per-regime test results and the pooled figures as tables.
func SprintEvaluation(report *pipeline.Report) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Test results"))
	sb.WriteString("\n")
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right)
	table.Headers("Regime", "Sequences", "MSE", "Std", "Inference")
	for _, result := range report.Regimes {
		table.Row(result.Regime.Key(), humanize.Comma(int64(result.NumSequences)),
			fmt.Sprintf("%.3f dB", result.MeanDB), fmt.Sprintf("± %.3f dB", result.StdDB), FormatDuration(result.InferenceTime))
	}
	table.Row("All", humanize.Comma(int64(report.Overall.NumSequences)),
		fmt.Sprintf("%.3f dB", report.Overall.MeanDB), fmt.Sprintf("± %.3f dB", report.Overall.StdDB),
		FormatDuration(report.AverageInferenceTime)+" avg")
	sb.WriteString(table.String())
	sb.WriteString("\n")
	return sb.String()
}

// ReportEvaluation prints the evaluation report.
func ReportEvaluation(report *pipeline.Report) {
	fmt.Print(SprintEvaluation(report))
}

// SprintParameterCounts renders the parameter counts, e.g. the ones of pipeline.Trainer.ParameterCounts.
func SprintParameterCounts(counts map[string]any) string {
	table := newPlainTable(false, lipgloss.Left, lipgloss.Right)
	keys := maps.Keys(counts)
	slices.Sort(keys)
	for _, key := range keys {
		value := fmt.Sprint(counts[key])
		if n, ok := counts[key].(int); ok {
			value = humanize.Comma(int64(n))
		}
		table.Row(key, value)
	}
	return titleStyle.Render("Parameters") + "\n" + table.String() + "\n"
}

// SprintLayout renders the blocks of a weights layout.
func SprintLayout(l *layout.Layout) string {
	dims := l.Dims()
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Layout m=%d, n=%d, in_mult=%d, out_mult=%d",
		dims.StateDim, dims.ObsDim, dims.InMult, dims.OutMult)))
	sb.WriteString("\n")
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right)
	table.Headers("Block", "Shape", "Offset", "Size")
	for _, b := range l.Blocks() {
		table.Row(b.Name, fmt.Sprint(b.Shape), humanize.Comma(int64(b.Offset)), humanize.Comma(int64(b.Size())))
	}
	table.Row("Total", "", "", humanize.Comma(int64(l.TotalSize())))
	sb.WriteString(table.String())
	sb.WriteString("\n")
	return sb.String()
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
