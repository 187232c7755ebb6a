package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatbatch/internal/catalog"
	"chatbatch/internal/diag"
	"chatbatch/internal/ledger"
	"chatbatch/internal/pipeline"
	"chatbatch/pkg/contract"
)

var (
	colorAccent = lipgloss.Color("#8BC34A")
	colorWarn   = lipgloss.Color("#FFC107")
	colorError  = lipgloss.Color("#e53935")
	colorMuted  = lipgloss.Color("#7a8599")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	headStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	numberStyle = lipgloss.NewStyle().PaddingRight(2).Align(lipgloss.Right)
)

// table 按列宽对齐渲染；首列左对齐，其余右对齐。
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if w := lipgloss.Width(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	line := func(cells []string, head bool) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			st := numberStyle
			if i == 0 {
				st = cellStyle
			}
			st = st.Width(widths[i] + 2)
			if head {
				c = headStyle.Render(c)
			}
			parts[i] = st.Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	}
	lines := []string{line(header, true)}
	for _, r := range rows {
		lines = append(lines, line(r, false))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func money(v float64) string { return fmt.Sprintf("$%.4f", v) }

// renderReport 输出每类别汇总、失败/缺失明细与进程内计数。
func renderReport(w io.Writer, r pipeline.BatchReport, ops, errs []diag.Counter) {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Batch report") + "\n")
	header := []string{"class", "processed", "ok", "partial", "failed", "skipped", "requests", "waves", "cost"}
	var rows [][]string
	for _, c := range r.Classes() {
		cr := r.PerJobClass[c]
		rows = append(rows, reportRow(string(c), *cr))
	}
	if len(rows) > 1 {
		rows = append(rows, reportRow("total", r.Totals()))
	}
	b.WriteString(table(header, rows) + "\n")

	for _, c := range r.Classes() {
		cr := r.PerJobClass[c]
		for _, u := range sortedUnits(cr.FailedUnits) {
			b.WriteString(errorStyle.Render(fmt.Sprintf("failed  %s/%s: %s", c, u, cr.FailedUnits[u])) + "\n")
		}
		for _, u := range sortedUnits(cr.PartialUnits) {
			b.WriteString(warnStyle.Render(fmt.Sprintf("partial %s/%s: missing %s", c, u, joinIDs(cr.PartialUnits[u]))) + "\n")
		}
	}
	if len(ops)+len(errs) > 0 {
		b.WriteString(mutedStyle.Render(counters("ops", ops)) + "\n")
		if len(errs) > 0 {
			b.WriteString(mutedStyle.Render(counters("errors", errs)) + "\n")
		}
	}
	_, _ = io.WriteString(w, b.String())
}

func reportRow(name string, cr pipeline.ClassReport) []string {
	return []string{
		name,
		fmt.Sprint(cr.Processed),
		fmt.Sprint(cr.Succeeded),
		fmt.Sprint(cr.Partial),
		fmt.Sprint(cr.Failed),
		fmt.Sprint(cr.Skipped),
		fmt.Sprint(cr.Requests),
		fmt.Sprint(cr.Waves),
		money(cr.Cost),
	}
}

func counters(label string, cs []diag.Counter) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = fmt.Sprintf("%s=%d", c.Name, c.Value)
	}
	return label + ": " + strings.Join(parts, " ")
}

func sortedUnits[V any](m map[contract.UnitID]V) []contract.UnitID {
	out := make([]contract.UnitID, 0, len(m))
	for u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinIDs(ids []contract.SubItemID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func renderStatus(w io.Writer, st []catalog.Status) {
	var rows [][]string
	for _, s := range st {
		rows = append(rows, []string{string(s.JobClass), fmt.Sprint(s.Total), fmt.Sprint(s.Done), fmt.Sprint(s.Pending), money(s.TotalCost)})
	}
	out := titleStyle.Render("Status") + "\n"
	if len(rows) == 0 {
		out += mutedStyle.Render("no units found") + "\n"
	} else {
		out += table([]string{"class", "units", "done", "pending", "cost"}, rows) + "\n"
	}
	_, _ = io.WriteString(w, out)
}

func renderLedger(w io.Writer, source string, sums []ledger.ClassSum) {
	var (
		rows  [][]string
		total float64
		n     int
	)
	for _, s := range sums {
		rows = append(rows, []string{string(s.JobClass), fmt.Sprint(s.Entries), money(s.Cost)})
		total += s.Cost
		n += s.Entries
	}
	out := titleStyle.Render("Ledger") + " " + mutedStyle.Render("("+source+")") + "\n"
	if len(rows) == 0 {
		out += mutedStyle.Render("no entries") + "\n"
	} else {
		if len(rows) > 1 {
			rows = append(rows, []string{"total", fmt.Sprint(n), money(total)})
		}
		out += table([]string{"class", "entries", "cost"}, rows) + "\n"
	}
	_, _ = io.WriteString(w, out)
}
