package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/WessleyAI/flowpulse/engine/domain"
	"github.com/WessleyAI/flowpulse/engine/flow"
	"github.com/WessleyAI/flowpulse/engine/status"
	"github.com/WessleyAI/flowpulse/pkg/fn"
	"github.com/fatih/color"
)

var (
	heading = color.New(color.FgHiGreen, color.Bold)
	subtle  = color.New(color.FgHiBlack)
	live    = color.New(color.FgCyan)
)

// printStatus writes one table per kind with the derived status of every
// node, followed by an edge summary.
func printStatus(w io.Writer, doc flow.Document, now time.Time) {
	heading.Fprintf(w, "%s (%s)\n", doc.Name, doc.ID)
	if len(doc.Nodes) == 0 {
		subtle.Fprintln(w, "  no nodes")
		return
	}

	byKind := fn.GroupBy(doc.Nodes, func(n flow.Node) domain.Kind { return n.Kind })
	for _, kind := range domain.Kinds {
		nodes, ok := byKind[kind]
		if !ok {
			continue
		}
		fmt.Fprintln(w)
		heading.Fprintf(w, "  %s\n", kind.Title())
		rows := fn.Map(nodes, func(n flow.Node) []string {
			return []string{n.Label, orDash(n.EntityID), lastSeen(n.LastUpdated, now), liveMark(n.Live), status.Render(n.Status)}
		})
		table(w, []string{"LABEL", "ENTITY", "LAST UPDATE", "LIVE", "STATUS"}, rows)
	}

	animated := fn.Count(doc.Edges, func(e flow.Edge) bool { return e.Animated })
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  edges: %d, %s\n", len(doc.Edges), live.Sprintf("%d active", animated))
}

// printStored writes the per-kind node counts held by the persistence layer.
func printStored(w io.Writer, counts map[domain.Kind]int64, edges int64) {
	parts := fn.Map(fn.SortedKeys(counts), func(k domain.Kind) string {
		return fmt.Sprintf("%s=%d", k, counts[k])
	})
	fmt.Fprintln(w)
	subtle.Fprintf(w, "  stored: %s edges=%d\n", strings.Join(parts, " "), edges)
}

// table prints aligned columns. The last column is not padded so it may
// carry color codes.
func table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row[:len(row)-1] {
			if n := len([]rune(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string) string {
		var b strings.Builder
		b.WriteString("    ")
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
		}
		return b.String()
	}
	subtle.Fprintln(w, line(headers))
	for _, row := range rows {
		fmt.Fprintln(w, line(row))
	}
}

func lastSeen(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return now.Sub(*t).Truncate(time.Second).String() + " ago"
}

func liveMark(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
