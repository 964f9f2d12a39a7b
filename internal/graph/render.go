package graph

import (
	"fmt"
	"io"
	"strings"
)

// Render writes a human-readable rendering of the graph: every root task
// followed by its dependents, indented by depth. Tasks reachable from more
// than one root are printed under each; repeats within one walk are marked
// instead of recursed into, so rendering terminates even on cyclic input.
func Render(g *Graph, w io.Writer) {
	ids := g.IDs()
	if len(ids) == 0 {
		fmt.Fprintln(w, "(empty graph)")
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var roots []string
	for _, id := range ids {
		if len(g.tasks[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		// Cyclic graph with no entry point; render every node flat.
		roots = ids
	}

	for _, root := range roots {
		renderNode(g, w, root, 0, make(map[string]bool))
	}
}

func renderNode(g *Graph, w io.Writer, id string, depth int, onPath map[string]bool) {
	t := g.tasks[id]
	indent := strings.Repeat("  ", depth)

	if onPath[id] {
		fmt.Fprintf(w, "%s%s (cycle)\n", indent, id)
		return
	}

	fmt.Fprintf(w, "%s%s [%s]", indent, id, t.Status)
	if t.Priority != 0 {
		fmt.Fprintf(w, " p=%d", t.Priority)
	}
	if t.Description != "" {
		fmt.Fprintf(w, " - %s", truncate(t.Description, 60))
	}
	fmt.Fprintln(w)

	onPath[id] = true
	for _, dep := range g.dependents[id] {
		renderNode(g, w, dep, depth+1, onPath)
	}
	delete(onPath, id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
