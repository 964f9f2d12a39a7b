package cmd

import (
	"fmt"
	"os"

	"github.com/aristath/loom/internal/graph"
	"github.com/aristath/loom/internal/schema"
	"github.com/aristath/loom/internal/task"
)

// loadAndValidate runs the full validation pipeline on a collection file:
// raw decode, schema validation, typed parse, graph build, dependency
// validation. Findings are printed to stderr; a validation failure returns
// an ExitError with code 1.
func loadAndValidate(path string) (*task.Collection, *graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading collection: %w", err)
	}

	raw, err := task.DecodeRaw(data)
	if err != nil {
		return nil, nil, err
	}

	schemaRes := schema.Validate(raw)
	printSchemaFindings(schemaRes)
	if !schemaRes.Valid {
		return nil, nil, failf(1, "schema validation failed with %d error(s)", len(schemaRes.Errors))
	}

	col, err := task.Parse(data)
	if err != nil {
		return nil, nil, err
	}

	g, err := graph.Build(col)
	if err != nil {
		return nil, nil, fmt.Errorf("building graph: %w", err)
	}

	depRes := graph.Validate(g)
	printDependencyFindings(depRes)
	if !depRes.Valid {
		return nil, nil, failf(1, "dependency validation failed with %d error(s)", len(depRes.Errors))
	}

	return col, g, nil
}

func printSchemaFindings(res schema.Result) {
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Error())
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.String())
	}
}

func printDependencyFindings(res graph.Result) {
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Error())
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}
