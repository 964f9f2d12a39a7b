package graph

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the derived graph artifact written once per validated build
// and read by monitoring collaborators.
type Document struct {
	NodeCount   int       `yaml:"node_count"`
	EdgeCount   int       `yaml:"edge_count"`
	ValidatedAt time.Time `yaml:"validated_at"`
	Nodes       []Node    `yaml:"nodes"`
}

// Node is one task entry in the graph document.
type Node struct {
	ID           string   `yaml:"id"`
	Status       string   `yaml:"status"`
	Priority     int      `yaml:"priority"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Dependents   []string `yaml:"dependents,omitempty"`
}

// BuildDocument captures the graph as a document. The graph must have
// passed dependency validation.
func BuildDocument(g *Graph) (*Document, error) {
	if !g.Validated() {
		return nil, fmt.Errorf("graph has not passed dependency validation")
	}

	doc := &Document{
		NodeCount:   g.Len(),
		ValidatedAt: time.Now().UTC(),
	}

	for _, t := range g.Tasks() {
		doc.EdgeCount += len(t.Dependencies)
		doc.Nodes = append(doc.Nodes, Node{
			ID:           t.ID,
			Status:       string(t.Status),
			Priority:     t.Priority,
			Dependencies: t.Dependencies,
			Dependents:   g.Dependents(t.ID),
		})
	}
	return doc, nil
}

// Write encodes the document as YAML at path.
func (d *Document) Write(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding graph document: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing graph document: %w", err)
	}
	return nil
}
