package memory

import "time"

// EdgeLabel is the relationship type carried by a memory edge.
type EdgeLabel string

const (
	EdgeLedTo       EdgeLabel = "led_to"
	EdgeRelatesTo   EdgeLabel = "relates_to"
	EdgeDependsOn   EdgeLabel = "depends_on"
	EdgeContradicts EdgeLabel = "contradicts"
	EdgeRefines     EdgeLabel = "refines"
	EdgeAnswers     EdgeLabel = "answers"
)

// Edge is a directed, labelled connection between two nodes. Multi-edges
// with distinct labels are permitted between the same pair; self-loops are
// forbidden (enforced by Graph.AddRelationship).
type Edge struct {
	From      string
	To        string
	Label     EdgeLabel
	Strength  float64
	CreatedAt time.Time
	Metadata  map[string]any
}

func clampStrength(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
