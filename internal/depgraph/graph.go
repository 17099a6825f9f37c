// Package depgraph builds per-sensor dependency graphs from classified
// references and plans a deterministic topological evaluation order.
//
// Nodes are formulas (one main plus attributes). External entities and
// collection aggregates are not nodes: they are leaf dependencies resolved
// by the context builder against the state provider, so they never
// participate in ordering.
package depgraph

import (
	"fmt"

	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/formula"
)

// NodeKind discriminates the main formula from attribute formulas.
type NodeKind int

const (
	// NodeMain is a sensor's main formula (index 0).
	NodeMain NodeKind = iota
	// NodeAttribute is an attribute formula.
	NodeAttribute
)

// Node is one formula in the graph. Built fresh per evaluation-order
// computation; never persisted.
type Node struct {
	ID           string
	Formula      *formula.FormulaSpec
	Kind         NodeKind
	Dependencies []classify.Reference
	Aggregates   map[string]classify.Aggregate

	// declIndex preserves declaration order for deterministic tie-breaks.
	declIndex int
}

// Graph holds nodes and producer→consumer edges. An edge A→B means B
// depends on a reference A produces, so A must evaluate before B.
type Graph struct {
	nodes []*Node
	index map[string]*Node

	// produces maps every reference identifier a node is the producer of
	// (its own ID, plus any extra keys registered at AddNode time) to that
	// node.
	produces map[string]*Node

	// dependents maps node ID → consumer node IDs in edge order.
	dependents map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		index:      make(map[string]*Node),
		produces:   make(map[string]*Node),
		dependents: make(map[string][]string),
	}
}

// AddNode registers a node. The node produces its own ID plus any extra
// keys (a main node also produces its sensor's configuration key and
// entity id, enabling cross-sensor edges in fleet-level graphs).
func (g *Graph) AddNode(n *Node, extraKeys ...string) error {
	if _, dup := g.index[n.ID]; dup {
		return fmt.Errorf("duplicate node ID: %s", n.ID)
	}
	n.declIndex = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.index[n.ID] = n

	g.produces[n.ID] = n
	for _, key := range extraKeys {
		if key == "" {
			continue
		}
		if other, taken := g.produces[key]; taken && other != n {
			return fmt.Errorf("reference %q produced by both %s and %s", key, other.ID, n.ID)
		}
		g.produces[key] = n
	}
	return nil
}

// connect derives edges from each node's classified dependencies. Only
// references with a producer node become edges; everything else is a leaf
// resolved at context-build time.
func (g *Graph) connect() {
	g.dependents = make(map[string][]string, len(g.nodes))
	seen := make(map[[2]string]bool)

	for _, consumer := range g.nodes {
		for _, ref := range consumer.Dependencies {
			switch ref.Kind {
			case classify.RefAttribute, classify.RefCrossSensor:
			default:
				continue
			}
			producer, ok := g.produces[ref.ID]
			if !ok || producer == consumer {
				continue
			}
			edge := [2]string{producer.ID, consumer.ID}
			if seen[edge] {
				continue
			}
			seen[edge] = true
			g.dependents[producer.ID] = append(g.dependents[producer.ID], consumer.ID)
		}
	}
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Dependents returns the consumer IDs of a node in edge order.
func (g *Graph) Dependents(id string) []string { return g.dependents[id] }

// BuildSensorGraph classifies every formula of a sensor and assembles the
// per-sensor graph. The classifier options are completed with the sensor's
// own attribute names so attribute references disambiguate correctly.
func BuildSensorGraph(sensor *formula.SensorSpec, opts classify.Options) (*Graph, error) {
	if len(sensor.Formulas) == 0 {
		return nil, fmt.Errorf("sensor %s has no formulas", sensor.UniqueID)
	}

	attrs := sensor.AttributeNames()
	merged := classify.Options{
		AttributeNames: attrs,
		SensorKeys:     opts.SensorKeys,
		DomainPrefixes: opts.DomainPrefixes,
	}
	for name := range opts.AttributeNames {
		merged.AttributeNames[name] = true
	}

	g := New()
	for i := range sensor.Formulas {
		spec := &sensor.Formulas[i]
		kind := NodeAttribute
		var extra []string
		if i == 0 {
			kind = NodeMain
			extra = []string{sensor.UniqueID, sensor.EntityID}
		}

		res := classify.Classify(spec, merged)
		node := &Node{
			ID:           spec.ID,
			Formula:      spec,
			Kind:         kind,
			Dependencies: res.References,
			Aggregates:   res.Aggregates,
		}
		if err := g.AddNode(node, extra...); err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sensor.UniqueID, err)
		}
	}

	g.connect()
	return g, nil
}
