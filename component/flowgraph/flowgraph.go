// Package flowgraph builds and validates the connection graph of a
// fusion pipeline: which components publish and subscribe on which NATS
// subjects, and which bind external resources like UDP ports or output
// files.
package flowgraph

import (
	"fmt"
	"strings"

	"github.com/c360/geofuse/component"
)

// FlowGraph is a directed graph of component connections.
type FlowGraph struct {
	nodes map[string]*ComponentNode
	edges []FlowEdge
}

// ComponentNode is one component and its port surface.
type ComponentNode struct {
	ComponentName string
	Component     component.Discoverable
	InputPorts    []PortInfo
	OutputPorts   []PortInfo
}

// PortInfo is the port metadata the graph works with.
type PortInfo struct {
	Name         string
	Direction    component.Direction
	ConnectionID string // subject, stream, file path, or network address
	Pattern      InteractionPattern
	Interface    *component.InterfaceContract
	Required     bool
}

// FlowEdge is one publisher-to-subscriber connection.
type FlowEdge struct {
	From         ComponentPortRef   `json:"from"`
	To           ComponentPortRef   `json:"to"`
	Pattern      InteractionPattern `json:"pattern"`
	ConnectionID string             `json:"connection_id"`
	Metadata     EdgeMetadata       `json:"metadata"`
}

// ComponentPortRef names a specific port on a specific component.
type ComponentPortRef struct {
	ComponentName string `json:"component_name"`
	PortName      string `json:"port_name"`
}

// InteractionPattern classifies how two ports can relate.
type InteractionPattern string

const (
	// PatternStream covers NATSPort and JetStreamPort interactions:
	// detection batches and fused object events flowing through the bus.
	PatternStream InteractionPattern = "stream"
	// PatternExternal covers NetworkPort and FilePort: UDP sensor
	// binds, websocket listeners, and output files. These are pipeline
	// boundaries, not internal edges.
	PatternExternal InteractionPattern = "external"
)

// EdgeMetadata carries pattern-specific edge details.
type EdgeMetadata struct {
	InterfaceContract *component.InterfaceContract `json:"interface_contract,omitempty"`
	Queue             string                       `json:"queue,omitempty"`
}

// FlowAnalysisResult is what AnalyzeConnectivity reports.
type FlowAnalysisResult struct {
	ConnectedComponents [][]string         `json:"connected_components"`
	ConnectedEdges      []FlowEdge         `json:"connected_edges"`
	DisconnectedNodes   []DisconnectedNode `json:"disconnected_nodes"`
	OrphanedPorts       []OrphanedPort     `json:"orphaned_ports"`
	ValidationStatus    string             `json:"validation_status"`
}

// DisconnectedNode is a component with no edges at all.
type DisconnectedNode struct {
	ComponentName string   `json:"component_name"`
	Issue         string   `json:"issue"`
	Suggestions   []string `json:"suggestions,omitempty"`
}

// OrphanedPort is a stream port with no matching peer.
type OrphanedPort struct {
	ComponentName string              `json:"component_name"`
	PortName      string              `json:"port_name"`
	Direction     component.Direction `json:"direction"`
	ConnectionID  string              `json:"connection_id"`
	Pattern       InteractionPattern  `json:"pattern"`
	Issue         string              `json:"issue"`
	Required      bool                `json:"required"`
}

// NewFlowGraph returns an empty graph.
func NewFlowGraph() *FlowGraph {
	return &FlowGraph{
		nodes: make(map[string]*ComponentNode),
	}
}

// GetNodes returns a copy of the node set so callers cannot mutate the
// graph through it.
func (g *FlowGraph) GetNodes() map[string]*ComponentNode {
	out := make(map[string]*ComponentNode, len(g.nodes))
	for name, node := range g.nodes {
		c := &ComponentNode{
			ComponentName: node.ComponentName,
			Component:     node.Component,
			InputPorts:    append([]PortInfo(nil), node.InputPorts...),
			OutputPorts:   append([]PortInfo(nil), node.OutputPorts...),
		}
		out[name] = c
	}
	return out
}

// GetEdges returns a copy of the edge list.
func (g *FlowGraph) GetEdges() []FlowEdge {
	return append([]FlowEdge(nil), g.edges...)
}

// AddComponentNode registers a component and snapshots its ports.
func (g *FlowGraph) AddComponentNode(name string, comp component.Discoverable) error {
	if name == "" {
		return fmt.Errorf("component name cannot be empty")
	}
	if comp == nil {
		return fmt.Errorf("component cannot be nil")
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("component %s already exists in graph", name)
	}

	g.nodes[name] = &ComponentNode{
		ComponentName: name,
		Component:     comp,
		InputPorts:    snapshotPorts(comp.InputPorts()),
		OutputPorts:   snapshotPorts(comp.OutputPorts()),
	}
	return nil
}

// snapshotPorts converts the component's port declarations into the
// graph's own metadata form.
func snapshotPorts(ports []component.Port) []PortInfo {
	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:         p.Name,
			Direction:    p.Direction,
			ConnectionID: connectionID(p.Config),
			Pattern:      classifyPort(p.Config),
			Interface:    messageContract(p.Config),
			Required:     p.Required,
		})
	}
	return infos
}

// messageContract pulls the interface contract off bus ports. Network
// and file ports carry no message contract.
func messageContract(cfg component.Portable) *component.InterfaceContract {
	switch c := cfg.(type) {
	case component.NATSPort:
		return c.Interface
	case component.JetStreamPort:
		return c.Interface
	}
	return nil
}

func classifyPort(cfg component.Portable) InteractionPattern {
	switch cfg.(type) {
	case component.NetworkPort, component.FilePort:
		return PatternExternal
	}
	// Bus ports, and anything unrecognized, participate in matching.
	return PatternStream
}

// connectionID derives the identifier two ports must share to connect.
func connectionID(cfg component.Portable) string {
	if cfg == nil {
		return "nil_port_config"
	}

	switch c := cfg.(type) {
	case component.NATSPort:
		if c.Subject == "" {
			return "nats_missing_subject"
		}
		return c.Subject
	case component.JetStreamPort:
		// The stream name identifies the durable resource; fall back to
		// the first bound subject.
		if c.StreamName != "" {
			return c.StreamName
		}
		if len(c.Subjects) > 0 {
			return c.Subjects[0]
		}
		return "jetstream_unknown"
	case component.NetworkPort:
		if c.Host == "" || c.Port == 0 {
			return fmt.Sprintf("network_incomplete_%s_%d", c.Host, c.Port)
		}
		return fmt.Sprintf("%s:%s:%d", c.Protocol, c.Host, c.Port)
	case component.FilePort:
		if c.Path != "" {
			return c.Path
		}
		return "file_unknown"
	}
	return fmt.Sprintf("unknown_type_%T", cfg)
}

// ConnectComponentsByPatterns rebuilds the edge list by matching output
// ports against input ports with compatible connection identifiers.
func (g *FlowGraph) ConnectComponentsByPatterns() error {
	g.edges = g.edges[:0]

	outputs := g.portRefsByPattern(component.DirectionOutput)
	inputs := g.portRefsByPattern(component.DirectionInput)

	g.connectStreamPorts(outputs[PatternStream], inputs[PatternStream])

	// External binds create no edges but must not collide.
	if conflicts := externalBindConflicts(outputs[PatternExternal], inputs[PatternExternal]); len(conflicts) > 0 {
		return fmt.Errorf("flow graph validation warnings: %v", conflicts)
	}
	return nil
}

// portRefsByPattern groups all ports of one direction by pattern and
// connection identifier.
func (g *FlowGraph) portRefsByPattern(dir component.Direction) map[InteractionPattern]map[string][]ComponentPortRef {
	grouped := make(map[InteractionPattern]map[string][]ComponentPortRef)

	for name, node := range g.nodes {
		ports := node.OutputPorts
		if dir == component.DirectionInput {
			ports = node.InputPorts
		}

		for _, p := range ports {
			byID := grouped[p.Pattern]
			if byID == nil {
				byID = make(map[string][]ComponentPortRef)
				grouped[p.Pattern] = byID
			}
			byID[p.ConnectionID] = append(byID[p.ConnectionID], ComponentPortRef{
				ComponentName: name,
				PortName:      p.Name,
			})
		}
	}

	return grouped
}

// matchNATSPattern checks if a subject matches a NATS pattern.
// NATS semantics: * matches exactly one token, > matches one or more.
// Works bidirectionally, so the UDP input's raw.detections.cam-north
// matches a processor subscribed to raw.detections.*.
func matchNATSPattern(subject, pattern string) bool {
	if subject == pattern {
		return true
	}

	hasWild := func(s string) bool {
		return strings.ContainsAny(s, "*>")
	}

	switch {
	case hasWild(subject) && hasWild(pattern):
		return tokensMatch(strings.Split(subject, "."), strings.Split(pattern, ".")) ||
			tokensMatch(strings.Split(pattern, "."), strings.Split(subject, "."))
	case hasWild(pattern):
		return tokensMatch(strings.Split(subject, "."), strings.Split(pattern, "."))
	case hasWild(subject):
		return tokensMatch(strings.Split(pattern, "."), strings.Split(subject, "."))
	}
	return false
}

// tokensMatch walks pattern tokens against subject tokens.
func tokensMatch(subject, pattern []string) bool {
	for i, tok := range pattern {
		switch {
		case tok == ">":
			// '>' swallows the rest, and there must be a rest per NATS
			// semantics only at the tail; here it matches greedily.
			return true
		case i >= len(subject):
			return false
		case tok == "*":
			continue
		case tok != subject[i]:
			return false
		}
	}
	return len(pattern) == len(subject)
}

// connectStreamPorts creates edges for every publisher/subscriber pair
// whose subjects overlap, including wildcard overlap in either direction.
func (g *FlowGraph) connectStreamPorts(publishers, subscribers map[string][]ComponentPortRef) {
	for pubConnID, pubs := range publishers {
		for subConnID, subs := range subscribers {
			if !matchNATSPattern(pubConnID, subConnID) && !matchNATSPattern(subConnID, pubConnID) {
				continue
			}
			for _, pub := range pubs {
				for _, sub := range subs {
					g.edges = append(g.edges, FlowEdge{
						From:         pub,
						To:           sub,
						Pattern:      PatternStream,
						ConnectionID: pubConnID, // actual subject, not pattern
					})
				}
			}
		}
	}
}

// externalBindConflicts reports external resources (UDP listen ports,
// websocket listeners, output files) claimed by more than one component.
func externalBindConflicts(outputs, inputs map[string][]ComponentPortRef) []string {
	var conflicts []string
	claimed := make(map[string][]ComponentPortRef)

	for connID, refs := range outputs {
		if len(refs) > 1 {
			conflicts = append(conflicts,
				fmt.Sprintf("External resource conflict on %s: multiple components binding: %v", connID, refs))
		}
		claimed[connID] = refs
	}

	for connID, refs := range inputs {
		switch prior, taken := claimed[connID]; {
		case taken:
			conflicts = append(conflicts,
				fmt.Sprintf("External resource conflict on %s: %v and %v both trying to bind", connID, prior, refs))
		case len(refs) > 1:
			conflicts = append(conflicts,
				fmt.Sprintf("External resource conflict on %s: multiple components binding: %v", connID, refs))
		}
	}

	return conflicts
}

// AnalyzeConnectivity reports clusters, isolated components, and
// unmatched stream ports.
func (g *FlowGraph) AnalyzeConnectivity() *FlowAnalysisResult {
	result := &FlowAnalysisResult{
		ConnectedEdges:      g.edges,
		ValidationStatus:    "healthy",
		DisconnectedNodes:   []DisconnectedNode{},
		ConnectedComponents: [][]string{},
		OrphanedPorts:       []OrphanedPort{},
	}

	if clusters := g.clusters(); clusters != nil {
		result.ConnectedComponents = clusters
	}
	if orphans := g.unmatchedStreamPorts(); orphans != nil {
		result.OrphanedPorts = orphans
	}

	touched := make(map[string]bool)
	for _, edge := range g.edges {
		touched[edge.From.ComponentName] = true
		touched[edge.To.ComponentName] = true
	}
	for name := range g.nodes {
		if touched[name] {
			continue
		}
		result.DisconnectedNodes = append(result.DisconnectedNodes, DisconnectedNode{
			ComponentName: name,
			Issue:         "Component has no connections",
			Suggestions:   []string{"Connect to other components", "Verify component configuration"},
		})
	}

	// Only required stream connections are critical; optional ports
	// without connections are acceptable.
	critical := false
	for _, port := range result.OrphanedPorts {
		if port.Pattern == PatternStream && port.Required {
			critical = true
			break
		}
	}
	if len(result.DisconnectedNodes) > 0 || critical {
		result.ValidationStatus = "warnings"
	}

	return result
}

// clusters finds connected components of the graph, treating edges as
// undirected.
func (g *FlowGraph) clusters() [][]string {
	adj := make(map[string][]string)
	for _, edge := range g.edges {
		adj[edge.From.ComponentName] = append(adj[edge.From.ComponentName], edge.To.ComponentName)
		adj[edge.To.ComponentName] = append(adj[edge.To.ComponentName], edge.From.ComponentName)
	}

	visited := make(map[string]bool)
	var clusters [][]string

	var walk func(string, *[]string)
	walk = func(name string, cluster *[]string) {
		visited[name] = true
		*cluster = append(*cluster, name)
		for _, next := range adj[name] {
			if !visited[next] {
				walk(next, cluster)
			}
		}
	}

	for name := range g.nodes {
		if visited[name] {
			continue
		}
		var cluster []string
		walk(name, &cluster)
		clusters = append(clusters, cluster)
	}

	return clusters
}

// unmatchedStreamPorts lists stream ports with no edge. External ports
// are excluded: a UDP bind or output file IS the pipeline boundary, not
// a dangling connection.
func (g *FlowGraph) unmatchedStreamPorts() []OrphanedPort {
	connected := make(map[ComponentPortRef]bool)
	for _, edge := range g.edges {
		connected[edge.From] = true
		connected[edge.To] = true
	}

	var orphaned []OrphanedPort
	report := func(name string, p PortInfo, issue string) {
		if p.Pattern == PatternExternal {
			return
		}
		if connected[ComponentPortRef{ComponentName: name, PortName: p.Name}] {
			return
		}
		orphaned = append(orphaned, OrphanedPort{
			ComponentName: name,
			PortName:      p.Name,
			Direction:     p.Direction,
			ConnectionID:  p.ConnectionID,
			Pattern:       p.Pattern,
			Issue:         issue,
			Required:      p.Required,
		})
	}

	for name, node := range g.nodes {
		for _, p := range node.InputPorts {
			report(name, p, "no_publishers")
		}
		for _, p := range node.OutputPorts {
			report(name, p, "no_subscribers")
		}
	}

	return orphaned
}
