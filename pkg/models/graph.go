package models

import (
	"fmt"
	"math"
)

// FlatStepID names the implicit step that holds a flat-mode action list.
const FlatStepID = "main"

// Graph is the validated, indexed form of a workflow: steps by id and
// outgoing connections per step in declaration order.
type Graph struct {
	initial     string
	order       []string
	steps       map[string]*WorkflowStep
	outgoing    map[string][]*WorkflowConnection
	connections map[string]*WorkflowConnection
	joins       map[string]string
	warnings    []string
}

// NewFlatGraph compiles a flat action list into a one-step graph whose only
// step is an end step running the actions sorted by Order.
func NewFlatGraph(actions []*Action) *Graph {
	step := &WorkflowStep{ID: FlatStepID, Name: "actions", Actions: SortActions(actions), IsEndStep: true}

	return &Graph{
		initial:     FlatStepID,
		order:       []string{FlatStepID},
		steps:       map[string]*WorkflowStep{FlatStepID: step},
		outgoing:    map[string][]*WorkflowConnection{},
		connections: map[string]*WorkflowConnection{},
		joins:       map[string]string{},
	}
}

// NewGraph indexes and validates wf. Problems are returned as a
// *ConfigurationError; non-fatal findings end up in Warnings.
func NewGraph(wf *Workflow) (*Graph, error) {
	cfgErr := &ConfigurationError{}
	g := buildGraph(wf, cfgErr)

	if err := cfgErr.errOrNil(); err != nil {
		return nil, err
	}

	return g, nil
}

func buildGraph(wf *Workflow, cfgErr *ConfigurationError) *Graph {
	g := &Graph{
		steps:       make(map[string]*WorkflowStep),
		outgoing:    make(map[string][]*WorkflowConnection),
		connections: make(map[string]*WorkflowConnection),
		joins:       make(map[string]string),
	}

	if wf == nil {
		cfgErr.add("workflow mode is enabled but no workflow is defined")

		return g
	}

	g.initial = wf.InitialStepID

	hasEnd := false

	for _, step := range wf.Steps {
		if step == nil || step.ID == "" {
			cfgErr.add("workflow step without id")

			continue
		}

		if _, dup := g.steps[step.ID]; dup {
			cfgErr.add("duplicate step id %q", step.ID)

			continue
		}

		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
		hasEnd = hasEnd || step.IsEndStep
	}

	if len(g.steps) == 0 {
		cfgErr.add("workflow has no steps")
	}

	if _, ok := g.steps[wf.InitialStepID]; !ok {
		cfgErr.add("initial step %q does not exist", wf.InitialStepID)
	}

	if !hasEnd {
		cfgErr.add("workflow has no end step")
	}

	for _, conn := range wf.Connections {
		g.addConnection(conn, cfgErr)
	}

	for _, id := range g.order {
		g.checkRouting(id, cfgErr)
	}

	g.checkReachability(cfgErr)

	for _, id := range g.order {
		if g.has(id, ConnectionParallel) {
			g.joins[id] = g.findJoin(id)
		}
	}

	return g
}

func (g *Graph) addConnection(conn *WorkflowConnection, cfgErr *ConfigurationError) {
	if conn == nil || conn.ID == "" {
		cfgErr.add("workflow connection without id")

		return
	}

	if _, dup := g.connections[conn.ID]; dup {
		cfgErr.add("duplicate connection id %q", conn.ID)

		return
	}

	if !conn.Type.Valid() {
		cfgErr.add("connection %q has unknown type %q", conn.ID, conn.Type)

		return
	}

	if _, ok := g.steps[conn.SourceStepID]; !ok {
		cfgErr.add("connection %q references missing source step %q", conn.ID, conn.SourceStepID)

		return
	}

	if _, ok := g.steps[conn.TargetStepID]; !ok {
		cfgErr.add("connection %q references missing target step %q", conn.ID, conn.TargetStepID)

		return
	}

	switch conn.Type {
	case ConnectionBranch, ConnectionLoop, ConnectionWaitUntil:
		if len(conn.Conditions) == 0 {
			cfgErr.add("%s connection %q needs at least one condition", conn.Type, conn.ID)
		}
	case ConnectionSequence, ConnectionParallel:
	}

	for i, c := range conn.Conditions {
		if err := c.Validate(); err != nil {
			cfgErr.add("connection %q condition %d: %v", conn.ID, i, err)
		}
	}

	g.connections[conn.ID] = conn
	g.outgoing[conn.SourceStepID] = append(g.outgoing[conn.SourceStepID], conn)
}

// checkRouting rejects combinations of outgoing connection types the runner
// cannot order unambiguously. Loops combine with anything.
func (g *Graph) checkRouting(stepID string, cfgErr *ConfigurationError) {
	counts := make(map[ConnectionType]int)
	for _, conn := range g.outgoing[stepID] {
		counts[conn.Type]++
	}

	switch {
	case counts[ConnectionParallel] > 0:
		if counts[ConnectionSequence]+counts[ConnectionBranch]+counts[ConnectionWaitUntil] > 0 {
			cfgErr.add("step %q mixes parallel connections with other routing", stepID)
		}
	case counts[ConnectionWaitUntil] > 0:
		if counts[ConnectionWaitUntil] > 1 || counts[ConnectionSequence]+counts[ConnectionBranch] > 0 {
			cfgErr.add("step %q must have a single wait_until connection and no other routing", stepID)
		}
	case counts[ConnectionSequence] > 1:
		cfgErr.add("step %q has more than one sequence connection", stepID)
	}

	step := g.steps[stepID]
	if step.IsEndStep && len(g.outgoing[stepID]) > 0 {
		g.warnings = append(g.warnings, fmt.Sprintf("end step %q has outgoing connections that are never taken", stepID))
	}

	if !step.IsEndStep && len(g.outgoing[stepID]) == 0 {
		g.warnings = append(g.warnings, fmt.Sprintf("step %q is a dead end and ends its path", stepID))
	}
}

func (g *Graph) checkReachability(cfgErr *ConfigurationError) {
	if _, ok := g.steps[g.initial]; !ok {
		return
	}

	dist := g.distances(g.initial)

	endReachable := false

	for _, id := range g.order {
		if _, ok := dist[id]; !ok {
			g.warnings = append(g.warnings, fmt.Sprintf("step %q is unreachable", id))

			continue
		}

		endReachable = endReachable || g.steps[id].IsEndStep
	}

	if !endReachable {
		cfgErr.add("no end step is reachable from initial step %q", g.initial)
	}
}

// distances runs a breadth-first search over every connection type.
func (g *Graph) distances(from string) map[string]int {
	dist := map[string]int{from: 0}
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, conn := range g.outgoing[current] {
			if _, seen := dist[conn.TargetStepID]; seen {
				continue
			}

			dist[conn.TargetStepID] = dist[current] + 1
			queue = append(queue, conn.TargetStepID)
		}
	}

	return dist
}

// findJoin picks the nearest step every parallel branch of source can reach.
// An empty result means the branches never meet again.
func (g *Graph) findJoin(source string) string {
	var reach []map[string]int

	for _, conn := range g.outgoing[source] {
		if conn.Type == ConnectionParallel {
			reach = append(reach, g.distances(conn.TargetStepID))
		}
	}

	best, bestCost := "", math.MaxInt

	for _, candidate := range g.order {
		if candidate == source {
			continue
		}

		cost := 0

		for _, dist := range reach {
			d, ok := dist[candidate]
			if !ok {
				cost = math.MaxInt

				break
			}

			cost = max(cost, d)
		}

		if cost < bestCost {
			best, bestCost = candidate, cost
		}
	}

	return best
}

func (g *Graph) has(stepID string, connType ConnectionType) bool {
	for _, conn := range g.outgoing[stepID] {
		if conn.Type == connType {
			return true
		}
	}

	return false
}

func (g *Graph) InitialStepID() string {
	return g.initial
}

func (g *Graph) Step(id string) (*WorkflowStep, bool) {
	step, ok := g.steps[id]

	return step, ok
}

// Steps returns the steps in declaration order.
func (g *Graph) Steps() []*WorkflowStep {
	steps := make([]*WorkflowStep, 0, len(g.order))
	for _, id := range g.order {
		steps = append(steps, g.steps[id])
	}

	return steps
}

// Outgoing returns the connections leaving stepID in declaration order.
func (g *Graph) Outgoing(stepID string) []*WorkflowConnection {
	return g.outgoing[stepID]
}

func (g *Graph) Connection(id string) (*WorkflowConnection, bool) {
	conn, ok := g.connections[id]

	return conn, ok
}

// JoinStepID returns where the parallel branches leaving source meet.
func (g *Graph) JoinStepID(source string) string {
	return g.joins[source]
}

func (g *Graph) Warnings() []string {
	return g.warnings
}
