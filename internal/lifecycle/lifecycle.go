// Package lifecycle implements the node trust state machine.
package lifecycle

import (
	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// validTransitions defines the legal node state transitions.
// Each key is a source state, and the value is the set of valid target states.
var validTransitions = map[domain.NodeState]map[domain.NodeState]bool{
	domain.NodePotential: {domain.NodeAnchored: true},
	domain.NodeAnchored:  {domain.NodePotential: true, domain.NodeTrusted: true}, // anchored->potential is demotion
	domain.NodeTrusted:   {domain.NodeAnchored: true},
}

// IsValidTransition checks if a node state transition is legal.
func IsValidTransition(from, to domain.NodeState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Successors returns the states reachable from s in one step.
func Successors(s domain.NodeState) []domain.NodeState {
	var out []domain.NodeState
	for _, next := range []domain.NodeState{domain.NodePotential, domain.NodeAnchored, domain.NodeTrusted} {
		if validTransitions[s][next] {
			out = append(out, next)
		}
	}
	return out
}

// NewNode returns a freshly registered node.
func NewNode(nodeID string) (domain.Node, error) {
	if nodeID == "" {
		return domain.Node{}, domain.Detail(domain.ErrValidation, "node_id is required")
	}
	return domain.Node{NodeID: nodeID, State: domain.NodePotential}, nil
}

// Transition returns node moved to next. The input is not modified.
func Transition(node domain.Node, next domain.NodeState) (domain.Node, error) {
	if !IsValidTransition(node.State, next) {
		return node, domain.Detail(domain.ErrInvalidTransition,
			"illegal transition %s -> %s for node %q", node.State, next, node.NodeID)
	}
	node.State = next
	return node, nil
}

// CanCommit reports whether the node's trust level permits a committing action.
func CanCommit(node domain.Node) bool {
	return node.State == domain.NodeAnchored || node.State == domain.NodeTrusted
}
