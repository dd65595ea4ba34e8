// Package domain defines the core types for the IVI coordination engine.
package domain

import "fmt"

// NodeState is the trust level of a node.
type NodeState string

const (
	NodePotential NodeState = "potential"
	NodeAnchored  NodeState = "anchored"
	NodeTrusted   NodeState = "trusted"
)

// ParseNodeState converts a raw string into a NodeState.
func ParseNodeState(raw string) (NodeState, error) {
	switch s := NodeState(raw); s {
	case NodePotential, NodeAnchored, NodeTrusted:
		return s, nil
	default:
		return "", Detail(ErrInvalidNodeState, "%q", raw)
	}
}

// Node is the projected state of a participant in a coordination domain.
type Node struct {
	NodeID string    `json:"node_id"`
	State  NodeState `json:"state"`
}

// ContentRecord is one version of a registered document.
type ContentRecord struct {
	DocumentID  string         `json:"document_id"`
	Version     int            `json:"version"`
	Payload     map[string]any `json:"payload"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   int64          `json:"created_at"`
}

// Scope levels accepted by Where.ScopeLevel.
const (
	ScopeHousehold = "household"
	ScopeBlock     = "block"
	ScopeTown      = "town"
	ScopeRegion    = "region"
)

// ValidScope reports whether s names a supported scope level.
func ValidScope(s string) bool {
	switch s {
	case ScopeHousehold, ScopeBlock, ScopeTown, ScopeRegion:
		return true
	}
	return false
}

// Who identifies the actor behind a proposal.
type Who struct {
	UserID        string   `json:"user_id"`
	Roles         []string `json:"roles"`
	ReputationRef string   `json:"reputation_ref"`
}

// Why carries the intent behind a proposal.
type Why struct {
	Goal        string   `json:"goal"`
	Constraints []string `json:"constraints"`
	Values      []string `json:"values"`
	Urgency     string   `json:"urgency"`
}

// What describes the requested action. Budget is optional.
type What struct {
	Category     string   `json:"category"`
	Description  string   `json:"description"`
	Budget       *float64 `json:"budget"`
	Requirements []string `json:"requirements"`
}

// Where bounds the proposal in space.
type Where struct {
	ScopeLevel  string   `json:"scope_level"`
	Geo         string   `json:"geo"`
	ServiceArea string   `json:"service_area"`
	Constraints []string `json:"constraints"`
}

// When bounds the proposal in time.
type When struct {
	Window            string   `json:"window"`
	TriggerConditions []string `json:"trigger_conditions"`
	Deadline          string   `json:"deadline"`
}

// Facets groups the five independent records supplied to one evaluation.
type Facets struct {
	Who   Who   `json:"who"`
	Why   Why   `json:"why"`
	What  What  `json:"what"`
	Where Where `json:"where"`
	When  When  `json:"when"`
}

// GateOutcome summarizes the dual gate.
type GateOutcome string

const (
	GatePass    GateOutcome = "pass"
	GateFail    GateOutcome = "fail"
	GatePartial GateOutcome = "partial"
)

// SignalCode tags a gate failure signal.
type SignalCode string

const (
	SignalMissingField     SignalCode = "MISSING_FIELD"
	SignalConflict         SignalCode = "CONFLICT"
	SignalPolicyBlock      SignalCode = "POLICY_BLOCK"
	SignalFeasibilityBlock SignalCode = "FEASIBILITY_BLOCK"
)

// FailureSignal is one reason a gate did not pass.
type FailureSignal struct {
	Code    SignalCode `json:"code"`
	Field   string     `json:"field"`
	Message string     `json:"message"`
}

// GateResult is the outcome of evaluating a proposal's facets.
type GateResult struct {
	Outcome           GateOutcome     `json:"gate_outcome"`
	Noumenal          bool            `json:"noumenal"`
	Phenomenal        bool            `json:"phenomenal"`
	MissingFields     []FailureSignal `json:"missing_fields"`
	Conflicts         []FailureSignal `json:"conflicts"`
	PolicyBlocks      []FailureSignal `json:"policy_blocks"`
	FeasibilityBlocks []FailureSignal `json:"feasibility_blocks"`
}

// EdgeClass is the routing class of a proposal. Declaration order breaks
// confidence ties.
type EdgeClass string

const (
	ClassServiceRequest     EdgeClass = "service_request"
	ClassCommerceExchange   EdgeClass = "commerce_exchange"
	ClassGovernancePetition EdgeClass = "governance_petition"
	ClassVolunteerTask      EdgeClass = "volunteer_task"
	ClassMeetupCoordination EdgeClass = "meetup_coordination"
)

// EdgeClasses lists every routing class in declaration order.
var EdgeClasses = []EdgeClass{
	ClassServiceRequest,
	ClassCommerceExchange,
	ClassGovernancePetition,
	ClassVolunteerTask,
	ClassMeetupCoordination,
}

// RoutingAlternative is one ranked candidate class.
type RoutingAlternative struct {
	EdgeClass  EdgeClass `json:"edge_class"`
	Confidence float64   `json:"confidence"`
}

// Routing is the class router's decision.
type Routing struct {
	Class               EdgeClass            `json:"routing_class"`
	Confidence          float64              `json:"routing_confidence"`
	Alternatives        []RoutingAlternative `json:"routing_alternatives"`
	NeedsDisambiguation bool                 `json:"needs_disambiguation"`
}

// Evaluation is what intake callers receive alongside the proposal.
type Evaluation struct {
	GateResults GateResult `json:"gate_results"`
	Routing
	NextActions []string `json:"next_actions"`
}

// ProposalStatus tracks a proposal through coordination.
type ProposalStatus string

const (
	StatusDraft     ProposalStatus = "draft"
	StatusSubmitted ProposalStatus = "submitted"
	StatusGated     ProposalStatus = "gated"
	StatusMatched   ProposalStatus = "matched"
	StatusScheduled ProposalStatus = "scheduled"
	StatusCompleted ProposalStatus = "completed"
)

// Proposal is the stored result of gate evaluation and routing.
type Proposal struct {
	ProposalID     string `json:"proposal_id"`
	TenantID       string `json:"tenant_id"`
	CommunityID    string `json:"community_id"`
	SessionID      string `json:"session_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Facets
	Status          ProposalStatus `json:"status"`
	GateResults     GateResult     `json:"gate_results"`
	Routing
	ThreadRef       string `json:"thread_ref"`
	ProposalVersion int    `json:"proposal_version"`
	EngineVersion   string `json:"engine_version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// SurplusMetrics are the relational gains recorded on a committed artifact.
type SurplusMetrics struct {
	TrustDelta            float64 `json:"trust_delta"`
	CoLearningScore       float64 `json:"co_learning_score"`
	ResourceReuseUnlocked float64 `json:"resource_reuse_unlocked"`
}

// Smoothness holds the two diagnostic energies recorded with a cycle.
type Smoothness struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AuditRecord logs intake and coordination decisions.
type AuditRecord struct {
	ID           string
	Scope        string
	Category     string
	Actor        string
	Action       string
	RequestJSON  string
	DecisionJSON string
	Severity     string
	CreatedAt    int64
}

// String renders a node for logs.
func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.NodeID, n.State)
}
