// Package cycle runs one coordination attempt end to end: dual gate,
// continuity bound, verification floor, then commit through the spine.
package cycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/lifecycle"
	"github.com/notmainstreet/ivi-engine/internal/logging"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
	"github.com/notmainstreet/ivi-engine/internal/spine"
)

// Rejection reasons, checked in this order.
const (
	ReasonDualGateFailed      = "dual_gate_failed"
	ReasonContinuityViolation = "continuity_violation"
	ReasonVerificationFloor   = "verification_floor"
)

const (
	outcomeCommitted = "committed"
	outcomeRejected  = "rejected"

	// DefaultCounterparty is the second participant when none is named.
	DefaultCounterparty = "community"

	artifactStatus = "active"
	artifactRegion = "local"
)

// ContinuityConstraint bounds per-step movement in the coordination embedding.
type ContinuityConstraint struct {
	EpsilonX float64 `json:"epsilon_x"`
	EpsilonY float64 `json:"epsilon_y"`
}

// NewContinuityConstraint rejects non-positive bounds.
func NewContinuityConstraint(epsilonX, epsilonY float64) (ContinuityConstraint, error) {
	if !(epsilonX > 0) || !(epsilonY > 0) {
		return ContinuityConstraint{}, domain.Detail(domain.ErrInvalidConstraint,
			"epsilon_x and epsilon_y must be > 0, got %v and %v", epsilonX, epsilonY)
	}
	return ContinuityConstraint{EpsilonX: epsilonX, EpsilonY: epsilonY}, nil
}

// Allows reports whether a step of (dx, dy) stays within the bounds.
func (c ContinuityConstraint) Allows(dx, dy float64) bool {
	return math.Abs(dx) <= c.EpsilonX && math.Abs(dy) <= c.EpsilonY
}

// Diagnostics are smoothness energies recorded for observability only.
type Diagnostics struct {
	XEnergy float64 `json:"x_energy"`
	YEnergy float64 `json:"y_energy"`
}

// NewDiagnostics rejects negative energies.
func NewDiagnostics(xEnergy, yEnergy float64) (Diagnostics, error) {
	if !(xEnergy >= 0) || !(yEnergy >= 0) {
		return Diagnostics{}, domain.Detail(domain.ErrInvalidDiagnostics,
			"energies must be non-negative, got %v and %v", xEnergy, yEnergy)
	}
	return Diagnostics{XEnergy: xEnergy, YEnergy: yEnergy}, nil
}

// Proposal is one coordination attempt by an initiating node.
type Proposal struct {
	ProposalID      string  `json:"proposal_id"`
	InitiatorNodeID string  `json:"initiator_node_id"`
	CounterpartyID  string  `json:"counterparty_id,omitempty"`
	DX              float64 `json:"dx"`
	DY              float64 `json:"dy"`
	NoumenalValid   bool    `json:"noumenal_valid"`
	PhenomenalValid bool    `json:"phenomenal_valid"`
}

// Request bundles a proposal with the bounds and scores it is judged by.
type Request struct {
	Proposal    Proposal
	Continuity  ContinuityConstraint
	Diagnostics Diagnostics
	TrustScore  float64
	TenureScore float64
}

// Outcome is the terminal state of one cycle.
type Outcome struct {
	Committed   bool           `json:"committed"`
	Reason      string         `json:"reason"`
	Sovereignty float64        `json:"sovereignty"`
	ArtifactID  string         `json:"artifact_id,omitempty"`
	Events      []domain.Event `json:"events"`
}

// Orchestrator composes the gate flags, the continuity bound and the node
// lifecycle into one commit decision.
type Orchestrator struct {
	policyVersion string
	logger        *zap.Logger
}

// New creates an orchestrator that stamps artifacts with policyVersion.
func New(policyVersion string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{policyVersion: policyVersion, logger: logging.OrNop(logger)}
}

// Run executes the cycle against sp. Rejections are outcomes, not errors,
// and each appends a ProposalRejected event. An error means nothing was
// appended: the proposal was malformed or the initiator is unknown.
func (o *Orchestrator) Run(ctx context.Context, sp *spine.Spine, req Request) (Outcome, error) {
	p := req.Proposal
	if p.ProposalID == "" || p.InitiatorNodeID == "" {
		return Outcome{}, domain.Detail(domain.ErrValidation, "proposal_id and initiator_node_id are required")
	}
	if !(req.Continuity.EpsilonX > 0) || !(req.Continuity.EpsilonY > 0) {
		return Outcome{}, domain.Detail(domain.ErrInvalidConstraint, "epsilon_x and epsilon_y must be > 0")
	}
	if !(req.Diagnostics.XEnergy >= 0) || !(req.Diagnostics.YEnergy >= 0) {
		return Outcome{}, domain.Detail(domain.ErrInvalidDiagnostics, "energies must be non-negative")
	}

	node, ok := sp.Node(p.InitiatorNodeID)
	if !ok {
		return Outcome{}, domain.Detail(domain.ErrUnknownNode, "%q", p.InitiatorNodeID)
	}
	sov := SovereigntyWeight(node.State, req.TrustScore, req.TenureScore)

	switch {
	case !(p.NoumenalValid && p.PhenomenalValid):
		return o.reject(ctx, sp, req, ReasonDualGateFailed, sov)
	case !req.Continuity.Allows(p.DX, p.DY):
		return o.reject(ctx, sp, req, ReasonContinuityViolation, sov)
	case !lifecycle.CanCommit(node):
		return o.reject(ctx, sp, req, ReasonVerificationFloor, sov)
	}

	artifact := o.artifact(req)
	events, err := sp.AppendBatch(ctx,
		domain.ProposalCommitRequested{NodeID: p.InitiatorNodeID, ProposalID: p.ProposalID},
		artifact,
	)
	if err != nil {
		// The node may have been demoted between the floor check and the append.
		if errors.Is(err, domain.ErrCommitNotEligible) {
			return o.reject(ctx, sp, req, ReasonVerificationFloor, sov)
		}
		return Outcome{}, err
	}

	metrics.RecordCycle(outcomeCommitted, "")
	o.logger.Info("cycle committed",
		zap.String("domain", sp.Domain()),
		zap.String("proposal_id", p.ProposalID),
		zap.String("artifact_id", artifact.ArtifactID),
		zap.Float64("sovereignty", sov))
	return Outcome{
		Committed:   true,
		Reason:      outcomeCommitted,
		Sovereignty: sov,
		ArtifactID:  artifact.ArtifactID,
		Events:      events,
	}, nil
}

func (o *Orchestrator) reject(ctx context.Context, sp *spine.Spine, req Request, reason string, sov float64) (Outcome, error) {
	e, err := sp.Append(ctx, domain.ProposalRejected{
		ProposalID: req.Proposal.ProposalID,
		NodeID:     req.Proposal.InitiatorNodeID,
		Reason:     reason,
		Diagnostics: domain.Smoothness{
			X: req.Diagnostics.XEnergy,
			Y: req.Diagnostics.YEnergy,
		},
	})
	if err != nil {
		return Outcome{}, err
	}

	metrics.RecordCycle(outcomeRejected, reason)
	o.logger.Info("cycle rejected",
		zap.String("domain", sp.Domain()),
		zap.String("proposal_id", req.Proposal.ProposalID),
		zap.String("reason", reason),
		zap.Float64("sovereignty", sov),
		zap.Float64("x_energy", req.Diagnostics.XEnergy),
		zap.Float64("y_energy", req.Diagnostics.YEnergy))
	return Outcome{Reason: reason, Sovereignty: sov, Events: []domain.Event{e}}, nil
}

func (o *Orchestrator) artifact(req Request) domain.RelationalArtifactCreated {
	p := req.Proposal
	counterparty := p.CounterpartyID
	if counterparty == "" {
		counterparty = DefaultCounterparty
	}
	participants := []string{p.InitiatorNodeID, counterparty}
	return domain.RelationalArtifactCreated{
		ArtifactID:   ArtifactID(p.ProposalID, participants),
		ProposalID:   p.ProposalID,
		EdgeID:       "edge-" + p.InitiatorNodeID,
		Participants: participants,
		Region:       artifactRegion,
		SurplusMetrics: domain.SurplusMetrics{
			TrustDelta:            round4(0.1 + 0.1*req.TrustScore),
			CoLearningScore:       round4(0.1 + 0.1*req.TenureScore),
			ResourceReuseUnlocked: 0.1,
		},
		Status:        artifactStatus,
		PolicyVersion: o.policyVersion,
	}
}

// ArtifactID derives a stable id from the proposal and its participants.
// Ids are hashed verbatim with length prefixes, so ids differing only in
// whitespace or in where one ends and the next begins stay distinct.
func ArtifactID(proposalID string, participants []string) string {
	h := sha256.New()
	for _, field := range append([]string{proposalID}, participants...) {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	return "artifact-" + hex.EncodeToString(h.Sum(nil))[:24]
}

var stateBase = map[domain.NodeState]float64{
	domain.NodePotential: 0,
	domain.NodeAnchored:  0.25,
	domain.NodeTrusted:   0.5,
}

// SovereigntyWeight is a node's governance influence, clamped to [0, 1].
func SovereigntyWeight(state domain.NodeState, trustScore, tenureScore float64) float64 {
	raw := stateBase[state] + 0.35*trustScore + 0.15*tenureScore
	if math.IsNaN(raw) {
		return 0
	}
	return math.Max(0, math.Min(1, raw))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
