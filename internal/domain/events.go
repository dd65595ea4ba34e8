package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType names an event kind on the spine.
type EventType string

const (
	EventNodeRegistered            EventType = "NodeRegistered"
	EventNodeTransitioned          EventType = "NodeTransitioned"
	EventAnchor                    EventType = "AnchorEvent"
	EventProposalCommitRequested   EventType = "ProposalCommitRequested"
	EventRelationalArtifactCreated EventType = "RelationalArtifactCreated"
	EventProposalRejected          EventType = "ProposalRejected"
)

// Event is an immutable entry of a spine's log. Seq is the append order
// within Domain and is the only notion of logical time.
type Event struct {
	Seq       int64     `json:"seq"`
	Domain    string    `json:"domain"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the closed set of event kinds. Each kind dispatches itself to
// the matching EventHandler method, so adding a kind without a handler does
// not compile.
type Payload interface {
	Kind() EventType
	Apply(h EventHandler) (Payload, error)
	sealed()
}

// EventHandler applies each event kind to a projection. Only ApplyAnchor
// may return a follow-up payload; the spine appends it as a single extra hop.
type EventHandler interface {
	ApplyNodeRegistered(NodeRegistered) error
	ApplyNodeTransitioned(NodeTransitioned) error
	ApplyAnchor(AnchorEvent) (*NodeTransitioned, error)
	ApplyCommitRequested(ProposalCommitRequested) error
	ApplyArtifactCreated(RelationalArtifactCreated) error
	ApplyRejected(ProposalRejected) error
}

// NodeRegistered creates a node in state potential.
type NodeRegistered struct {
	NodeID string `json:"node_id"`
}

func (NodeRegistered) Kind() EventType { return EventNodeRegistered }
func (NodeRegistered) sealed()         {}

func (e NodeRegistered) Apply(h EventHandler) (Payload, error) {
	return nil, h.ApplyNodeRegistered(e)
}

// NodeTransitioned moves a node along the transition table.
type NodeTransitioned struct {
	NodeID    string    `json:"node_id"`
	NextState NodeState `json:"next_state"`
}

func (NodeTransitioned) Kind() EventType { return EventNodeTransitioned }
func (NodeTransitioned) sealed()         {}

func (e NodeTransitioned) Apply(h EventHandler) (Payload, error) {
	return nil, h.ApplyNodeTransitioned(e)
}

// Verification classes accepted on anchor events.
const (
	VerifyPresenceCheck       = "presence_check"
	VerifySignedWitness       = "signed_witness"
	VerifyLocalAssetPing      = "local_asset_ping"
	VerifyOtherPolicyApproved = "other_policy_approved"
)

// AnchorEvent is externally verifiable evidence for a node.
type AnchorEvent struct {
	EventType         string   `json:"event_type"`
	NodeID            string   `json:"node_id"`
	VerificationClass string   `json:"verification_class"`
	EvidencePointer   string   `json:"evidence_pointer"`
	Witnesses         []string `json:"witnesses"`
	Signer            string   `json:"signer"`
	OccurredAt        string   `json:"occurred_at"`
	PolicyVersion     string   `json:"policy_version"`
}

func (AnchorEvent) Kind() EventType { return EventAnchor }
func (AnchorEvent) sealed()         {}

func (e AnchorEvent) Apply(h EventHandler) (Payload, error) {
	next, err := h.ApplyAnchor(e)
	if err != nil || next == nil {
		return nil, err
	}
	return *next, nil
}

// Validate checks the anchor's shape. Node existence is checked by the spine.
func (e AnchorEvent) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		empty bool
	}{
		{"event_type", e.EventType == ""},
		{"node_id", e.NodeID == ""},
		{"verification_class", e.VerificationClass == ""},
		{"evidence_pointer", e.EvidencePointer == ""},
		{"witnesses", e.Witnesses == nil},
		{"signer", e.Signer == ""},
		{"occurred_at", e.OccurredAt == ""},
		{"policy_version", e.PolicyVersion == ""},
	} {
		if f.empty {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Detail(ErrMalformedAnchorEvent, "missing fields: %s", strings.Join(missing, ", "))
	}

	if e.EventType != string(EventAnchor) {
		return Detail(ErrMalformedAnchorEvent, "event_type must be %q, got %q", EventAnchor, e.EventType)
	}
	switch e.VerificationClass {
	case VerifyPresenceCheck, VerifySignedWitness, VerifyLocalAssetPing, VerifyOtherPolicyApproved:
	default:
		return Detail(ErrMalformedAnchorEvent, "unsupported verification_class %q", e.VerificationClass)
	}
	if len(e.Witnesses) == 0 {
		return Detail(ErrMalformedAnchorEvent, "witnesses must be a non-empty list")
	}
	for i, w := range e.Witnesses {
		if strings.TrimSpace(w) == "" {
			return Detail(ErrMalformedAnchorEvent, "witnesses[%d] is empty", i)
		}
	}
	if _, err := ParseTimestamp(e.OccurredAt); err != nil {
		return Detail(ErrMalformedAnchorEvent, "occurred_at %q is not a valid timestamp", e.OccurredAt)
	}
	return nil
}

// ProposalCommitRequested gates a commit on the node's trust level.
type ProposalCommitRequested struct {
	NodeID     string `json:"node_id"`
	ProposalID string `json:"proposal_id,omitempty"`
}

func (ProposalCommitRequested) Kind() EventType { return EventProposalCommitRequested }
func (ProposalCommitRequested) sealed()         {}

func (e ProposalCommitRequested) Apply(h EventHandler) (Payload, error) {
	return nil, h.ApplyCommitRequested(e)
}

// RelationalArtifactCreated records a committed coordination.
type RelationalArtifactCreated struct {
	ArtifactID     string         `json:"artifact_id"`
	ProposalID     string         `json:"proposal_id"`
	EdgeID         string         `json:"edge_id"`
	Participants   []string       `json:"participants"`
	Region         string         `json:"region"`
	SurplusMetrics SurplusMetrics `json:"surplus_metrics"`
	Status         string         `json:"status"`
	PolicyVersion  string         `json:"policy_version"`
}

func (RelationalArtifactCreated) Kind() EventType { return EventRelationalArtifactCreated }
func (RelationalArtifactCreated) sealed()         {}

func (e RelationalArtifactCreated) Apply(h EventHandler) (Payload, error) {
	return nil, h.ApplyArtifactCreated(e)
}

// ProposalRejected records why a coordination cycle stopped.
type ProposalRejected struct {
	ProposalID  string     `json:"proposal_id"`
	NodeID      string     `json:"node_id"`
	Reason      string     `json:"reason"`
	Diagnostics Smoothness `json:"l_diag"`
}

func (ProposalRejected) Kind() EventType { return EventProposalRejected }
func (ProposalRejected) sealed()         {}

func (e ProposalRejected) Apply(h EventHandler) (Payload, error) {
	return nil, h.ApplyRejected(e)
}

// DecodePayload builds a typed payload from its wire form.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	var p Payload
	var err error
	switch t {
	case EventNodeRegistered:
		var v NodeRegistered
		err = json.Unmarshal(raw, &v)
		p = v
	case EventNodeTransitioned:
		var v NodeTransitioned
		err = json.Unmarshal(raw, &v)
		p = v
	case EventAnchor:
		var v AnchorEvent
		err = json.Unmarshal(raw, &v)
		p = v
	case EventProposalCommitRequested:
		var v ProposalCommitRequested
		err = json.Unmarshal(raw, &v)
		p = v
	case EventRelationalArtifactCreated:
		var v RelationalArtifactCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case EventProposalRejected:
		var v ProposalRejected
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, Detail(ErrUnknownEventType, "%q", t)
	}
	if err != nil {
		return nil, Detail(ErrValidation, "decode %s payload: %v", t, err)
	}
	return p, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 timestamps, naive ISO date-times (read as
// UTC) and plain dates.
func ParseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatTimestamp renders t in UTC with a trailing Z.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
