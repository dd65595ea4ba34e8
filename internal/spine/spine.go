// Package spine implements the append-only event log that owns node state.
//
// A Spine serializes every append behind one mutex. An event is validated
// and applied to the node projection before it is appended; a rejected event
// leaves both the log and the projection unchanged. Anchor events are the
// only events that cause another event: an anchor on a potential node
// appends exactly one NodeTransitioned to anchored right after it.
package spine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/lifecycle"
	"github.com/notmainstreet/ivi-engine/internal/logging"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
)

// Sink receives every appended event after it has been applied in memory.
type Sink interface {
	Persist(ctx context.Context, e domain.Event) error
}

// Spine is one coordination domain's log and node projection.
type Spine struct {
	domain string

	mu      sync.Mutex
	events  []domain.Event
	proj    *projection
	pending []domain.Event

	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Spine.
type Option func(*Spine)

// WithSink forwards appended events to s.
func WithSink(s Sink) Option {
	return func(sp *Spine) { sp.sink = s }
}

// WithLogger sets the spine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(sp *Spine) { sp.logger = logging.OrNop(l) }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(sp *Spine) { sp.now = now }
}

// New creates an empty spine for the named domain.
func New(domainName string, opts ...Option) *Spine {
	s := &Spine{
		domain: domainName,
		proj:   newProjection(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("domain", domainName))
	return s
}

// Domain returns the spine's coordination domain name.
func (s *Spine) Domain() string {
	return s.domain
}

// Append validates and applies p, appends it, and forwards it to the sink.
// The returned event is the one built from p; an anchor-triggered transition
// is appended immediately after it and is visible through Events.
//
// A sink failure does not undo the append. The event is kept in Pending and
// forwarded again before the next append or on RetryPending.
func (s *Spine) Append(ctx context.Context, p domain.Payload) (domain.Event, error) {
	events, err := s.AppendBatch(ctx, p)
	if err != nil {
		return domain.Event{}, err
	}
	return events[0], nil
}

// AppendBatch applies payloads in order as one unit under a single lock hold.
// If any payload is rejected none of them are appended. The result holds
// every appended event, anchor-triggered transitions included.
func (s *Spine) AppendBatch(ctx context.Context, payloads ...domain.Payload) ([]domain.Event, error) {
	if len(payloads) == 0 {
		return nil, domain.Detail(domain.ErrValidation, "empty batch")
	}
	for _, p := range payloads {
		if p == nil {
			return nil, domain.Detail(domain.ErrValidation, "nil payload")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Handlers validate before mutating and anchors mutate nothing
	// themselves, so a single payload can be applied in place. Batches work
	// on a copy so a late rejection cannot leave earlier effects behind.
	target := s.proj
	if len(payloads) > 1 {
		target = s.proj.clone()
	}
	applied := make([]domain.Payload, 0, len(payloads)+1)
	for _, p := range payloads {
		followUp, err := p.Apply(target)
		if err == nil && followUp != nil {
			_, err = followUp.Apply(target)
		}
		if err != nil {
			metrics.RecordRejection(s.domain, string(p.Kind()))
			s.logger.Debug("event rejected", zap.String("event_type", string(p.Kind())), zap.Error(err))
			return nil, err
		}
		applied = append(applied, p)
		if followUp != nil {
			applied = append(applied, followUp)
		}
	}

	s.proj = target
	events := make([]domain.Event, 0, len(applied))
	for _, p := range applied {
		events = append(events, s.appendLocked(p))
	}
	_ = s.forwardLocked(ctx)
	return events, nil
}

func (s *Spine) appendLocked(p domain.Payload) domain.Event {
	e := domain.Event{
		Seq:       int64(len(s.events)) + 1,
		Domain:    s.domain,
		Type:      p.Kind(),
		Payload:   p,
		Timestamp: s.now().UTC(),
	}
	s.events = append(s.events, e)
	s.pending = append(s.pending, e)
	metrics.RecordAppend(s.domain, string(e.Type))
	return e
}

// forwardLocked pushes pending events to the sink in log order and stops at
// the first failure so the sink never observes a gap.
func (s *Spine) forwardLocked(ctx context.Context) error {
	if s.sink == nil {
		s.pending = nil
		return nil
	}
	for len(s.pending) > 0 {
		e := s.pending[0]
		if err := s.sink.Persist(ctx, e); err != nil {
			metrics.RecordSinkFailure(s.domain)
			s.logger.Warn("sink persist failed",
				zap.Int64("seq", e.Seq),
				zap.String("event_type", string(e.Type)),
				zap.Int("pending", len(s.pending)),
				zap.Error(err))
			return domain.WrapEngineError(domain.ErrSinkUnavailable, err)
		}
		s.pending = s.pending[1:]
	}
	s.pending = nil
	return nil
}

// Pending returns events applied in memory but not yet accepted by the sink.
func (s *Spine) Pending() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.pending...)
}

// RetryPending forwards pending events again. It returns the first sink
// error, leaving that event and everything after it pending.
func (s *Spine) RetryPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardLocked(ctx)
}

// Restore rebuilds the projection from a persisted log. The spine must be
// empty. Events are re-applied as recorded without sink forwarding, and
// anchor events do not synthesize transitions since those were persisted too.
func (s *Spine) Restore(events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		return domain.Detail(domain.ErrValidation, "restore into non-empty spine %q", s.domain)
	}

	staged := newProjection()
	staged.replaying = true
	for i, e := range events {
		if e.Seq != int64(i)+1 {
			return domain.Detail(domain.ErrDuplicateEvent, "expected seq %d, got %d", i+1, e.Seq)
		}
		if e.Domain != "" && e.Domain != s.domain {
			return domain.Detail(domain.ErrValidation, "event %d belongs to domain %q", e.Seq, e.Domain)
		}
		if e.Payload == nil {
			return domain.Detail(domain.ErrValidation, "event %d has no payload", e.Seq)
		}
		if _, err := e.Payload.Apply(staged); err != nil {
			return fmt.Errorf("replay event %d (%s): %w", e.Seq, e.Type, err)
		}
	}
	staged.replaying = false

	s.proj = staged
	s.events = make([]domain.Event, len(events))
	for i, e := range events {
		e.Domain = s.domain
		s.events[i] = e
	}
	s.logger.Info("spine restored", zap.Int("events", len(events)), zap.Int("nodes", len(staged.nodes)))
	return nil
}

// Node returns the current state of nodeID.
func (s *Spine) Node(nodeID string) (domain.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.proj.nodes[nodeID]
	return n, ok
}

// Nodes returns every node ordered by id.
func (s *Spine) Nodes() []domain.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Node, 0, len(s.proj.nodes))
	for _, n := range s.proj.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Events returns a copy of the log in append order.
func (s *Spine) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// EventsOfType returns the events of type t in append order.
func (s *Spine) EventsOfType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of appended events.
func (s *Spine) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// projection is the node-state fold over the log. It implements
// domain.EventHandler; every method validates fully before mutating.
type projection struct {
	nodes     map[string]domain.Node
	artifacts map[string]bool
	replaying bool
}

func newProjection() *projection {
	return &projection{
		nodes:     make(map[string]domain.Node),
		artifacts: make(map[string]bool),
	}
}

func (p *projection) clone() *projection {
	c := newProjection()
	for k, v := range p.nodes {
		c.nodes[k] = v
	}
	for k := range p.artifacts {
		c.artifacts[k] = true
	}
	return c
}

func (p *projection) node(nodeID string) (domain.Node, error) {
	n, ok := p.nodes[nodeID]
	if !ok {
		return domain.Node{}, domain.Detail(domain.ErrUnknownNode, "%q", nodeID)
	}
	return n, nil
}

func (p *projection) ApplyNodeRegistered(e domain.NodeRegistered) error {
	n, err := lifecycle.NewNode(e.NodeID)
	if err != nil {
		return err
	}
	if _, exists := p.nodes[e.NodeID]; exists {
		return domain.Detail(domain.ErrDuplicateNode, "%q", e.NodeID)
	}
	p.nodes[e.NodeID] = n
	return nil
}

func (p *projection) ApplyNodeTransitioned(e domain.NodeTransitioned) error {
	n, err := p.node(e.NodeID)
	if err != nil {
		return err
	}
	next, err := lifecycle.Transition(n, e.NextState)
	if err != nil {
		return err
	}
	p.nodes[e.NodeID] = next
	return nil
}

func (p *projection) ApplyAnchor(e domain.AnchorEvent) (*domain.NodeTransitioned, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	n, err := p.node(e.NodeID)
	if err != nil {
		return nil, err
	}
	if p.replaying || n.State != domain.NodePotential {
		return nil, nil
	}
	return &domain.NodeTransitioned{NodeID: e.NodeID, NextState: domain.NodeAnchored}, nil
}

func (p *projection) ApplyCommitRequested(e domain.ProposalCommitRequested) error {
	n, err := p.node(e.NodeID)
	if err != nil {
		return err
	}
	if !lifecycle.CanCommit(n) {
		return domain.Detail(domain.ErrCommitNotEligible, "node %q is %s", n.NodeID, n.State)
	}
	return nil
}

func (p *projection) ApplyArtifactCreated(e domain.RelationalArtifactCreated) error {
	if e.ArtifactID == "" || e.ProposalID == "" {
		return domain.Detail(domain.ErrValidation, "artifact_id and proposal_id are required")
	}
	if len(e.Participants) == 0 {
		return domain.Detail(domain.ErrValidation, "artifact %q has no participants", e.ArtifactID)
	}
	if p.artifacts[e.ArtifactID] {
		return domain.Detail(domain.ErrValidation, "artifact %q already created", e.ArtifactID)
	}
	p.artifacts[e.ArtifactID] = true
	return nil
}

func (p *projection) ApplyRejected(e domain.ProposalRejected) error {
	if e.Reason == "" {
		return domain.Detail(domain.ErrValidation, "rejection reason is required")
	}
	return nil
}
