package spine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/logging"
)

var domainPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidDomain reports whether name can identify a coordination domain.
func ValidDomain(name string) bool {
	return domainPattern.MatchString(name)
}

// EventLoader reads a domain's persisted log in sequence order.
type EventLoader interface {
	LoadDomain(ctx context.Context, domainName string) ([]domain.Event, error)
}

// Manager owns one spine per coordination domain. Spines are created on
// first use and restored from the loader when one is configured.
type Manager struct {
	mu     sync.Mutex
	spines map[string]*Spine

	loader EventLoader
	sink   Sink
	logger *zap.Logger
}

// NewManager creates a manager. loader and sink may be nil.
func NewManager(loader EventLoader, sink Sink, logger *zap.Logger) *Manager {
	return &Manager{
		spines: make(map[string]*Spine),
		loader: loader,
		sink:   sink,
		logger: logging.OrNop(logger),
	}
}

// Get returns the spine for domainName, restoring it on first access.
func (m *Manager) Get(ctx context.Context, domainName string) (*Spine, error) {
	if !ValidDomain(domainName) {
		return nil, domain.Detail(domain.ErrValidation, "invalid domain name %q", domainName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.spines[domainName]; ok {
		return s, nil
	}

	opts := []Option{WithLogger(m.logger)}
	if m.sink != nil {
		opts = append(opts, WithSink(m.sink))
	}
	s := New(domainName, opts...)
	if m.loader != nil {
		events, err := m.loader.LoadDomain(ctx, domainName)
		if err != nil {
			return nil, fmt.Errorf("load domain %q: %w", domainName, err)
		}
		if err := s.Restore(events); err != nil {
			return nil, fmt.Errorf("restore domain %q: %w", domainName, err)
		}
	}
	m.spines[domainName] = s
	return s, nil
}

// Domains lists the domains opened so far.
func (m *Manager) Domains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.spines))
	for name := range m.spines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RetryPending retries every spine's pending events and returns the first error.
func (m *Manager) RetryPending(ctx context.Context) error {
	m.mu.Lock()
	spines := make([]*Spine, 0, len(m.spines))
	for _, s := range m.spines {
		spines = append(spines, s)
	}
	m.mu.Unlock()

	var first error
	for _, s := range spines {
		if err := s.RetryPending(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
