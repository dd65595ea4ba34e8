// Package publish registers documents and fans new versions out to
// publishers.
package publish

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/logging"
	"github.com/notmainstreet/ivi-engine/internal/registry"
)

// Publisher writes one view of a content record and returns where it went.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, rec domain.ContentRecord) (string, error)
}

// Output is one publisher's result.
type Output struct {
	Publisher string `json:"publisher"`
	Location  string `json:"location"`
}

// Result describes one Process call. Unchanged content has no outputs.
type Result struct {
	Record    domain.ContentRecord `json:"record"`
	Unchanged bool                 `json:"unchanged"`
	Outputs   []Output             `json:"outputs"`
}

// Pipeline couples a registry with its publishers.
type Pipeline struct {
	registry   *registry.Registry
	publishers []Publisher
	logger     *zap.Logger
}

// NewPipeline returns a pipeline that publishes through pubs in order.
func NewPipeline(reg *registry.Registry, logger *zap.Logger, pubs ...Publisher) *Pipeline {
	return &Pipeline{registry: reg, publishers: pubs, logger: logging.OrNop(logger)}
}

// Process registers payload and, when it produced a new version, runs every
// publisher concurrently. The first publisher error cancels the rest.
func (p *Pipeline) Process(ctx context.Context, documentID string, payload map[string]any) (Result, error) {
	rec, created, err := p.registry.Register(ctx, documentID, payload)
	if err != nil {
		return Result{}, err
	}
	if !created {
		return Result{Record: rec, Unchanged: true, Outputs: []Output{}}, nil
	}

	start := time.Now()
	outputs := make([]Output, len(p.publishers))
	g, gctx := errgroup.WithContext(ctx)
	for i, pub := range p.publishers {
		g.Go(func() error {
			loc, err := pub.Publish(gctx, rec)
			if err != nil {
				return fmt.Errorf("publish %s v%d via %s: %w", rec.DocumentID, rec.Version, pub.Name(), err)
			}
			outputs[i] = Output{Publisher: pub.Name(), Location: loc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Error("publish failed",
			zap.String("document_id", rec.DocumentID),
			zap.Int("version", rec.Version),
			zap.Error(err),
		)
		return Result{Record: rec}, err
	}

	p.logger.Info("document published",
		zap.String("document_id", rec.DocumentID),
		zap.Int("version", rec.Version),
		zap.Int("publishers", len(outputs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Result{Record: rec, Outputs: outputs}, nil
}

// Latest returns the newest registered version of a document.
func (p *Pipeline) Latest(ctx context.Context, documentID string) (domain.ContentRecord, bool, error) {
	return p.registry.Latest(ctx, documentID)
}
