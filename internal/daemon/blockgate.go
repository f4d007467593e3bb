// Package daemon implements the enforcement plane: the event-driven block
// gate and its polling fallback.
package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// BlockGate is the event-driven enforcement plane. It holds a local replica
// of the latest BlockDecision (default: not blocking) and intercepts
// foreground applications that the decision blocks.
//
// The replica is reconciled with the control plane only through best-effort
// state channel messages; the gate tolerates arbitrary delay between a
// toggle and its local observation.
type BlockGate struct {
	channel domain.StateChannel
	source  domain.ForegroundSource
	overlay domain.OverlayController
	logger  *zap.Logger

	mu       sync.Mutex
	decision domain.BlockDecision
	stopped  bool
}

// NewBlockGate creates the event-driven enforcement plane.
func NewBlockGate(
	channel domain.StateChannel,
	source domain.ForegroundSource,
	overlay domain.OverlayController,
	logger *zap.Logger,
) *BlockGate {
	return &BlockGate{
		channel: channel,
		source:  source,
		overlay: overlay,
		logger:  logger,
	}
}

// Run subscribes to the state channel and foreground events and blocks
// until ctx is canceled. After Run returns, stale events cause no further
// interception and any visible overlay has been removed.
func (g *BlockGate) Run(ctx context.Context) error {
	// Absence of a message means unknown/default: not blocking.
	if d, ok, err := g.channel.Latest(); err != nil {
		g.logger.Warn("failed to read initial decision", zap.Error(err))
	} else if ok {
		g.ApplyDecision(d)
	}

	updates, err := g.channel.Watch(ctx)
	if err != nil {
		return err
	}
	events, err := g.source.Events(ctx)
	if err != nil {
		return err
	}

	g.logger.Info("block gate started",
		zap.Bool("is_blocking", g.Decision().IsBlocking))

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("block gate stopping")
			g.teardown()
			return ctx.Err()

		case d, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			g.ApplyDecision(d)

		case appID, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			g.HandleForeground(appID)
		}
	}
}

// Decision returns the gate's current replica.
func (g *BlockGate) Decision() domain.BlockDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision
}

// ApplyDecision replaces the replica wholesale (no merge). Delivering the
// same decision twice is indistinguishable from delivering it once.
func (g *BlockGate) ApplyDecision(d domain.BlockDecision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}

	g.decision = d
	g.logger.Debug("decision replaced",
		zap.Bool("is_blocking", d.IsBlocking),
		zap.Int("blocked_apps", len(d.BlockedAppIDs)))

	if !d.IsBlocking {
		if err := g.overlay.Remove(); err != nil {
			g.logger.Warn("failed to remove overlay", zap.Error(err))
		}
	}
}

// HandleForeground evaluates a foreground-change event against the replica.
// Kept short and non-blocking: the host expects prompt return.
func (g *BlockGate) HandleForeground(appID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}

	if !g.decision.Blocks(appID) {
		return
	}

	g.logger.Info("intercepting blocked application", zap.String("app_id", appID))
	if err := g.overlay.Show(appID); err != nil {
		g.logger.Warn("failed to show overlay", zap.Error(err))
	}
	if err := g.source.NavigateHome(); err != nil {
		g.logger.Warn("failed to navigate home", zap.Error(err))
	}
}

func (g *BlockGate) teardown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if err := g.overlay.Remove(); err != nil {
		g.logger.Warn("failed to remove overlay on teardown", zap.Error(err))
	}
}

// Ensure BlockGate implements domain.EnforcementPlane.
var _ domain.EnforcementPlane = (*BlockGate)(nil)
