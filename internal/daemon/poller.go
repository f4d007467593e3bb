package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// PollerConfig holds foreground poller configuration.
type PollerConfig struct {
	Interval time.Duration // How often to query the frontmost application
	Window   time.Duration // Trailing window a foreground sighting counts for
}

// DefaultPollerConfig returns default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 500 * time.Millisecond,
		Window:   5 * time.Second,
	}
}

// ForegroundPoller is the polling enforcement plane, used when the host
// provides no reliable foreground-change event feed. Each tick queries the
// frontmost application over a short trailing window and applies the same
// interception as BlockGate.
type ForegroundPoller struct {
	config  PollerConfig
	channel domain.StateChannel
	source  domain.ForegroundSource
	overlay domain.OverlayController
	logger  *zap.Logger

	mu       sync.Mutex
	decision domain.BlockDecision
	stopped  bool
}

// NewForegroundPoller creates the polling enforcement plane.
func NewForegroundPoller(
	config PollerConfig,
	channel domain.StateChannel,
	source domain.ForegroundSource,
	overlay domain.OverlayController,
	logger *zap.Logger,
) *ForegroundPoller {
	return &ForegroundPoller{
		config:  config,
		channel: channel,
		source:  source,
		overlay: overlay,
		logger:  logger,
	}
}

// Run polls until ctx is canceled. Cancellation stops the ticker
// deterministically; no timer outlives the call.
func (p *ForegroundPoller) Run(ctx context.Context) error {
	if d, ok, err := p.channel.Latest(); err != nil {
		p.logger.Warn("failed to read initial decision", zap.Error(err))
	} else if ok {
		p.ApplyDecision(d)
	}

	updates, err := p.channel.Watch(ctx)
	if err != nil {
		return err
	}

	p.logger.Info("foreground poller started",
		zap.Duration("interval", p.config.Interval))

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("foreground poller stopping")
			p.teardown()
			return ctx.Err()

		case d, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			p.ApplyDecision(d)

		case <-ticker.C:
			p.tick()
		}
	}
}

// ApplyDecision replaces the replica wholesale.
func (p *ForegroundPoller) ApplyDecision(d domain.BlockDecision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	p.decision = d
	if !d.IsBlocking {
		if err := p.overlay.Remove(); err != nil {
			p.logger.Warn("failed to remove overlay", zap.Error(err))
		}
	}
}

// Decision returns the poller's current replica.
func (p *ForegroundPoller) Decision() domain.BlockDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decision
}

// tick runs one poll cycle. Transient query failures are logged and
// swallowed; the loop never stops on them.
func (p *ForegroundPoller) tick() {
	appID, err := p.source.Frontmost(p.config.Window)
	if err != nil {
		p.logger.Warn("foreground query failed", zap.Error(err))
		return
	}
	if appID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.decision.Blocks(appID) {
		return
	}

	p.logger.Info("intercepting blocked application", zap.String("app_id", appID))
	if err := p.overlay.Show(appID); err != nil {
		p.logger.Warn("failed to show overlay", zap.Error(err))
	}
	if err := p.source.NavigateHome(); err != nil {
		p.logger.Warn("failed to navigate home", zap.Error(err))
	}
}

func (p *ForegroundPoller) teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if err := p.overlay.Remove(); err != nil {
		p.logger.Warn("failed to remove overlay on teardown", zap.Error(err))
	}
}

// Ensure ForegroundPoller implements domain.EnforcementPlane.
var _ domain.EnforcementPlane = (*ForegroundPoller)(nil)
