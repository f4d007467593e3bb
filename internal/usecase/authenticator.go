// Package usecase contains application business logic.
package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
	"github.com/tagfence/tagfence/internal/token"
)

// eventBuffer bounds the outcome channel; consumers that fall behind lose
// old events rather than blocking the control plane.
const eventBuffer = 16

// Authenticator owns the scan/write workflow: it validates scanned
// payloads, decides on/off transitions from the active profile, and
// publishes the resulting BlockDecision to the state channel.
//
// Only one scan/write operation is in flight at a time. Starting a new
// operation bumps a generation counter; a hardware callback carrying a
// stale generation is silently discarded, never an error.
type Authenticator struct {
	codec        *token.Codec
	profiles     domain.ProfileStore
	tags         domain.TagRegistry
	state        domain.StateStore
	channel      domain.StateChannel
	transceiver  domain.Transceiver
	capabilities domain.CapabilityChecker
	logger       *zap.Logger

	mu         sync.Mutex
	gen        uint64
	isBlocking bool

	events chan domain.AuthEvent
}

// NewAuthenticator creates the control plane. The local blocking replica is
// recovered from the state store so a restart resumes where it left off.
func NewAuthenticator(
	codec *token.Codec,
	profiles domain.ProfileStore,
	tags domain.TagRegistry,
	state domain.StateStore,
	channel domain.StateChannel,
	transceiver domain.Transceiver,
	capabilities domain.CapabilityChecker,
	logger *zap.Logger,
) *Authenticator {
	a := &Authenticator{
		codec:        codec,
		profiles:     profiles,
		tags:         tags,
		state:        state,
		channel:      channel,
		transceiver:  transceiver,
		capabilities: capabilities,
		logger:       logger,
		events:       make(chan domain.AuthEvent, eventBuffer),
	}

	stored, err := state.GetState(domain.StateKeyIsBlocking)
	if err != nil {
		logger.Warn("failed to recover blocking state, assuming off", zap.Error(err))
	}
	a.isBlocking = stored == "true"

	return a
}

// Events delivers scan/write outcomes. The channel never blocks the
// workflow; stale events are dropped when the consumer lags.
func (a *Authenticator) Events() <-chan domain.AuthEvent {
	return a.events
}

// IsBlocking returns the control plane's local replica of the decision.
func (a *Authenticator) IsBlocking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isBlocking
}

// BeginScan arms the transceiver; the next tag read is routed to the
// toggle workflow. Any in-flight scan or write is superseded.
func (a *Authenticator) BeginScan(ctx context.Context) error {
	gen := a.nextGeneration()
	a.logger.Debug("scan armed", zap.Uint64("generation", gen))

	return a.transceiver.StartRead(ctx, func(payload string) {
		a.onTagRead(gen, payload)
	})
}

// BeginWrite generates a fresh token and attempts a hardware write. On
// success the token is recorded in the registry before a confirmation is
// emitted; on failure the registry and the blocking decision are untouched.
func (a *Authenticator) BeginWrite(ctx context.Context) error {
	gen := a.nextGeneration()
	payload := a.codec.Generate()
	a.logger.Debug("write armed", zap.Uint64("generation", gen))

	return a.transceiver.StartWrite(ctx, payload, func(err error) {
		a.onWriteResult(gen, payload, err)
	})
}

// StartBlocking turns blocking on for the given application set without a
// tag scan (the UI-driven path). A nil set falls back to the active
// profile's.
func (a *Authenticator) StartBlocking(appIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if appIDs == nil {
		profile, err := a.profiles.Active()
		if err != nil {
			return err
		}
		appIDs = profile.BlockedAppIDs
	}
	a.setBlocking(true, appIDs)
	return nil
}

// StopBlocking turns blocking off without a tag scan.
func (a *Authenticator) StopBlocking() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setBlocking(false, nil)
	return nil
}

// setBlocking publishes and persists a new decision. Caller holds a.mu.
func (a *Authenticator) setBlocking(on bool, appIDs []string) {
	decision := domain.BlockDecision{IsBlocking: on, BlockedAppIDs: []string{}}
	if on {
		decision.BlockedAppIDs = appIDs
	}

	if on && !a.capabilities.IsAuthorized().Ready() {
		a.logger.Warn("capabilities missing, enforcement will be inert")
		a.capabilities.RequestAuthorization()
	}

	if err := a.channel.Publish(decision); err != nil {
		a.logger.Warn("failed to publish decision", zap.Error(err))
	}

	a.isBlocking = on
	if err := a.state.SetState(domain.StateKeyIsBlocking, boolString(on)); err != nil {
		a.logger.Warn("failed to persist blocking state", zap.Error(err))
	}

	a.logger.Info("blocking set",
		zap.Bool("is_blocking", on),
		zap.Int("blocked_apps", len(decision.BlockedAppIDs)))
	a.emit(domain.AuthEvent{Kind: domain.EventToggled, IsBlocking: on})
}

// onTagRead handles a hardware read callback.
func (a *Authenticator) onTagRead(gen uint64, payload string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.gen {
		// Superseded operation: result silently discarded.
		a.logger.Debug("dropping stale tag read", zap.Uint64("generation", gen))
		return
	}

	if !a.codec.IsPlausible(payload) {
		a.logger.Info("rejected implausible tag payload")
		a.emit(domain.AuthEvent{Kind: domain.EventWrongTag})
		return
	}

	profile, err := a.profiles.Active()
	if err != nil {
		// No active profile: nothing to enforce, nothing published.
		a.logger.Warn("valid tag scanned but no active profile", zap.Error(err))
		return
	}

	// Degraded mode note: when capabilities are missing the toggle still
	// flips, enforcement just has no real effect until they are granted.
	a.setBlocking(!a.isBlocking, profile.BlockedAppIDs)
}

// onWriteResult handles a hardware write callback.
func (a *Authenticator) onWriteResult(gen uint64, payload string, writeErr error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.gen {
		a.logger.Debug("dropping stale write result", zap.Uint64("generation", gen))
		return
	}

	if writeErr != nil {
		a.logger.Warn("tag write failed", zap.Error(writeErr))
		a.emit(domain.AuthEvent{Kind: domain.EventWriteFailure, Err: writeErr})
		return
	}

	tok := domain.Token{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := a.tags.Add(tok); err != nil {
		// The tag holds the payload but we failed to record it; surface as
		// a failure so the user re-writes rather than trusting a token the
		// registry never saw.
		a.logger.Error("failed to record written token", zap.Error(err))
		a.emit(domain.AuthEvent{Kind: domain.EventWriteFailure, Err: err})
		return
	}

	a.logger.Info("tag written", zap.String("token_id", tok.ID))
	a.emit(domain.AuthEvent{Kind: domain.EventWriteSuccess, Payload: payload})
}

// nextGeneration supersedes any in-flight operation.
func (a *Authenticator) nextGeneration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	return a.gen
}

func (a *Authenticator) emit(e domain.AuthEvent) {
	select {
	case a.events <- e:
	default:
		// Drop the oldest so the newest outcome is always observable.
		select {
		case <-a.events:
		default:
		}
		select {
		case a.events <- e:
		default:
		}
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
