// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"time"
)

// ProfileIcon identifies the icon shown for a profile.
// Resolved at compile time so unknown identifiers cannot occur at runtime.
type ProfileIcon string

const (
	IconFocus  ProfileIcon = "focus"
	IconWork   ProfileIcon = "work"
	IconSleep  ProfileIcon = "sleep"
	IconCustom ProfileIcon = "custom"
)

// Profile is a named, user-editable set of application identifiers to block.
// Exactly one profile is active at a time; mutations are whole-object
// replacements.
type Profile struct {
	ID            string
	Name          string
	BlockedAppIDs []string
	Icon          ProfileIcon
}

// Blocks reports whether appID belongs to the profile's target set.
func (p Profile) Blocks(appID string) bool {
	for _, id := range p.BlockedAppIDs {
		if id == appID {
			return true
		}
	}
	return false
}

// Token records a payload the user has written to a physical tag.
// Tokens are a record of issuance, not an allow-list consulted during
// validation (see token.Codec.IsPlausible).
type Token struct {
	ID        string
	Payload   string
	CreatedAt time.Time
}

// BlockDecision is the replicated on/off + target-set value enforcement
// acts on. The control plane and enforcement plane each hold a replica,
// reconciled only through best-effort StateChannel messages; momentary
// divergence is expected and tolerated.
//
// When IsBlocking is false, BlockedAppIDs is irrelevant and enforcement
// treats it as empty.
type BlockDecision struct {
	IsBlocking    bool     `json:"is_blocking"`
	BlockedAppIDs []string `json:"blocked_app_ids"`
}

// Blocks reports whether enforcement should intercept appID.
func (d BlockDecision) Blocks(appID string) bool {
	if !d.IsBlocking {
		return false
	}
	for _, id := range d.BlockedAppIDs {
		if id == appID {
			return true
		}
	}
	return false
}

// CapabilityState holds the platform permissions that gate whether a
// blocking toggle has any real enforcement effect.
type CapabilityState struct {
	HasMonitoringAccess bool
	HasOverlayAccess    bool
}

// Ready reports whether enforcement can actually observe and intercept.
func (c CapabilityState) Ready() bool {
	return c.HasMonitoringAccess && c.HasOverlayAccess
}

// AuthEventKind classifies control-plane workflow outcomes.
type AuthEventKind string

const (
	EventToggled      AuthEventKind = "toggled"
	EventWrongTag     AuthEventKind = "wrong-tag"
	EventWriteSuccess AuthEventKind = "write-success"
	EventWriteFailure AuthEventKind = "write-failure"
)

// AuthEvent is emitted by the Authenticator after a scan or write
// operation completes.
type AuthEvent struct {
	Kind       AuthEventKind
	IsBlocking bool   // meaningful for EventToggled
	Payload    string // meaningful for EventWriteSuccess
	Err        error  // meaningful for EventWriteFailure
}

// Keys of the persisted control-plane key-value record.
const (
	StateKeyIsBlocking     = "is_blocking"
	StateKeyCurrentProfile = "current_profile_id"
)

// Sentinel errors shared across layers.
var (
	// ErrLastProfile is returned when deleting the only remaining profile.
	ErrLastProfile = errors.New("cannot delete the last remaining profile")

	// ErrNoActiveProfile is returned when a toggle is attempted with no
	// active profile configured.
	ErrNoActiveProfile = errors.New("no active profile")

	// ErrProfileNotFound is returned for lookups of unknown profile IDs.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrTokenNotFound is returned for removals of unknown token IDs.
	ErrTokenNotFound = errors.New("token not found")
)
