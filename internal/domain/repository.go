package domain

import (
	"context"
	"time"
)

// ProfileStore provides access to blocking profiles.
// Implementation: SQLCipher-encrypted SQLite database.
type ProfileStore interface {
	// List returns all profiles.
	List() ([]Profile, error)

	// Get returns a profile by ID, or ErrProfileNotFound.
	Get(id string) (*Profile, error)

	// Save inserts or replaces a profile wholesale (no partial updates).
	Save(p Profile) error

	// Delete removes a profile. Deleting the last remaining profile is
	// rejected with ErrLastProfile and no state is mutated. If the active
	// profile is deleted, another profile becomes active.
	Delete(id string) error

	// Active returns the currently active profile, or ErrNoActiveProfile.
	Active() (*Profile, error)

	// SetActive marks a profile as the single active one.
	SetActive(id string) error
}

// TagRegistry persists the tokens the user has written, independent of
// authentication logic.
type TagRegistry interface {
	// List returns all tokens ordered by CreatedAt descending.
	// Corrupt persisted data degrades to an empty list, never an error
	// that would crash the caller.
	List() ([]Token, error)

	// Add appends a token. The token is durable before Add returns, so a
	// write-confirmation can safely be surfaced to the user afterwards.
	Add(t Token) error

	// Remove deletes a token by ID, atomically. Returns ErrTokenNotFound
	// for unknown IDs.
	Remove(id string) error
}

// StateStore is a small key-value record for control-plane state
// (is_blocking, current_profile_id).
type StateStore interface {
	// GetState returns the value for key, or "" when unset.
	GetState(key string) (string, error)

	// SetState stores a value for key.
	SetState(key, value string) error
}

// StateChannel carries BlockDecision updates from the control plane to the
// enforcement plane across a process/privilege boundary.
//
// Delivery semantics: single-slot, at-most-once, last-write-wins. Publish
// replaces whatever the receiver currently holds as latest; there is no
// acknowledgment, no retry, and no ordering guarantee across restarts of
// either side. A publish occurring before any receiver exists may never be
// observed, so receivers must treat absence as "not blocking".
type StateChannel interface {
	// Publish replaces the channel's slot with decision.
	Publish(decision BlockDecision) error

	// Latest returns the current slot contents. ok is false when no
	// decision has ever been observed.
	Latest() (decision BlockDecision, ok bool, err error)

	// Watch delivers slot replacements until ctx is canceled. Slow
	// receivers may miss intermediate values; only the latest matters.
	Watch(ctx context.Context) (<-chan BlockDecision, error)
}

// Transceiver abstracts the proximity-tag hardware.
// At most one read or write is in flight at a time; starting a new
// operation cancels the previous one.
type Transceiver interface {
	// StartRead arms the reader; the next tag payload is delivered to
	// onPayload exactly once, unless superseded or canceled first.
	StartRead(ctx context.Context, onPayload func(payload string)) error

	// StartWrite attempts to write payload to the next presented tag and
	// reports the outcome to onResult. Unsupported tag technology,
	// read-only targets and capacity overflow surface as errors.
	StartWrite(ctx context.Context, payload string, onResult func(err error)) error

	// Cancel aborts any in-flight operation. Its callback never fires.
	Cancel()
}

// CapabilityChecker reports and requests the platform permissions
// enforcement depends on.
type CapabilityChecker interface {
	// IsAuthorized returns the current capability state.
	IsAuthorized() CapabilityState

	// RequestAuthorization opens platform settings so the user can grant
	// the missing capabilities. Fire-and-forget; the outcome is only
	// observable through a later IsAuthorized call.
	RequestAuthorization()
}

// ForegroundSource observes which application is currently frontmost.
type ForegroundSource interface {
	// Events delivers the application ID each time the foreground
	// application changes, until ctx is canceled.
	Events(ctx context.Context) (<-chan string, error)

	// Frontmost returns the application seen in the foreground within the
	// trailing window, or "" when none was observed.
	Frontmost(window time.Duration) (string, error)

	// NavigateHome forces navigation away from the current application to
	// a neutral context.
	NavigateHome() error
}

// OverlayController shows and removes the intercepting overlay.
type OverlayController interface {
	// Show displays the overlay naming the blocked application. Idempotent:
	// a visible overlay is updated in place, never stacked.
	Show(appID string) error

	// Remove tears down the overlay; a no-op when none is visible.
	Remove() error

	// Visible reports whether an overlay is currently shown.
	Visible() bool
}

// EnforcementPlane is a strategy that holds a BlockDecision replica and
// intercepts blocked applications. Implementations: event-driven BlockGate
// and polling ForegroundPoller, selected at composition time.
type EnforcementPlane interface {
	// Run blocks until ctx is canceled. After Run returns, stale events
	// must cause no further interception.
	Run(ctx context.Context) error
}

// KeyProvider abstracts the source of the store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
