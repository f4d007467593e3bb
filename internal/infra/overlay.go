package infra

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// NotifierOverlay implements domain.OverlayController on top of the
// platform notifier. Show is idempotent: a visible overlay for the same
// application is left alone (no flicker on rapid-fire foreground events),
// and a visible overlay for a different application has its content
// replaced rather than stacking a second one.
type NotifierOverlay struct {
	mu         sync.Mutex
	visible    bool
	currentApp string
	runCmd     func(name string, args ...string) error
	logger     *zap.Logger
}

// NewNotifierOverlay creates an overlay controller using the host notifier.
func NewNotifierOverlay(logger *zap.Logger) *NotifierOverlay {
	return &NotifierOverlay{
		runCmd: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
		logger: logger,
	}
}

// Show displays (or updates) the overlay naming the blocked application.
func (o *NotifierOverlay) Show(appID string) error {
	o.mu.Lock()
	if o.visible && o.currentApp == appID {
		o.mu.Unlock()
		return nil
	}
	o.visible = true
	o.currentApp = appID
	o.mu.Unlock()

	message := fmt.Sprintf("%s is blocked. Scan your tag to unblock.", appID)
	if err := o.display(message); err != nil {
		o.logger.Warn("failed to display blocking overlay",
			zap.String("app_id", appID),
			zap.Error(err))
		return err
	}
	return nil
}

// Remove tears down the overlay; a no-op when none is visible.
func (o *NotifierOverlay) Remove() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.visible = false
	o.currentApp = ""
	return nil
}

// Visible reports whether an overlay is currently shown.
func (o *NotifierOverlay) Visible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

func (o *NotifierOverlay) display(message string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title "tagfence"`, message)
		return o.runCmd("osascript", "-e", script)
	case "linux":
		return o.runCmd("notify-send", "--urgency=critical", "tagfence", message)
	default:
		o.logger.Debug("no notifier on this platform", zap.String("message", message))
		return nil
	}
}

// Ensure NotifierOverlay implements domain.OverlayController.
var _ domain.OverlayController = (*NotifierOverlay)(nil)
