// Package infra implements infrastructure concerns (store, channel file,
// foreground observation, tag hardware).
package infra

import (
	"context"
	"os/exec"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/tagfence/tagfence/internal/domain"
)

// DefaultEventInterval is how often the event adapter samples the
// foreground application when the host provides no native change feed.
const DefaultEventInterval = 300 * time.Millisecond

// frontmostWindow is the trailing window the event adapter samples over.
const frontmostWindow = 5 * time.Second

// GopsutilForeground implements domain.ForegroundSource using gopsutil.
//
// The frontmost application is approximated by the most recently started
// process inside the trailing window; hosts exposing a native
// foreground-change feed can provide their own ForegroundSource instead.
type GopsutilForeground struct {
	eventInterval time.Duration
	logger        *zap.Logger
}

// NewForegroundSource creates a gopsutil-backed foreground source.
func NewForegroundSource(logger *zap.Logger) *GopsutilForeground {
	return &GopsutilForeground{
		eventInterval: DefaultEventInterval,
		logger:        logger,
	}
}

// Frontmost returns the application seen in the foreground within the
// trailing window, or "" when none was observed.
func (f *GopsutilForeground) Frontmost(window time.Duration) (string, error) {
	procs, err := process.Processes()
	if err != nil {
		return "", err
	}

	cutoff := time.Now().Add(-window).UnixMilli()
	var (
		best     string
		bestTime int64
	)
	for _, p := range procs {
		created, err := p.CreateTime()
		if err != nil || created < cutoff || created < bestTime {
			continue // Process exited or outside the window.
		}
		name, err := p.Name()
		if err != nil {
			continue
		}
		best = name
		bestTime = created
	}
	return best, nil
}

// Events samples the frontmost application and emits its ID on change.
// The channel closes when ctx is canceled.
func (f *GopsutilForeground) Events(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(f.eventInterval)
		defer ticker.Stop()

		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app, err := f.Frontmost(frontmostWindow)
				if err != nil {
					f.logger.Warn("foreground query failed", zap.Error(err))
					continue
				}
				if app == "" || app == last {
					continue
				}
				last = app
				select {
				case out <- app:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// NavigateHome forces navigation away from the current application to a
// neutral context. Best effort per platform.
func (f *GopsutilForeground) NavigateHome() error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", "-a", "Finder").Run()
	case "linux":
		if _, err := exec.LookPath("wmctrl"); err == nil {
			return exec.Command("wmctrl", "-k", "on").Run()
		}
		f.logger.Debug("no window manager control available, skipping home navigation")
		return nil
	default:
		return nil
	}
}

// Ensure GopsutilForeground implements domain.ForegroundSource.
var _ domain.ForegroundSource = (*GopsutilForeground)(nil)
