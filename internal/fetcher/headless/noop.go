package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Noop implements monitor.Renderer but always fails, for deployments that
// only monitor keywords.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Screenshot returns a RenderError since no browser is configured.
func (Noop) Screenshot(_ context.Context, target string) (monitor.Screenshot, error) {
	return monitor.Screenshot{}, &monitor.RenderError{
		URL:  target,
		Step: "setup",
		Err:  errors.New("headless renderer not configured"),
	}
}
