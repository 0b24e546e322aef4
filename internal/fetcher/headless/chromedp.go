// Package headless captures full-page screenshots with a headless browser.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/ratelimit"
)

const (
	defaultTimeout        = 60 * time.Second
	defaultSettleDelay    = 5 * time.Second
	defaultViewportWidth  = 1920
	defaultViewportHeight = 1080
	defaultMaxHeight      = 16384
)

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel    int
	UserAgent      string
	Timeout        time.Duration
	SettleDelay    time.Duration
	ViewportWidth  int64
	ViewportHeight int64
	MaxHeight      int64
	// DomainQPS limits captures per host; zero disables limiting.
	DomainQPS float64
	NoSandbox bool
	ExecPath  string
}

type captureFunc func(ctx context.Context, target string) (monitor.Screenshot, error)

// Renderer implements monitor.Renderer using chromedp. Every capture starts a
// fresh browser process which is killed when the capture returns.
type Renderer struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}

	hosts    *ratelimit.Limiter
	captureF captureFunc
}

// NewChromedp creates a renderer backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.DomainQPS < 0 {
		return nil, fmt.Errorf("domain qps must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultViewportWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultViewportHeight
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = defaultMaxHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	r := &Renderer{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		hosts:   ratelimit.New(ratelimit.Config{RPS: cfg.DomainQPS, Burst: 1}),
	}
	r.captureF = r.capture
	return r, nil
}

// Screenshot navigates to target, waits for the page to settle and returns a
// PNG of the whole document.
func (r *Renderer) Screenshot(ctx context.Context, target string) (shot monitor.Screenshot, err error) {
	if err := r.acquire(ctx); err != nil {
		return monitor.Screenshot{}, &monitor.RenderError{URL: target, Step: "acquire", Err: err}
	}
	defer r.release()

	if err := r.hosts.Wait(ctx, target); err != nil {
		return monitor.Screenshot{}, &monitor.RenderError{URL: target, Step: "rate-limit", Err: err}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("headless capture panicked", zap.String("url", target), zap.Any("panic", rec))
			shot = monitor.Screenshot{}
			err = &monitor.RenderError{URL: target, Step: "panic", Err: fmt.Errorf("%v", rec)}
		}
	}()
	return r.captureF(ctx, target)
}

func (r *Renderer) capture(ctx context.Context, target string) (monitor.Screenshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		step string
		dims pageDims
		png  []byte
	)
	start := time.Now()
	actions := []chromedp.Action{
		stepAction("setup", &step, r.setupAction()),
		stepAction("navigate", &step, chromedp.Navigate(target)),
		stepAction("settle", &step, chromedp.Sleep(r.cfg.SettleDelay)),
		stepAction("measure", &step, chromedp.Evaluate(measureScript, &dims)),
		stepAction("resize", &step, chromedp.ActionFunc(func(ctx context.Context) error {
			dims = r.clamp(dims)
			return emulation.SetDeviceMetricsOverride(dims.Width, dims.Height, 1, false).Do(ctx)
		})),
		stepAction("capture", &step, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			png, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithCaptureBeyondViewport(true).
				Do(ctx)
			return err
		})),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return monitor.Screenshot{}, &monitor.RenderError{URL: target, Step: step, Err: err}
	}

	status, finalURL := meta.snapshot()
	if status >= 400 {
		return monitor.Screenshot{}, &monitor.RenderError{
			URL:  target,
			Step: "navigate",
			Err:  fmt.Errorf("document status %d", status),
		}
	}
	if finalURL == "" {
		finalURL = target
	}
	if len(png) == 0 {
		return monitor.Screenshot{}, &monitor.RenderError{URL: target, Step: "capture", Err: errors.New("empty screenshot")}
	}
	return monitor.Screenshot{
		URL:      finalURL,
		Width:    dims.Width,
		Height:   dims.Height,
		PNG:      png,
		Duration: time.Since(start),
	}, nil
}

const measureScript = `({
	width: Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0),
	height: Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0)
})`

type pageDims struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

func (r *Renderer) clamp(d pageDims) pageDims {
	if d.Width <= 0 {
		d.Width = r.cfg.ViewportWidth
	}
	if d.Height <= 0 {
		d.Height = r.cfg.ViewportHeight
	}
	if d.Height > r.cfg.MaxHeight {
		d.Height = r.cfg.MaxHeight
	}
	return d
}

func (r *Renderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(int(r.cfg.ViewportWidth), int(r.cfg.ViewportHeight)),
	)
	if r.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}
	return opts
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func stepAction(name string, step *string, action chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		*step = name
		return action.Do(ctx)
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response belongs to the top-level navigation.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}
