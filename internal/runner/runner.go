// Package runner performs a single check of one resource: capture, persist,
// diff against the previous snapshot and record events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitewatch/internal/hash/sha256"
	"github.com/JakeFAU/sitewatch/internal/imagediff"
	"github.com/JakeFAU/sitewatch/internal/keywords"
	"github.com/JakeFAU/sitewatch/internal/metrics"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/snapshot"
)

// Snapshot references written into events.
const (
	SnapshotRefCurrent  = "current"
	SnapshotRefPrevious = "previous"
)

// ImageChangedEvent is the event name emitted when the zone changes.
const ImageChangedEvent = "image changed"

// Skip reasons reported in Result.SkipReason.
const (
	SkipInProgress = "in progress"
	SkipNotFound   = "not found"
	SkipInactive   = "inactive"
	SkipNothing    = "nothing to capture"
)

// ErrCapture marks runs aborted by a failed fetch or render.
var ErrCapture = errors.New("capture failed")

// Config controls runner behavior.
type Config struct {
	// SnapshotRef selects which ordinal events reference: the snapshot written
	// by this run ("current") or the one before it ("previous").
	SnapshotRef string
	// EventTopic is the publisher topic; empty disables publishing.
	EventTopic string
	// Timeout bounds a whole check. Zero means no deadline beyond ctx.
	Timeout time.Duration
}

// Deps are the collaborators a Runner needs. Publisher is optional.
type Deps struct {
	Registry  monitor.Registry
	Store     monitor.BlobStore
	Fetcher   monitor.Fetcher
	Renderer  monitor.Renderer
	Keywords  *keywords.Engine
	Publisher monitor.Publisher
	Clock     monitor.Clock
	IDs       monitor.IDGenerator
	Logger    *zap.Logger
}

// Result summarizes a check.
type Result struct {
	ResourceID string            `json:"resource_id"`
	Skipped    bool              `json:"skipped"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Ordinal    int               `json:"ordinal,omitempty"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
	Digests    map[string]string `json:"digests,omitempty"`
	Events     []monitor.Event   `json:"events"`
	Duration   time.Duration     `json:"duration"`
}

// Runner executes checks. It is safe for concurrent use; checks of the same
// resource never overlap.
type Runner struct {
	deps     Deps
	cfg      Config
	resolver *snapshot.Resolver
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New validates deps and returns a Runner.
func New(deps Deps, cfg Config) (*Runner, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("blob store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Renderer == nil:
		return nil, fmt.Errorf("renderer is required")
	case deps.Keywords == nil:
		return nil, fmt.Errorf("keyword engine is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	switch cfg.SnapshotRef {
	case "":
		cfg.SnapshotRef = SnapshotRefCurrent
	case SnapshotRefCurrent, SnapshotRefPrevious:
	default:
		return nil, fmt.Errorf("invalid snapshot ref %q", cfg.SnapshotRef)
	}
	resolver, err := snapshot.NewResolver(deps.Store)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:     deps,
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}, nil
}

// Check runs one resource. Skipped checks return a Result with Skipped set and
// a nil error.
func (r *Runner) Check(ctx context.Context, resourceID string) (Result, error) {
	start := r.deps.Clock.Now()
	result := Result{ResourceID: resourceID, Events: []monitor.Event{}}

	if !r.acquire(resourceID) {
		metrics.ObserveRun(metrics.RunStatusSkipped)
		return skip(result, SkipInProgress), nil
	}
	defer r.release(resourceID)

	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	result, status, err := r.check(ctx, result)
	result.Duration = r.deps.Clock.Now().Sub(start)
	metrics.ObserveRun(status)

	logger := r.logger.With(zap.String("resource_id", resourceID))
	switch {
	case err != nil:
		logger.Warn("check failed", zap.String("status", status), zap.Error(err))
	case result.Skipped:
		logger.Debug("check skipped", zap.String("reason", result.SkipReason))
	default:
		logger.Info("check complete",
			zap.Int("ordinal", result.Ordinal),
			zap.String("snapshot_id", result.SnapshotID),
			zap.Int("events", len(result.Events)),
			zap.Any("digests", result.Digests),
			zap.Duration("duration", result.Duration),
		)
	}
	return result, err
}

func (r *Runner) check(ctx context.Context, result Result) (Result, string, error) {
	res, err := r.deps.Registry.LoadResource(ctx, result.ResourceID)
	if errors.Is(err, monitor.ErrResourceNotFound) {
		return skip(result, SkipNotFound), metrics.RunStatusSkipped, nil
	}
	if err != nil {
		return result, metrics.RunStatusError, fmt.Errorf("load resource: %w", err)
	}
	if !res.Active(r.deps.Clock.Now()) {
		return skip(result, SkipInactive), metrics.RunStatusSkipped, nil
	}
	needHTML, needPNG := res.HasKeywords(), res.HasZone()
	if !needHTML && !needPNG {
		return skip(result, SkipNothing), metrics.RunStatusNoop, nil
	}

	previous, err := r.resolver.Current(ctx, res.ID)
	if err != nil {
		return result, metrics.RunStatusStoreError, fmt.Errorf("resolve ordinal: %w", err)
	}
	prev, err := r.loadPrevious(ctx, res.ID, previous, needHTML, needPNG)
	if err != nil {
		return result, metrics.RunStatusStoreError, err
	}

	ordinal := previous + 1
	cur, keys, err := r.capture(ctx, res, ordinal, needHTML, needPNG)
	result.Keys = keys
	result.Digests = cur.digests(res.ID, ordinal)
	if err != nil {
		if errors.Is(err, ErrCapture) {
			return result, metrics.RunStatusCaptureError, err
		}
		return result, metrics.RunStatusStoreError, err
	}
	result.Ordinal = ordinal

	names, err := r.diff(res, cur, prev)
	if err != nil {
		return result, metrics.RunStatusError, err
	}

	ref := ordinal
	if r.cfg.SnapshotRef == SnapshotRefPrevious {
		ref = previous
	}
	result.SnapshotID = snapshot.ID(res.ID, ref)

	events, err := r.buildEvents(res.ID, result.SnapshotID, names)
	if err != nil {
		return result, metrics.RunStatusError, err
	}
	if len(events) > 0 {
		if err := r.deps.Registry.EmitEvents(ctx, events); err != nil {
			return result, metrics.RunStatusEventError, fmt.Errorf("emit events: %w", err)
		}
		r.observeEvents(events)
		r.publish(ctx, events)
	}
	result.Events = events
	return result, metrics.RunStatusOK, nil
}

type captured struct {
	html []byte
	png  []byte
}

// digests maps each captured blob key to its SHA-256.
func (c captured) digests(id string, ordinal int) map[string]string {
	if c.html == nil && c.png == nil {
		return nil
	}
	out := make(map[string]string, 2)
	if c.html != nil {
		out[snapshot.Key(id, ordinal, snapshot.ExtHTML)] = sha256.Hex(c.html)
	}
	if c.png != nil {
		out[snapshot.Key(id, ordinal, snapshot.ExtPNG)] = sha256.Hex(c.png)
	}
	return out
}

func (r *Runner) loadPrevious(ctx context.Context, id string, ordinal int, needHTML, needPNG bool) (captured, error) {
	var prev captured
	if ordinal == 0 {
		return prev, nil
	}
	var err error
	if needHTML {
		if prev.html, err = r.getOptional(ctx, monitor.BucketHTMLs, snapshot.Key(id, ordinal, snapshot.ExtHTML)); err != nil {
			return prev, err
		}
	}
	if needPNG {
		if prev.png, err = r.getOptional(ctx, monitor.BucketImages, snapshot.Key(id, ordinal, snapshot.ExtPNG)); err != nil {
			return prev, err
		}
	}
	return prev, nil
}

// getOptional returns nil when the blob cannot be read. Ordinals may have
// gaps, and an unreadable previous blob is treated as absent.
func (r *Runner) getOptional(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := r.deps.Store.Get(ctx, bucket, key)
	switch {
	case err == nil:
		return data, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("read previous %s/%s: %w", bucket, key, ctx.Err())
	case !errors.Is(err, monitor.ErrBlobNotFound):
		r.logger.Warn("previous blob unreadable, treating as absent",
			zap.String("bucket", bucket),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil, nil
}

// capture fetches and renders concurrently. Each blob is written only after
// its own capture succeeds.
func (r *Runner) capture(
	ctx context.Context,
	res monitor.Resource,
	ordinal int,
	needHTML, needPNG bool,
) (captured, []string, error) {
	var (
		cur  captured
		mu   sync.Mutex
		keys []string
	)
	written := func(key string) {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if needHTML {
		g.Go(func() error {
			page, err := r.deps.Fetcher.Fetch(gctx, res.URL)
			metrics.ObserveCapture(res.URL, snapshot.ExtHTML, err == nil, page.Duration)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCapture, err)
			}
			body, err := keywords.ToUTF8(page.Body, page.Charset)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCapture, err)
			}
			key := snapshot.Key(res.ID, ordinal, snapshot.ExtHTML)
			if err := r.deps.Store.Put(gctx, monitor.BucketHTMLs, key, snapshot.ContentTypeHTML, body); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
			written(key)
			cur.html = body
			return nil
		})
	}
	if needPNG {
		g.Go(func() error {
			shot, err := r.deps.Renderer.Screenshot(gctx, res.URL)
			metrics.ObserveCapture(res.URL, snapshot.ExtPNG, err == nil, shot.Duration)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCapture, err)
			}
			key := snapshot.Key(res.ID, ordinal, snapshot.ExtPNG)
			if err := r.deps.Store.Put(gctx, monitor.BucketImages, key, snapshot.ContentTypePNG, shot.PNG); err != nil {
				return fmt.Errorf("put %s: %w", key, err)
			}
			written(key)
			cur.png = shot.PNG
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(keys)
	return cur, keys, err
}

// diff returns the event names produced by comparing cur against prev.
func (r *Runner) diff(res monitor.Resource, cur, prev captured) ([]eventName, error) {
	var names []eventName
	if cur.html != nil {
		current, err := r.deps.Keywords.Parse(cur.html, "utf-8")
		if err != nil {
			return nil, fmt.Errorf("parse current html: %w", err)
		}
		var previous *keywords.Document
		if prev.html != nil {
			if previous, err = r.deps.Keywords.Parse(prev.html, "utf-8"); err != nil {
				return nil, fmt.Errorf("parse previous html: %w", err)
			}
		}
		for _, m := range r.deps.Keywords.KeywordEvents(current, previous, res.Keywords) {
			names = append(names, eventName{kind: "keyword", name: m.EventName()})
		}
	}
	if cur.png != nil && res.Zone != nil {
		changed, err := imagediff.ZoneChanged(cur.png, prev.png, *res.Zone)
		if err != nil {
			return nil, fmt.Errorf("compare zone: %w", err)
		}
		if changed {
			names = append(names, eventName{kind: "image", name: ImageChangedEvent})
		}
	}
	return names, nil
}

type eventName struct {
	kind string
	name string
}

func (r *Runner) buildEvents(resourceID, snapshotID string, names []eventName) ([]monitor.Event, error) {
	now := r.deps.Clock.Now().UTC()
	events := make([]monitor.Event, 0, len(names))
	for _, n := range names {
		id, err := r.deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate event id: %w", err)
		}
		events = append(events, monitor.Event{
			ID:         id,
			ResourceID: resourceID,
			SnapshotID: snapshotID,
			Name:       n.name,
			CreatedAt:  now,
			Status:     monitor.EventStatusCreated,
		})
	}
	return events, nil
}

func (r *Runner) observeEvents(events []monitor.Event) {
	image := 0
	for _, ev := range events {
		if ev.Name == ImageChangedEvent {
			image++
		}
	}
	metrics.ObserveEvents("image", image)
	metrics.ObserveEvents("keyword", len(events)-image)
}

func (r *Runner) publish(ctx context.Context, events []monitor.Event) {
	if r.deps.Publisher == nil || r.cfg.EventTopic == "" {
		return
	}
	for _, ev := range events {
		if _, err := r.deps.Publisher.Publish(ctx, r.cfg.EventTopic, ev); err != nil {
			r.logger.Warn("publish event failed",
				zap.String("event_id", ev.ID),
				zap.String("resource_id", ev.ResourceID),
				zap.Error(err),
			)
		}
	}
}

func (r *Runner) acquire(resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[resourceID]; busy {
		return false
	}
	r.inFlight[resourceID] = struct{}{}
	return true
}

func (r *Runner) release(resourceID string) {
	r.mu.Lock()
	delete(r.inFlight, resourceID)
	r.mu.Unlock()
}

func skip(result Result, reason string) Result {
	result.Skipped = true
	result.SkipReason = reason
	return result
}
