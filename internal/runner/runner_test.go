package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/keywords"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/morph"
	pubmemory "github.com/JakeFAU/sitewatch/internal/publisher/memory"
	"github.com/JakeFAU/sitewatch/internal/storage"
	"github.com/JakeFAU/sitewatch/internal/storage/memory"
)

const resourceID = "00000000-0000-0000-0000-000000000001"

type fakeRegistry struct {
	mu        sync.Mutex
	resources map[string]monitor.Resource
	emitted   []monitor.Event
	emitErr   error
}

func newFakeRegistry(resources ...monitor.Resource) *fakeRegistry {
	reg := &fakeRegistry{resources: map[string]monitor.Resource{}}
	for _, r := range resources {
		reg.resources[r.ID] = r
	}
	return reg
}

func (f *fakeRegistry) ListEnabledResources(context.Context) ([]monitor.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []monitor.Resource
	for _, r := range f.resources {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRegistry) LoadResource(_ context.Context, id string) (monitor.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[id]
	if !ok {
		return monitor.Resource{}, monitor.ErrResourceNotFound
	}
	return r, nil
}

func (f *fakeRegistry) EmitEvents(_ context.Context, events []monitor.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, events...)
	return nil
}

func (f *fakeRegistry) events() []monitor.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]monitor.Event(nil), f.emitted...)
}

type fakeFetcher struct {
	mu   sync.Mutex
	body string
	err  error
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.err = body, err
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (monitor.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return monitor.Page{}, &monitor.FetchError{URL: url, Err: f.err}
	}
	return monitor.Page{URL: url, StatusCode: 200, Charset: "utf-8", Body: []byte(f.body)}, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	png   []byte
	err   error
	block chan struct{}
	calls int
}

func (f *fakeRenderer) set(png []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.png, f.err = png, err
}

func (f *fakeRenderer) Screenshot(ctx context.Context, url string) (monitor.Screenshot, error) {
	f.mu.Lock()
	f.calls++
	block, png, err := f.block, f.png, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return monitor.Screenshot{}, &monitor.RenderError{URL: url, Step: "settle", Err: ctx.Err()}
		}
	}
	if err != nil {
		return monitor.Screenshot{}, &monitor.RenderError{URL: url, Step: "navigate", Err: err}
	}
	return monitor.Screenshot{URL: url, PNG: png}, nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("evt-%d", s.n), nil
}

type harness struct {
	registry  *fakeRegistry
	store     *memory.BlobStore
	fetcher   *fakeFetcher
	renderer  *fakeRenderer
	publisher *pubmemory.Publisher
	runner    *Runner
}

func newHarness(t *testing.T, cfg Config, resources ...monitor.Resource) *harness {
	t.Helper()
	h := &harness{
		registry:  newFakeRegistry(resources...),
		store:     memory.NewBlobStore(),
		fetcher:   &fakeFetcher{},
		renderer:  &fakeRenderer{},
		publisher: pubmemory.New(),
	}
	h.runner = newRunner(t, cfg, h.registry, h.store, h.fetcher, h.renderer, h.publisher)
	return h
}

func newRunner(
	t *testing.T,
	cfg Config,
	registry monitor.Registry,
	store monitor.BlobStore,
	fetcher monitor.Fetcher,
	renderer monitor.Renderer,
	publisher monitor.Publisher,
) *Runner {
	t.Helper()
	analyzer, err := morph.New(morph.LanguageMulti)
	require.NoError(t, err)
	engine, err := keywords.NewEngine(analyzer)
	require.NoError(t, err)

	r, err := New(Deps{
		Registry:  registry,
		Store:     store,
		Fetcher:   fetcher,
		Renderer:  renderer,
		Keywords:  engine,
		Publisher: publisher,
		Clock:     &stepClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
	}, cfg)
	require.NoError(t, err)
	return r
}

func keywordResource(kw ...string) monitor.Resource {
	return monitor.Resource{
		ID:       resourceID,
		URL:      "https://example.com/news",
		Keywords: kw,
		Interval: "* * * * *",
		Enabled:  true,
	}
}

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (h *harness) keys(t *testing.T, bucket string) []string {
	t.Helper()
	keys, err := h.store.List(context.Background(), bucket)
	require.NoError(t, err)
	return keys
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)

	h := newHarness(t, Config{})
	_, err = New(h.runner.deps, Config{SnapshotRef: "latest"})
	require.Error(t, err)
	assert.Equal(t, SnapshotRefCurrent, h.runner.cfg.SnapshotRef)
}

func TestKeywordAppearance(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		ref      string
		snapshot string
	}{
		{SnapshotRefCurrent, resourceID + "_2"},
		{SnapshotRefPrevious, resourceID + "_1"},
	} {
		t.Run(tc.ref, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			h := newHarness(t, Config{SnapshotRef: tc.ref}, keywordResource("новость"))

			h.fetcher.set("<html><body>Главная страница</body></html>", nil)
			first, err := h.runner.Check(ctx, resourceID)
			require.NoError(t, err)
			assert.Equal(t, 1, first.Ordinal)
			assert.Equal(t, []string{resourceID + "_1.html"}, first.Keys)
			assert.Empty(t, first.Events)

			h.fetcher.set("<html><body>Главная страница. Свежая новость!</body></html>", nil)
			second, err := h.runner.Check(ctx, resourceID)
			require.NoError(t, err)
			assert.Equal(t, 2, second.Ordinal)
			require.Len(t, second.Events, 1)

			ev := second.Events[0]
			assert.Equal(t, "keyword новость detected", ev.Name)
			assert.Equal(t, tc.snapshot, ev.SnapshotID)
			assert.Equal(t, resourceID, ev.ResourceID)
			assert.Equal(t, monitor.EventStatusCreated, ev.Status)
			assert.Equal(t, second.Events, h.registry.events())
			assert.Equal(t, []string{resourceID + "_1.html", resourceID + "_2.html"}, h.keys(t, monitor.BucketHTMLs))
			assert.Empty(t, h.keys(t, monitor.BucketImages))
		})
	}
}

func TestKeywordLemmatisationCancelsOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, keywordResource("новость"))

	h.fetcher.set("<p>Последние новости</p>", nil)
	_, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)

	h.fetcher.set("<p>Делимся новостью</p>", nil)
	result, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.Empty(t, h.registry.events())
}

func TestFirstCaptureBaselineThenImageChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	res := keywordResource("fire")
	res.Zone = &monitor.Zone{Width: 10, Height: 10, Sensitivity: 100}
	h := newHarness(t, Config{EventTopic: "events"}, res)

	h.fetcher.set("<p>Fire at the docks</p>", nil)
	h.renderer.set(solidPNG(t, color.White), nil)

	first, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, []string{resourceID + "_1.html", resourceID + "_1.png"}, first.Keys)
	require.Len(t, first.Events, 1)
	assert.Equal(t, "keyword fire detected", first.Events[0].Name)

	h.renderer.set(solidPNG(t, color.Black), nil)
	second, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.Equal(t, ImageChangedEvent, second.Events[0].Name)
	assert.Equal(t, resourceID+"_2", second.SnapshotID)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "events", msgs[1].Topic)
	assert.Equal(t, second.Events[0], msgs[1].Payload)
}

func TestUnchangedTargetIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	res := keywordResource("fire")
	res.Zone = &monitor.Zone{Width: 10, Height: 10, Sensitivity: 100}
	h := newHarness(t, Config{}, res)
	h.fetcher.set("<p>fire</p>", nil)
	h.renderer.set(solidPNG(t, color.White), nil)

	first, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	second, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.Empty(t, second.Events)
	assert.Len(t, h.registry.events(), 1)

	require.Len(t, second.Digests, 2)
	assert.Equal(t, first.Digests[resourceID+"_1.html"], second.Digests[resourceID+"_2.html"])
	assert.Equal(t, first.Digests[resourceID+"_1.png"], second.Digests[resourceID+"_2.png"])
}

func TestSkippedChecks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	disabled := keywordResource("fire")
	disabled.Enabled = false
	notYet := keywordResource("fire")
	notYet.StartsFrom = &future
	empty := keywordResource()

	for name, tc := range map[string]struct {
		res    *monitor.Resource
		reason string
	}{
		"disabled":  {&disabled, SkipInactive},
		"not yet":   {&notYet, SkipInactive},
		"no-op":     {&empty, SkipNothing},
		"not found": {nil, SkipNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var h *harness
			if tc.res != nil {
				h = newHarness(t, Config{}, *tc.res)
			} else {
				h = newHarness(t, Config{})
			}
			h.fetcher.set("<p>fire</p>", nil)

			result, err := h.runner.Check(ctx, resourceID)
			require.NoError(t, err)
			assert.True(t, result.Skipped)
			assert.Equal(t, tc.reason, result.SkipReason)
			assert.Empty(t, h.keys(t, monitor.BucketHTMLs))
			assert.Empty(t, h.keys(t, monitor.BucketImages))
			assert.Empty(t, h.registry.events())
		})
	}
}

func TestCaptureFailureEmitsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, keywordResource("fire"))
	h.fetcher.set("", errors.New("dns failure"))

	result, err := h.runner.Check(ctx, resourceID)
	require.ErrorIs(t, err, ErrCapture)
	assert.True(t, monitor.IsCaptureError(err))
	assert.Empty(t, result.Events)
	assert.Empty(t, h.keys(t, monitor.BucketHTMLs))

	// The next successful run starts from ordinal 1.
	h.fetcher.set("<p>fire</p>", nil)
	result, err = h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Ordinal)
}

func TestRenderFailureKeepsHTMLButEmitsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	res := keywordResource("fire")
	res.Zone = &monitor.Zone{Width: 10, Height: 10, Sensitivity: 100}
	h := newHarness(t, Config{}, res)
	h.fetcher.set("<p>fire</p>", nil)
	h.renderer.set(nil, errors.New("navigation timeout"))

	result, err := h.runner.Check(ctx, resourceID)
	require.Error(t, err)
	assert.True(t, monitor.IsCaptureError(err))
	assert.Empty(t, result.Events)
	assert.Empty(t, h.keys(t, monitor.BucketImages))
	assert.Empty(t, h.registry.events())
}

func TestPutFailureEmitsNothing(t *testing.T) {
	t.Parallel()

	store := new(storage.MockBlobStore)
	store.On("List", mock.Anything, mock.Anything).Return([]string{}, nil)
	store.On("Put", mock.Anything, monitor.BucketHTMLs, resourceID+"_1.html", "text/html", mock.Anything).
		Return(errors.New("bucket is read-only"))

	registry := newFakeRegistry(keywordResource("fire"))
	fetcher := &fakeFetcher{body: "<p>fire</p>"}
	r := newRunner(t, Config{}, registry, store, fetcher, &fakeRenderer{}, nil)

	result, err := r.Check(context.Background(), resourceID)
	require.ErrorContains(t, err, "read-only")
	assert.False(t, errors.Is(err, ErrCapture))
	assert.Empty(t, result.Keys)
	assert.Empty(t, registry.events())
	store.AssertExpectations(t)
}

func TestEmitFailureKeepsBlobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, keywordResource("fire"))
	h.registry.emitErr = errors.New("db down")
	h.fetcher.set("<p>fire</p>", nil)

	_, err := h.runner.Check(ctx, resourceID)
	require.ErrorContains(t, err, "db down")
	assert.Equal(t, []string{resourceID + "_1.html"}, h.keys(t, monitor.BucketHTMLs))
	assert.Empty(t, h.publisher.Messages())

	// The orphaned snapshot becomes the previous one.
	h.registry.emitErr = nil
	result, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Ordinal)
	assert.Empty(t, result.Events)
}

func TestOrdinalGapTreatedAsNoPrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Config{}, keywordResource("fire"))
	require.NoError(t, h.store.Put(ctx, monitor.BucketImages, resourceID+"_3.png", "image/png", []byte("x")))
	h.fetcher.set("<p>fire</p>", nil)

	result, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Ordinal)
	require.Len(t, result.Events, 1)
}

func TestConcurrentCheckIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	res := keywordResource()
	res.Zone = &monitor.Zone{Width: 10, Height: 10, Sensitivity: 100}
	h := newHarness(t, Config{}, res)
	h.renderer.set(solidPNG(t, color.White), nil)
	h.renderer.block = make(chan struct{})

	done := make(chan Result, 1)
	go func() {
		result, err := h.runner.Check(ctx, resourceID)
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		h.renderer.mu.Lock()
		defer h.renderer.mu.Unlock()
		return h.renderer.calls == 1
	}, time.Second, 5*time.Millisecond)

	second, err := h.runner.Check(ctx, resourceID)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, SkipInProgress, second.SkipReason)

	close(h.renderer.block)
	first := <-done
	assert.Equal(t, 1, first.Ordinal)
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{EventTopic: "events"}, keywordResource("fire"))
	h.publisher.FailWith(errors.New("broker down"))
	h.fetcher.set("<p>fire</p>", nil)

	result, err := h.runner.Check(context.Background(), resourceID)
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Len(t, h.registry.events(), 1)
}

func TestUnreadablePreviousIsTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	store := new(storage.MockBlobStore)
	store.On("List", mock.Anything, monitor.BucketHTMLs).Return([]string{resourceID + "_1.html"}, nil)
	store.On("List", mock.Anything, monitor.BucketImages).Return([]string{}, nil)
	store.On("Get", mock.Anything, monitor.BucketHTMLs, resourceID+"_1.html").
		Return(nil, errors.New("connection reset"))
	store.On("Put", mock.Anything, monitor.BucketHTMLs, resourceID+"_2.html", "text/html", mock.Anything).
		Return(nil)

	registry := newFakeRegistry(keywordResource("fire"))
	fetcher := &fakeFetcher{body: "<p>fire</p>"}
	r := newRunner(t, Config{}, registry, store, fetcher, &fakeRenderer{}, nil)

	result, err := r.Check(context.Background(), resourceID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Ordinal)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "keyword fire detected", result.Events[0].Name)
	store.AssertExpectations(t)
}

func TestRunTimeoutAbortsCapture(t *testing.T) {
	t.Parallel()

	res := keywordResource()
	res.Zone = &monitor.Zone{Width: 10, Height: 10, Sensitivity: 100}
	h := newHarness(t, Config{Timeout: 50 * time.Millisecond}, res)
	h.renderer.block = make(chan struct{})

	result, err := h.runner.Check(context.Background(), resourceID)
	require.ErrorIs(t, err, ErrCapture)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, result.Events)
	assert.Empty(t, h.keys(t, monitor.BucketImages))
}
