package playback

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedframe/embedhost/lib/bridge"
	"github.com/feedframe/embedhost/lib/content"
	"github.com/feedframe/embedhost/lib/dom"
	"github.com/feedframe/embedhost/lib/embedpool"
	"github.com/feedframe/embedhost/lib/viewport"
)

// fakeSender records the func/method names of every dispatched command.
type fakeSender struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeSender) Send(_ bridge.FrameID, payload json.RawMessage) {
	var cmd struct {
		Func   string `json:"func"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		panic(err)
	}
	name := cmd.Func
	if name == "" {
		name = cmd.Method
	}
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeWidget is a pooled SDK controller recording issued commands.
type fakeWidget struct {
	mu     sync.Mutex
	loads  []string
	plays  int
	pauses int
}

func (w *fakeWidget) LoadContent(contentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loads = append(w.loads, contentID)
}

func (w *fakeWidget) Play() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.plays++
}

func (w *fakeWidget) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pauses++
}

func (w *fakeWidget) playCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.plays
}

func (w *fakeWidget) pauseCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pauses
}

// fakeFactory swaps the placeholder for a widget node and answers
// synchronously unless a delay is set.
type fakeFactory struct {
	mu      sync.Mutex
	created int
	delay   time.Duration
	widgets []*fakeWidget
}

func (f *fakeFactory) CreateController(placeholder *dom.Node, ready func(embedpool.Controller)) {
	deliver := func() {
		f.mu.Lock()
		f.created++
		n := f.created
		w := &fakeWidget{}
		f.widgets = append(f.widgets, w)
		f.mu.Unlock()

		parent := placeholder.Parent()
		if parent == nil {
			return
		}
		if err := parent.ReplaceChild(placeholder, dom.NewNode(fmt.Sprintf("widget-%d", n))); err != nil {
			panic(err)
		}
		ready(w)
	}
	if f.delay > 0 {
		go func() {
			time.Sleep(f.delay)
			deliver()
		}()
		return
	}
	deliver()
}

func (f *fakeFactory) widget(i int) *fakeWidget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.widgets[i]
}

// hookRecorder captures hook invocations under its own lock.
type hookRecorder struct {
	mu        sync.Mutex
	frames    []content.Reference
	fallbacks []string
	phases    []Phase
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		PhaseChanged: func(_ string, _, to Phase) {
			h.mu.Lock()
			h.phases = append(h.phases, to)
			h.mu.Unlock()
		},
		RenderFrame: func(_ string, ref content.Reference) {
			h.mu.Lock()
			h.frames = append(h.frames, ref)
			h.mu.Unlock()
		},
		StaticFallback: func(_, reason string) {
			h.mu.Lock()
			h.fallbacks = append(h.fallbacks, reason)
			h.mu.Unlock()
		},
	}
}

func (h *hookRecorder) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *hookRecorder) lastFallback() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.fallbacks) == 0 {
		return "", false
	}
	return h.fallbacks[len(h.fallbacks)-1], true
}

func youtubeRef(id string) content.Reference {
	return content.Reference{
		Platform:  content.PlatformYouTube,
		ContentID: id,
		EmbedURL:  "https://www.youtube-nocookie.com/embed/" + id,
	}
}

func spotifyRef(id string) content.Reference {
	return content.Reference{
		Platform:  content.PlatformSpotify,
		ContentID: "spotify:episode:" + id,
		EmbedURL:  "https://open.spotify.com/embed/episode/" + id,
	}
}

func newPooledPool(factory *fakeFactory, capacity int) *embedpool.Pool {
	return embedpool.New(factory, dom.NewNode("parking"), embedpool.Options{Capacity: capacity}, nil)
}

func enterPreload(z viewport.Zones) {
	z.Preload.Publish(viewport.Event{Intersecting: true, Ratio: 0.01})
}

func leavePreload(z viewport.Zones) {
	z.Preload.Publish(viewport.Event{Intersecting: false})
}

func enterActive(z viewport.Zones, r float64) {
	z.Active.Publish(viewport.Event{Intersecting: true, Ratio: r})
}

func leaveActive(z viewport.Zones) {
	z.Active.Publish(viewport.Event{Intersecting: false})
}

func TestMessageEmbedPlaysOnReadinessNotZoneCross(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	rec := &hookRecorder{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: time.Hour}, rec.hooks(), nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	assert.Equal(t, PhaseLoading, c.Phase())
	require.Equal(t, 1, rec.frameCount(), "frame rendered on preload enter")

	c.FrameLoaded()
	assert.Equal(t, PhaseReady, c.Phase())

	// Crossing the active threshold before the player is ready must not
	// fire anything.
	enterActive(zones, 0.8)
	assert.Empty(t, sender.sent())
	assert.Equal(t, PhaseReady, c.Phase())

	// The ready signal is the trigger; the full ordered sequence follows.
	c.ReadySignal()
	assert.Equal(t, []string{"unMute", "seekTo", "playVideo"}, sender.sent())
	assert.Equal(t, PhasePlaying, c.Phase())
}

func TestMessageEmbedFallbackTimerReadiness(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: 30 * time.Millisecond}, Hooks{}, nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	c.FrameLoaded()
	enterActive(zones, 0.8)
	assert.Empty(t, sender.sent(), "no commands before the fallback elapses")

	require.Eventually(t, func() bool {
		return len(sender.sent()) == 3
	}, time.Second, 5*time.Millisecond, "fallback readiness should start playback")
	assert.Equal(t, []string{"unMute", "seekTo", "playVideo"}, sender.sent())

	// A late real signal after the fallback changes nothing.
	c.ReadySignal()
	assert.Len(t, sender.sent(), 3)
}

func TestMessageEmbedPlaysOncePerVisibility(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: time.Hour}, Hooks{}, nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	c.FrameLoaded()
	c.ReadySignal()
	enterActive(zones, 0.9)
	require.Equal(t, []string{"unMute", "seekTo", "playVideo"}, sender.sent())

	// Ratio jitter inside the active zone and duplicate ready signals do
	// not re-trigger the sequence.
	enterActive(zones, 0.95)
	c.ReadySignal()
	assert.Len(t, sender.sent(), 3)

	// Leaving the active zone pauses in order; re-entering plays again.
	leaveActive(zones)
	assert.Equal(t, []string{"unMute", "seekTo", "playVideo", "pauseVideo", "mute"}, sender.sent())
	assert.Equal(t, PhasePaused, c.Phase())

	enterActive(zones, 0.9)
	assert.Equal(t, []string{
		"unMute", "seekTo", "playVideo",
		"pauseVideo", "mute",
		"unMute", "seekTo", "playVideo",
	}, sender.sent())
	assert.Equal(t, PhasePlaying, c.Phase())
}

func TestMessageActiveThreshold(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: time.Hour}, Hooks{}, nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	c.FrameLoaded()
	c.ReadySignal()

	// Exactly at the threshold is not enough; it must be exceeded.
	enterActive(zones, 0.5)
	assert.Empty(t, sender.sent())
	enterActive(zones, 0.51)
	assert.Len(t, sender.sent(), 3)
}

func TestPreloadLeaveReleasesAndRearms(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: time.Hour}, Hooks{}, nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	c.FrameLoaded()
	c.ReadySignal()
	enterActive(zones, 0.9)
	require.Equal(t, PhasePlaying, c.Phase())

	// Scrolling fully away pauses and resets the visibility pairing.
	leaveActive(zones)
	leavePreload(zones)
	assert.Equal(t, []string{"unMute", "seekTo", "playVideo", "pauseVideo", "mute"}, sender.sent())
	assert.Equal(t, PhaseAwaitingViewport, c.Phase())

	// Coming back replays once readiness and the zone line up again. The
	// frame survived, so no reload happens and readiness is still latched.
	enterPreload(zones)
	assert.Equal(t, PhaseReady, c.Phase())
	enterActive(zones, 0.9)
	assert.Equal(t, []string{
		"unMute", "seekTo", "playVideo",
		"pauseVideo", "mute",
		"unMute", "seekTo", "playVideo",
	}, sender.sent())
}

func TestPooledEmbedClaimsOnPreloadAndPlaysWhenFullyVisible(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	pool := newPooledPool(factory, 1)
	zones := viewport.NewZones()

	c := New("em-1", spotifyRef("4rOoJ6Egrf8K2IrywzwOMk"), pool, nil, dom.NewNode("card-1"),
		Config{}, Hooks{}, nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	require.Eventually(t, func() bool {
		return c.Snapshot().HasEntry
	}, time.Second, 5*time.Millisecond, "preload enter should claim a pool entry")
	assert.Equal(t, PhaseReady, c.Phase())

	widget := factory.widget(0)

	// Mostly visible is not enough for pooled content.
	enterActive(zones, 0.9)
	assert.Equal(t, 0, widget.playCount())

	enterActive(zones, 1.0)
	assert.Equal(t, 1, widget.playCount())
	assert.Equal(t, PhasePlaying, c.Phase())

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, embedpool.RoleActive, snap[0].Role)

	// Dropping below full visibility pauses and demotes to recent.
	enterActive(zones, 0.97)
	assert.Equal(t, 1, widget.pauseCount())
	assert.Equal(t, embedpool.RoleRecent, pool.Snapshot()[0].Role)
}

func TestDestroyReleasesEntryAndSilences(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	pool := newPooledPool(factory, 1)
	zones := viewport.NewZones()

	c := New("em-1", spotifyRef("4rOoJ6Egrf8K2IrywzwOMk"), pool, nil, dom.NewNode("card-1"),
		Config{}, Hooks{}, nil)
	c.Start(zones)

	enterPreload(zones)
	require.Eventually(t, func() bool {
		return c.Snapshot().HasEntry
	}, time.Second, 5*time.Millisecond)
	enterActive(zones, 1.0)
	widget := factory.widget(0)
	require.Equal(t, 1, widget.playCount())

	c.Destroy()

	snap := pool.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Claimed, "claim released on destroy")
	assert.True(t, snap[0].Parked, "host parked on destroy")

	// Late signals and zone events after destroy do nothing.
	c.ReadySignal()
	enterActive(zones, 1.0)
	enterPreload(zones)
	assert.Equal(t, 1, widget.playCount())
	assert.Equal(t, PhaseUnloaded, c.Phase())
}

func TestStaleClaimReleasedAfterZoneExit(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{delay: 40 * time.Millisecond}
	pool := newPooledPool(factory, 1)
	zones := viewport.NewZones()

	c := New("em-1", spotifyRef("4rOoJ6Egrf8K2IrywzwOMk"), pool, nil, dom.NewNode("card-1"),
		Config{}, Hooks{}, nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	// Scroll away while construction is still in flight.
	leavePreload(zones)

	require.Eventually(t, func() bool {
		snap := pool.Snapshot()
		return len(snap) == 1 && !snap[0].Claimed && snap[0].Parked
	}, time.Second, 5*time.Millisecond, "resolved claim for a departed card must be released")
	assert.False(t, c.Snapshot().HasEntry)
	assert.Equal(t, PhaseAwaitingViewport, c.Phase())
}

func TestClaimFailureRendersStaticFallback(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	pool := newPooledPool(factory, 1)
	rec := &hookRecorder{}
	zones := viewport.NewZones()

	// Occupy the only slot with an unreclaimable active claim.
	_, err := pool.Claim(t.Context(), "blocker", embedpool.RoleActive, dom.NewNode("other-card"))
	require.NoError(t, err)

	c := New("em-1", spotifyRef("4rOoJ6Egrf8K2IrywzwOMk"), pool, nil, dom.NewNode("card-1"),
		Config{}, rec.hooks(), nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	require.Eventually(t, func() bool {
		_, ok := rec.lastFallback()
		return ok
	}, time.Second, 5*time.Millisecond)
	reason, _ := rec.lastFallback()
	assert.Equal(t, "no widget available", reason)
	assert.Equal(t, PhaseAwaitingViewport, c.Phase())
	assert.False(t, c.Snapshot().HasEntry)
}

func TestReclaimedEntryFallsBackToStatic(t *testing.T) {
	t.Parallel()
	factory := &fakeFactory{}
	pool := newPooledPool(factory, 1)
	recA := &hookRecorder{}
	zonesA := viewport.NewZones()
	zonesB := viewport.NewZones()

	a := New("em-a", spotifyRef("aaaaaaaaaaaaaaaaaaaaaa"), pool, nil, dom.NewNode("card-a"),
		Config{}, recA.hooks(), nil)
	defer a.Destroy()
	a.Start(zonesA)

	enterPreload(zonesA)
	require.Eventually(t, func() bool {
		return a.Snapshot().HasEntry
	}, time.Second, 5*time.Millisecond)
	enterActive(zonesA, 1.0)
	require.Equal(t, PhasePlaying, a.Phase())

	// A scrolls out of the active zone; its entry drops to recent and
	// becomes the steal victim for B's preload claim.
	enterActive(zonesA, 0.5)
	require.Equal(t, PhasePaused, a.Phase())

	b := New("em-b", spotifyRef("bbbbbbbbbbbbbbbbbbbbbb"), pool, nil, dom.NewNode("card-b"),
		Config{}, Hooks{}, nil)
	defer b.Destroy()
	b.Start(zonesB)
	enterPreload(zonesB)

	require.Eventually(t, func() bool {
		return b.Snapshot().HasEntry
	}, time.Second, 5*time.Millisecond)

	reason, ok := recA.lastFallback()
	require.True(t, ok, "revoked claimer is told to render a fallback")
	assert.Equal(t, "widget reclaimed", reason)
	assert.False(t, a.Snapshot().HasEntry)
	assert.Equal(t, PhaseAwaitingViewport, a.Phase())
	assert.Equal(t, 1, pool.Size(), "reclaim constructs nothing")
}

func TestRetargetResetsReadinessAndReloads(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	rec := &hookRecorder{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: time.Hour}, rec.hooks(), nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	c.FrameLoaded()
	c.ReadySignal()
	enterActive(zones, 0.9)
	require.Equal(t, 3, len(sender.sent()))

	next := youtubeRef("aqz-KE-bpKQ")
	c.Retarget(next)
	assert.Equal(t, next, c.Ref())
	require.Equal(t, 2, rec.frameCount(), "still in the preload zone, so the new frame renders")
	assert.Len(t, sender.sent(), 3, "no playback commands for an unready frame")

	// The new content goes through the full readiness handshake again.
	c.FrameLoaded()
	c.ReadySignal()
	assert.Len(t, sender.sent(), 6)
	assert.Equal(t, PhasePlaying, c.Phase())
}

func TestFrameErrorIsTerminal(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	rec := &hookRecorder{}
	zones := viewport.NewZones()

	c := New("em-1", youtubeRef("dQw4w9WgXcQ"), nil, sender, nil,
		Config{ReadinessFallback: time.Hour}, rec.hooks(), nil)
	defer c.Destroy()
	c.Start(zones)

	enterPreload(zones)
	c.FrameError("embed load failed")
	assert.Equal(t, PhaseErrored, c.Phase())
	reason, ok := rec.lastFallback()
	require.True(t, ok)
	assert.Equal(t, "embed load failed", reason)

	// Nothing revives an errored instance short of a retarget.
	c.FrameLoaded()
	c.ReadySignal()
	enterActive(zones, 0.9)
	assert.Empty(t, sender.sent())
	assert.Equal(t, PhaseErrored, c.Phase())
}
