// Package playback drives the play/pause lifecycle of a single feed
// embed from scroll-driven visibility signals. Each rendered card owns
// one Controller; the controller reconciles zone events, pool claims,
// and frame readiness into ordered fire-and-forget playback commands.
//
// Claims and readiness resolve asynchronously, so every continuation
// re-checks liveness and zone membership before acting: resolve, then
// verify, then act. A generation counter bumped on zone exit, retarget,
// and destroy invalidates continuations that raced with those events.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/feedframe/embedhost/lib/bridge"
	"github.com/feedframe/embedhost/lib/content"
	"github.com/feedframe/embedhost/lib/dom"
	"github.com/feedframe/embedhost/lib/embedpool"
	"github.com/feedframe/embedhost/lib/viewport"
)

// Phase is the lifecycle state of one embed instance.
type Phase string

const (
	PhaseUnloaded         Phase = "unloaded"
	PhaseAwaitingViewport Phase = "awaiting_viewport"
	PhaseClaimPending     Phase = "claim_pending"
	PhaseLoading          Phase = "loading"
	PhaseReady            Phase = "ready"
	PhasePlaying          Phase = "playing"
	PhasePaused           Phase = "paused"
	PhaseErrored          Phase = "errored"
)

// Config holds the lifecycle thresholds and timers.
type Config struct {
	// PooledActiveThreshold is the intersection ratio at which a pooled
	// embed counts as in the active zone. Near-exact visibility.
	PooledActiveThreshold float64
	// MessageActiveThreshold is the looser ratio for message-controlled
	// embeds.
	MessageActiveThreshold float64
	// ReadinessFallback is how long after frame load to wait for the
	// platform's ready signal before assuming readiness.
	ReadinessFallback time.Duration
}

func (c Config) withDefaults() Config {
	if c.PooledActiveThreshold <= 0 {
		c.PooledActiveThreshold = 0.99
	}
	if c.MessageActiveThreshold <= 0 {
		c.MessageActiveThreshold = 0.5
	}
	if c.ReadinessFallback <= 0 {
		c.ReadinessFallback = 500 * time.Millisecond
	}
	return c
}

// Hooks let the rendering surface react to lifecycle decisions. Hooks
// are invoked with the controller's lock held and must not call back
// into the controller.
type Hooks struct {
	// PhaseChanged fires on every phase transition.
	PhaseChanged func(id string, from, to Phase)
	// RenderFrame asks the surface to render the embed frame for a
	// message-controlled reference.
	RenderFrame func(id string, ref content.Reference)
	// StaticFallback asks the surface to show a static representation
	// (placeholder or screenshot) instead of a live widget.
	StaticFallback func(id, reason string)
}

func (h Hooks) phaseChanged(id string, from, to Phase) {
	if h.PhaseChanged != nil {
		h.PhaseChanged(id, from, to)
	}
}

func (h Hooks) renderFrame(id string, ref content.Reference) {
	if h.RenderFrame != nil {
		h.RenderFrame(id, ref)
	}
}

func (h Hooks) staticFallback(id, reason string) {
	if h.StaticFallback != nil {
		h.StaticFallback(id, reason)
	}
}

// Controller is the per-embed state machine.
type Controller struct {
	id    string
	cfg   Config
	hooks Hooks
	log   *slog.Logger

	pool      *embedpool.Pool
	sender    bridge.Sender
	container *dom.Node

	// cancels in-flight claim waits on destroy.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	ref         content.Reference
	phase       Phase
	entry       *embedpool.Entry
	rd          readiness
	frameLoaded bool
	visRatio    float64
	inPreload   bool
	inActive    bool
	claiming    bool
	// played latches the autoplay for the current (visible, ready)
	// pairing so it fires exactly once; cleared by every pause.
	played      bool
	gen         int
	destroyed   bool
	unsubscribe []func()
}

// New creates a controller for one rendered card. The pool may be nil
// for message-controlled references; the container is where a pooled
// widget gets reparented while claimed.
func New(id string, ref content.Reference, pool *embedpool.Pool, sender bridge.Sender, container *dom.Node, cfg Config, hooks Hooks, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:        id,
		cfg:       cfg.withDefaults(),
		hooks:     hooks,
		log:       log.With("embed", id, "platform", ref.Platform),
		pool:      pool,
		sender:    sender,
		container: container,
		ctx:       ctx,
		cancel:    cancel,
		ref:       ref,
		phase:     PhaseUnloaded,
	}
}

func (c *Controller) ID() string { return c.id }

// Ref returns the content reference currently rendered.
func (c *Controller) Ref() content.Reference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Start attaches the controller to its zone feeds and begins waiting for
// the viewport. All content types load lazily.
func (c *Controller) Start(zones viewport.Zones) {
	c.mu.Lock()
	if c.destroyed || c.phase != PhaseUnloaded {
		c.mu.Unlock()
		return
	}
	c.setPhaseLocked(PhaseAwaitingViewport)
	c.mu.Unlock()

	// Subscribing replays the feeds' last events into the handlers, so
	// the lock must not be held here.
	cancelPreload := zones.Preload.Subscribe(c.handlePreload)
	cancelActive := zones.Active.Subscribe(c.handleActive)

	c.mu.Lock()
	destroyed := c.destroyed
	if !destroyed {
		c.unsubscribe = append(c.unsubscribe, cancelPreload, cancelActive)
	}
	c.mu.Unlock()
	if destroyed {
		cancelPreload()
		cancelActive()
	}
}

// Destroy releases everything the instance holds: the pool claim, all
// timers, the zone subscriptions, and any in-flight claim continuation.
// No command is dispatched on the instance's behalf afterwards.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.gen++
	c.cancel()
	c.rd.Reset()
	c.releaseEntryLocked()
	subs := c.unsubscribe
	c.unsubscribe = nil
	c.setPhaseLocked(PhaseUnloaded)
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

// Retarget repurposes the instance's rendering surface for a different
// feed item. Readiness and the autoplay latch reset; if the card is
// still inside the preload zone loading restarts for the new content.
func (c *Controller) Retarget(ref content.Reference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || ref == c.ref {
		return
	}
	c.gen++
	c.releaseEntryLocked()
	c.rd.Reset()
	c.frameLoaded = false
	c.played = false
	c.ref = ref
	c.log = c.log.With("content", ref.ContentID)
	if c.phase != PhaseUnloaded && c.phase != PhaseErrored {
		c.setPhaseLocked(PhaseAwaitingViewport)
		if c.inPreload {
			c.startLoadingLocked()
		}
	}
}

// FrameLoaded records that the embedded frame finished its initial load.
// Message-controlled platforms only. Readiness is tracked separately and
// gates playback, not this transition.
func (c *Controller) FrameLoaded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || !c.ref.Platform.MessageControlled() || c.phase == PhaseErrored {
		return
	}
	c.frameLoaded = true
	if c.phase == PhaseLoading {
		c.setPhaseLocked(PhaseReady)
	}
	g := c.gen
	c.rd.Arm(c.cfg.ReadinessFallback, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.destroyed || c.gen != g {
			return
		}
		c.log.Debug("readiness fallback fired")
		c.maybeAutoplayLocked()
	})
}

// ReadySignal records the platform's real ready signal from the frame.
func (c *Controller) ReadySignal() {
	first := c.rd.Signal()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || !first {
		return
	}
	c.log.Debug("player ready signal received")
	c.maybeAutoplayLocked()
}

// FrameError records a load failure reported by the frame or widget.
// Terminal: the instance renders a static fallback and never retries.
func (c *Controller) FrameError(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.phase == PhaseErrored {
		return
	}
	c.gen++
	c.releaseEntryLocked()
	c.rd.Reset()
	c.setPhaseLocked(PhaseErrored)
	c.log.Warn("embed errored", "reason", reason)
	c.hooks.staticFallback(c.id, reason)
}

// handlePreload reacts to the wide-margin zone.
func (c *Controller) handlePreload(e viewport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.phase == PhaseErrored || c.phase == PhaseUnloaded {
		return
	}
	was := c.inPreload
	c.inPreload = e.Intersecting
	switch {
	case e.Intersecting && !was:
		if c.phase == PhaseAwaitingViewport {
			c.startLoadingLocked()
		}
	case !e.Intersecting && was:
		// Invalidate any claim still in flight for the old position.
		c.gen++
		if c.phase == PhasePlaying {
			c.pauseLocked()
		}
		c.releaseEntryLocked()
		c.played = false
		if c.phase != PhaseAwaitingViewport {
			c.setPhaseLocked(PhaseAwaitingViewport)
		}
	}
}

// handleActive reacts to the tight-threshold zone.
func (c *Controller) handleActive(e viewport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.phase == PhaseErrored || c.phase == PhaseUnloaded {
		return
	}
	c.visRatio = e.Ratio
	// Pooled content needs near-exact visibility; message-controlled
	// content plays at a looser threshold.
	meets := e.Intersecting && e.Ratio > c.cfg.MessageActiveThreshold
	if !c.ref.Platform.MessageControlled() {
		meets = e.Intersecting && e.Ratio >= c.cfg.PooledActiveThreshold
	}
	was := c.inActive
	c.inActive = meets
	switch {
	case meets && !was:
		c.maybeAutoplayLocked()
	case !meets && was:
		if c.phase == PhasePlaying {
			c.pauseLocked()
		}
	}
}

// startLoadingLocked begins acquiring whatever the content needs to
// become playable.
func (c *Controller) startLoadingLocked() {
	if c.ref.Platform.MessageControlled() {
		c.setPhaseLocked(PhaseLoading)
		if c.frameLoaded {
			// Surface already rendered this frame; nothing to reload.
			c.setPhaseLocked(PhaseReady)
			return
		}
		c.hooks.renderFrame(c.id, c.ref)
		return
	}
	c.setPhaseLocked(PhaseLoading)
	c.claimLocked(embedpool.RolePreloading)
}

// claimLocked kicks off an asynchronous pool claim. The continuation
// verifies the generation and zone membership before acting: a claim
// that resolves after the card left its zone is released immediately.
func (c *Controller) claimLocked(role embedpool.Role) {
	if c.claiming || c.pool == nil {
		return
	}
	c.claiming = true
	g := c.gen
	contentID := c.ref.ContentID
	go func() {
		entry, err := c.pool.Claim(c.ctx, contentID, role, c.container)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.claiming = false
		if c.destroyed || c.gen != g || !c.inPreload {
			if entry != nil {
				if rerr := c.pool.Release(entry); rerr != nil {
					c.log.Error("failed to release stale claim", "err", rerr)
				}
			}
			return
		}
		if err != nil {
			// No widget available. Not retryable by design; the next
			// zone-enter event makes a fresh attempt.
			c.log.Info("pool claim failed", "err", err)
			c.setPhaseLocked(PhaseAwaitingViewport)
			c.hooks.staticFallback(c.id, "no widget available")
			return
		}
		c.entry = entry
		c.pool.OnRevoke(entry, c.onRevoked)
		c.setPhaseLocked(PhaseReady)
		c.maybeAutoplayLocked()
	}()
}

// onRevoked fires when the pool reclaims this instance's entry for a
// higher-priority claim.
func (c *Controller) onRevoked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.entry == nil {
		return
	}
	c.log.Debug("pool entry reclaimed")
	c.entry = nil
	c.played = false
	if c.phase != PhaseErrored && c.phase != PhaseUnloaded {
		c.setPhaseLocked(PhaseAwaitingViewport)
		c.hooks.staticFallback(c.id, "widget reclaimed")
	}
}

// maybeAutoplayLocked starts playback when both the zone condition and
// the resource/readiness condition hold. Whichever condition arrives
// last triggers the transition, and the played latch guarantees the play
// sequence fires exactly once per pairing.
func (c *Controller) maybeAutoplayLocked() {
	if c.destroyed || !c.inActive || c.played {
		return
	}
	if c.ref.Platform.MessageControlled() {
		if c.phase != PhaseReady && c.phase != PhasePaused {
			return
		}
		if !c.frameLoaded || !c.rd.Ready() {
			return
		}
		seq, err := bridge.PlaySequence(c.ref.Platform)
		if err != nil {
			c.log.Error("play sequence", "err", err)
			return
		}
		bridge.Dispatch(c.sender, bridge.FrameID(c.id), seq)
		c.played = true
		c.setPhaseLocked(PhasePlaying)
		return
	}

	if c.entry == nil {
		// The claim was lost or never made; re-claim at active priority,
		// which may reclaim a preloading entry elsewhere.
		if !c.claiming {
			c.setPhaseLocked(PhaseClaimPending)
			c.claimLocked(embedpool.RoleActive)
		}
		return
	}
	if c.phase != PhaseReady && c.phase != PhasePaused && c.phase != PhaseClaimPending {
		return
	}
	if err := c.pool.UpdateRole(c.entry, embedpool.RoleActive); err != nil {
		c.log.Error("promote to active", "err", err)
		return
	}
	c.entry.Controller().Play()
	c.played = true
	c.setPhaseLocked(PhasePlaying)
}

// pauseLocked stops playback. Pooled entries keep their claim at recent
// priority for fast resume.
func (c *Controller) pauseLocked() {
	if c.ref.Platform.MessageControlled() {
		seq, err := bridge.PauseSequence(c.ref.Platform)
		if err != nil {
			c.log.Error("pause sequence", "err", err)
			return
		}
		bridge.Dispatch(c.sender, bridge.FrameID(c.id), seq)
	} else if c.entry != nil {
		if err := c.pool.UpdateRole(c.entry, embedpool.RoleRecent); err != nil {
			c.log.Error("demote to recent", "err", err)
		}
		c.entry.Controller().Pause()
	}
	c.played = false
	c.setPhaseLocked(PhasePaused)
}

func (c *Controller) releaseEntryLocked() {
	if c.entry == nil {
		return
	}
	if err := c.pool.Release(c.entry); err != nil {
		c.log.Error("release pool entry", "err", err)
	}
	c.entry = nil
}

func (c *Controller) setPhaseLocked(to Phase) {
	if c.phase == to {
		return
	}
	from := c.phase
	c.phase = to
	c.log.Debug("phase transition", "from", from, "to", to)
	c.hooks.phaseChanged(c.id, from, to)
}

// Snapshot is a point-in-time view of one instance for diagnostics.
type Snapshot struct {
	ID          string           `json:"id"`
	Platform    content.Platform `json:"platform"`
	ContentID   string           `json:"content_id"`
	Phase       Phase            `json:"phase"`
	Ratio       float64          `json:"ratio"`
	PlayerReady bool             `json:"player_ready"`
	HasEntry    bool             `json:"has_entry"`
}

// Snapshot returns the instance's current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:          c.id,
		Platform:    c.ref.Platform,
		ContentID:   c.ref.ContentID,
		Phase:       c.phase,
		Ratio:       c.visRatio,
		PlayerReady: c.rd.Ready(),
		HasEntry:    c.entry != nil,
	}
}
