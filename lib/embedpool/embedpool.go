// Package embedpool owns the bounded set of reusable SDK widgets backing
// pooled-platform embeds. Feed cards claim an entry while near the
// viewport and release it when they scroll away; the pool reuses free
// entries, constructs new ones up to a fixed capacity, and reclaims
// lower-priority entries when the pool is full.
package embedpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feedframe/embedhost/lib/dom"
)

// Role is the priority tier governing whether an entry may be reclaimed.
type Role string

const (
	// RoleActive marks the entry currently playing. Never reclaimed.
	RoleActive Role = "active"
	// RolePreloading marks entries warmed for cards near the viewport.
	// Reclaimable only on behalf of a new active claim.
	RolePreloading Role = "preloading"
	// RoleRecent marks entries kept after playback for fast resume.
	// First in line for reclamation.
	RoleRecent Role = "recent"
	// RoleIdle is the tier of entries nobody is using.
	RoleIdle Role = "idle"
)

var (
	// ErrExhausted means no free, constructible, or reclaimable entry
	// exists. Not retryable; the caller renders a static fallback and may
	// try again on a later zone-enter.
	ErrExhausted = errors.New("embedpool: no entry available")
	// ErrConstructionTimeout means the widget factory never delivered a
	// controller. Treated like exhaustion by callers.
	ErrConstructionTimeout = errors.New("embedpool: controller construction timed out")
)

// Controller is the opaque widget handle produced by the platform SDK.
type Controller interface {
	// LoadContent points the widget at different content. Side effect on
	// the underlying widget; no new object is created.
	LoadContent(contentID string)
	Play()
	Pause()
}

// Factory constructs widgets the way the platform SDK does: it replaces
// the placeholder node with the live widget node in the same parent
// (rather than returning the node), then invokes ready with the
// controller handle. Construction is asynchronous and unacknowledged on
// failure: a broken factory simply never calls ready.
type Factory interface {
	CreateController(placeholder *dom.Node, ready func(Controller))
}

// Entry is one pooled widget. The host element is exclusively owned by
// the pool and is reparented between the parking container and exactly
// one claimer's container; it is never duplicated or destroyed.
type Entry struct {
	id              int
	controller      Controller
	host            *dom.Node
	loadedContentID string
	role            Role
	claimed         bool
	// container the host is currently attached to; the parking node when
	// unclaimed. Validated on every transfer.
	owner *dom.Node
	// onRevoke notifies the claiming instance when the entry is stolen.
	onRevoke func()
}

func (e *Entry) ID() int                 { return e.id }
func (e *Entry) Controller() Controller  { return e.controller }
func (e *Entry) HostElement() *dom.Node  { return e.host }
func (e *Entry) LoadedContentID() string { return e.loadedContentID }

// Options configures a pool.
type Options struct {
	// Capacity is the fixed maximum number of entries. Entries are
	// created lazily and never destroyed.
	Capacity int
	// ConstructTimeout bounds how long a claim waits for the factory. A
	// stalled factory otherwise blocks the claim forever.
	ConstructTimeout time.Duration
}

// Pool is the bounded widget pool. Explicitly constructed and injected;
// its lifetime is the process's, there is no teardown.
type Pool struct {
	mu       sync.Mutex
	log      *slog.Logger
	factory  Factory
	opts     Options
	parking  *dom.Node
	entries  []*Entry
	nextID   int
	creating int // in-flight constructions, counted against capacity
}

// New creates an empty pool parking its widgets under parking.
func New(factory Factory, parking *dom.Node, opts Options, log *slog.Logger) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = 3
	}
	if opts.ConstructTimeout <= 0 {
		opts.ConstructTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{log: log, factory: factory, opts: opts, parking: parking}
}

// Size returns the number of constructed entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Claim hands out an entry loaded with contentID, reparenting its host
// element into container. Preference order: a free entry (reloading only
// on content mismatch), then construction of a new entry while under
// capacity, then reclamation of a lower-priority claimed entry. Returns
// ErrExhausted when none of those apply.
//
// Only RoleActive and RolePreloading are valid claim roles.
func (p *Pool) Claim(ctx context.Context, contentID string, role Role, container *dom.Node) (*Entry, error) {
	if role != RoleActive && role != RolePreloading {
		return nil, fmt.Errorf("embedpool: cannot claim with role %q", role)
	}
	if container == nil {
		return nil, fmt.Errorf("embedpool: nil container")
	}

	p.mu.Lock()

	// 1. Reuse any free entry regardless of stored content.
	for _, e := range p.entries {
		if e.claimed {
			continue
		}
		if err := p.assignLocked(e, contentID, role, container); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Unlock()
		return e, nil
	}

	// 2. Construct a new entry while under capacity. The creating count
	// keeps concurrent claims from racing past the capacity check; only
	// one construction may be in flight per available slot.
	if len(p.entries)+p.creating < p.opts.Capacity {
		p.creating++
		p.mu.Unlock()
		return p.construct(ctx, contentID, role, container)
	}

	// 3. Reclaim per the stealing policy.
	victim := p.reclaimableLocked(role)
	if victim == nil {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	revoke := victim.onRevoke
	victim.onRevoke = nil
	victim.claimed = false
	p.log.Debug("reclaiming pool entry", "entry", victim.id, "from_role", victim.role, "for_role", role)
	if err := p.assignLocked(victim, contentID, role, container); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	if revoke != nil {
		revoke()
	}
	return victim, nil
}

// reclaimableLocked picks the steal victim: Recent entries before
// Preloading ones, and Preloading only on behalf of a new Active claim.
// Active entries are never reclaimed. Ties among equal-role entries
// break first-found in pool index order.
func (p *Pool) reclaimableLocked(forRole Role) *Entry {
	for _, e := range p.entries {
		if e.claimed && e.role == RoleRecent {
			return e
		}
	}
	if forRole != RoleActive {
		return nil
	}
	for _, e := range p.entries {
		if e.claimed && e.role == RolePreloading {
			return e
		}
	}
	return nil
}

// assignLocked claims e for contentID/role and moves its host element
// from wherever it is into container.
func (p *Pool) assignLocked(e *Entry, contentID string, role Role, container *dom.Node) error {
	if err := dom.Transfer(e.host, e.owner, container); err != nil {
		return fmt.Errorf("embedpool: reparent entry %d: %w", e.id, err)
	}
	e.owner = container
	e.claimed = true
	p.setRoleLocked(e, role)
	if e.loadedContentID != contentID {
		e.controller.LoadContent(contentID)
		e.loadedContentID = contentID
	}
	return nil
}

// construct runs the asynchronous factory call and appends the new entry
// once the controller arrives. The factory swaps the placeholder for the
// live widget node inside the parking container, so the new node is
// identified by diffing the parking container's children around the call.
func (p *Pool) construct(ctx context.Context, contentID string, role Role, container *dom.Node) (*Entry, error) {
	done := make(chan Controller, 1)

	p.mu.Lock()
	placeholder := dom.NewNode(fmt.Sprintf("pool-placeholder-%d", p.nextID))
	if err := p.parking.AppendChild(placeholder); err != nil {
		p.creating--
		p.mu.Unlock()
		return nil, fmt.Errorf("embedpool: park placeholder: %w", err)
	}
	before := p.parking.Children()
	p.mu.Unlock()

	p.factory.CreateController(placeholder, func(c Controller) {
		select {
		case done <- c:
		default:
			// Late or duplicate callback after the claim already failed.
		}
	})

	timer := time.NewTimer(p.opts.ConstructTimeout)
	defer timer.Stop()

	var controller Controller
	select {
	case controller = <-done:
	case <-timer.C:
		p.abandonConstruction(placeholder)
		return nil, ErrConstructionTimeout
	case <-ctx.Done():
		p.abandonConstruction(placeholder)
		return nil, ctx.Err()
	}

	p.mu.Lock()
	host := newChild(before, p.parking.Children(), placeholder)
	if host == nil {
		// Factory invoked the callback without swapping in a widget node.
		p.creating--
		if placeholder.Parent() == p.parking {
			_ = p.parking.RemoveChild(placeholder)
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("embedpool: factory produced no widget node: %w", ErrExhausted)
	}
	e := &Entry{
		id:         p.nextID,
		controller: controller,
		host:       host,
		owner:      p.parking,
	}
	p.nextID++
	p.entries = append(p.entries, e)
	p.creating--
	p.log.Info("constructed pool entry", "entry", e.id, "size", len(p.entries), "capacity", p.opts.Capacity)
	if err := p.assignLocked(e, contentID, role, container); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	return e, nil
}

// abandonConstruction gives the slot back after a stalled or cancelled
// factory call. A controller delivered after this point is discarded.
func (p *Pool) abandonConstruction(placeholder *dom.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if placeholder.Parent() == p.parking {
		_ = p.parking.RemoveChild(placeholder)
	}
	p.log.Warn("abandoned pool entry construction")
}

// newChild returns the child present in after but not in before. The SDK
// swaps the widget in at the placeholder's position, so when concurrent
// constructions add several new children the one at the placeholder's old
// index wins.
func newChild(before, after []*dom.Node, placeholder *dom.Node) *dom.Node {
	prev := make(map[*dom.Node]bool, len(before))
	slot := -1
	for i, n := range before {
		prev[n] = true
		if n == placeholder {
			slot = i
		}
	}
	if slot >= 0 && slot < len(after) && !prev[after[slot]] {
		return after[slot]
	}
	for _, n := range after {
		if !prev[n] && n != placeholder {
			return n
		}
	}
	return nil
}

// OnRevoke registers a callback invoked (outside the pool lock) when the
// entry is reclaimed out from under its claimer. Cleared on release and
// on reclamation.
func (p *Pool) OnRevoke(e *Entry, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.claimed {
		e.onRevoke = fn
	}
}

// Release returns the entry to the pool: the claim is dropped and the
// host element is parked off-screen so the widget stays alive. The role
// is ignored while unclaimed.
func (p *Pool) Release(e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !e.claimed {
		return nil
	}
	if err := dom.Transfer(e.host, e.owner, p.parking); err != nil {
		return fmt.Errorf("embedpool: park entry %d: %w", e.id, err)
	}
	e.owner = p.parking
	e.claimed = false
	e.onRevoke = nil
	e.role = RoleIdle
	return nil
}

// UpdateRole changes the entry's priority tier without relinquishing the
// claim. Pure metadata, no reparenting.
func (p *Pool) UpdateRole(e *Entry, role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !e.claimed {
		return fmt.Errorf("embedpool: update role on unclaimed entry %d", e.id)
	}
	p.setRoleLocked(e, role)
	return nil
}

// setRoleLocked applies role, demoting any other active entry to recent
// so at most one entry is active at any time.
func (p *Pool) setRoleLocked(e *Entry, role Role) {
	if role == RoleActive {
		for _, other := range p.entries {
			if other != e && other.claimed && other.role == RoleActive {
				other.role = RoleRecent
				p.log.Debug("demoted previous active entry", "entry", other.id)
			}
		}
	}
	e.role = role
}

// EntrySnapshot is a point-in-time view of one entry for diagnostics.
type EntrySnapshot struct {
	ID              int    `json:"id"`
	Role            Role   `json:"role"`
	Claimed         bool   `json:"claimed"`
	LoadedContentID string `json:"loaded_content_id"`
	Parked          bool   `json:"parked"`
}

// Snapshot returns the state of every constructed entry.
func (p *Pool) Snapshot() []EntrySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EntrySnapshot, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, EntrySnapshot{
			ID:              e.id,
			Role:            e.role,
			Claimed:         e.claimed,
			LoadedContentID: e.loadedContentID,
			Parked:          e.owner == p.parking,
		})
	}
	return out
}
