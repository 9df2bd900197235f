package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/nrednav/cuid2"

	"github.com/feedframe/embedhost/lib/bridge"
	"github.com/feedframe/embedhost/lib/content"
	"github.com/feedframe/embedhost/lib/dom"
	"github.com/feedframe/embedhost/lib/embedpool"
	"github.com/feedframe/embedhost/lib/journal"
	"github.com/feedframe/embedhost/lib/logger"
	"github.com/feedframe/embedhost/lib/playback"
	"github.com/feedframe/embedhost/lib/viewport"
)

// clientMessage is everything a page can report: card mounts and
// unmounts, zone intersection events, frame load/ready/error signals,
// and widget-creation acknowledgments from the pooled platform SDK.
type clientMessage struct {
	Type          string  `json:"type"`
	EmbedID       string  `json:"embed_id,omitempty"`
	Slug          string  `json:"slug,omitempty"`
	URL           string  `json:"url,omitempty"`
	Zone          string  `json:"zone,omitempty"`
	Intersecting  bool    `json:"intersecting,omitempty"`
	Ratio         float64 `json:"ratio,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	PlaceholderID string  `json:"placeholder_id,omitempty"`
	WidgetID      string  `json:"widget_id,omitempty"`
}

// serverMessage is everything the host pushes to the page. Command
// payloads are forwarded by the page into the addressed embed frame;
// widget messages drive the pooled platform SDK.
type serverMessage struct {
	Type          string          `json:"type"`
	EmbedID       string          `json:"embed_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EmbedURL      string          `json:"embed_url,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ScreenshotURL string          `json:"screenshot_url,omitempty"`
	PlaceholderID string          `json:"placeholder_id,omitempty"`
	WidgetID      string          `json:"widget_id,omitempty"`
	Action        string          `json:"action,omitempty"`
	ContentID     string          `json:"content_id,omitempty"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
}

// embedInstance ties one rendered card to its lifecycle controller.
type embedInstance struct {
	ctrl      *playback.Controller
	zones     viewport.Zones
	container *dom.Node
}

// pendingCreate is an in-flight widget construction awaiting the SDK's
// acknowledgment from the page.
type pendingCreate struct {
	placeholder *dom.Node
	ready       func(embedpool.Controller)
}

// session is one connected page. It owns that page's widget pool and all
// of its embed instances, acts as the bridge into the page's frames, and
// proxies pooled-widget construction to the page's SDK.
type session struct {
	id   string
	api  *ApiService
	conn *websocket.Conn
	log  *slog.Logger

	pool    *embedpool.Pool
	parking *dom.Node
	jw      *journal.Writer // nil when journaling is disabled

	outbound chan []byte
	closed   chan struct{}

	mu        sync.Mutex
	instances map[string]*embedInstance
	pending   map[string]pendingCreate
}

// HandleSession upgrades the connection and runs the session until the
// page disconnects.
func (s *ApiService) HandleSession(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("session websocket accept failed", "err", err)
		return
	}

	sess := &session{
		id:        uuid.NewString(),
		api:       s,
		conn:      conn,
		outbound:  make(chan []byte, 256),
		closed:    make(chan struct{}),
		instances: make(map[string]*embedInstance),
		pending:   make(map[string]pendingCreate),
	}
	sess.log = log.With("session", sess.id)
	sess.parking = dom.NewNode("parking-" + sess.id)
	sess.pool = embedpool.New(sess, sess.parking, embedpool.Options{
		Capacity:         s.cfg.PoolCapacity,
		ConstructTimeout: s.cfg.ConstructTimeout(),
	}, sess.log)

	if s.cfg.JournalDir != "" {
		jw, err := journal.NewWriter(s.cfg.JournalDir, sess.id)
		if err != nil {
			sess.log.Warn("journal disabled", "err", err)
		} else {
			sess.jw = jw
		}
	}

	s.sessionMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionMu.Unlock()

	sess.log.Info("session connected")
	go sess.writeLoop()
	sess.readLoop()

	s.sessionMu.Lock()
	delete(s.sessions, sess.id)
	s.sessionMu.Unlock()
	sess.teardown()
}

// readLoop consumes page messages until the connection closes. Using the
// background context because the request context ends with the handler.
func (sess *session) readLoop() {
	for {
		_, data, err := sess.conn.Read(context.Background())
		if err != nil {
			sess.log.Info("session disconnected", "err", err)
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.log.Warn("malformed session message", "err", err)
			continue
		}
		sess.handle(msg)
	}
}

// writeLoop drains the outbound queue. Delivery is fire and forget:
// failed or slow writes are dropped, never retried.
func (sess *session) writeLoop() {
	for {
		select {
		case <-sess.closed:
			return
		case data := <-sess.outbound:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := sess.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				sess.log.Debug("dropped outbound message", "err", err)
			}
		}
	}
}

// enqueue queues a message for the page without blocking the caller.
func (sess *session) enqueue(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		sess.log.Error("marshal server message", "err", err)
		return
	}
	select {
	case sess.outbound <- data:
	default:
		sess.log.Debug("outbound queue full, dropping message", "type", msg.Type)
	}
}

// Send implements bridge.Sender: a one-way playback command addressed to
// an embed frame. No delivery confirmation exists by design.
func (sess *session) Send(frame bridge.FrameID, payload json.RawMessage) {
	sess.enqueue(serverMessage{Type: "command", EmbedID: string(frame), Payload: payload})
	sess.record(string(frame), "command", map[string]any{"payload": string(payload)})
}

// CreateController implements embedpool.Factory by proxying widget
// construction to the page's SDK. The SDK swaps the placeholder for the
// live widget node and the page acknowledges with the widget id; a page
// that never answers simply leaves the claim to time out.
func (sess *session) CreateController(placeholder *dom.Node, ready func(embedpool.Controller)) {
	sess.mu.Lock()
	sess.pending[placeholder.ID()] = pendingCreate{placeholder: placeholder, ready: ready}
	sess.mu.Unlock()
	sess.enqueue(serverMessage{Type: "create_widget", PlaceholderID: placeholder.ID()})
}

func (sess *session) handle(msg clientMessage) {
	switch msg.Type {
	case "mount":
		sess.handleMount(msg)
	case "unmount":
		sess.handleUnmount(msg)
	case "retarget":
		sess.handleRetarget(msg)
	case "zone":
		sess.handleZone(msg)
	case "frame_loaded":
		if inst := sess.instance(msg.EmbedID); inst != nil {
			inst.ctrl.FrameLoaded()
		}
	case "player_ready":
		if inst := sess.instance(msg.EmbedID); inst != nil {
			inst.ctrl.ReadySignal()
		}
	case "frame_error":
		if inst := sess.instance(msg.EmbedID); inst != nil {
			inst.ctrl.FrameError(msg.Reason)
		}
	case "widget_created":
		sess.handleWidgetCreated(msg)
	default:
		sess.log.Warn("unknown session message", "type", msg.Type)
	}
}

func (sess *session) instance(embedID string) *embedInstance {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.instances[embedID]
}

// resolveRef resolves the content for a mount or retarget request, either
// from an explicit URL or from the feed item named by slug.
func (sess *session) resolveRef(msg clientMessage) (*content.Reference, string) {
	sourceURL := msg.URL
	screenshot := ""
	if sourceURL == "" && msg.Slug != "" {
		item, err := sess.api.store.Get(context.Background(), msg.Slug)
		if err != nil {
			sess.log.Warn("unknown feed item", "slug", msg.Slug, "err", err)
			return nil, ""
		}
		sourceURL = item.SourceURL
		screenshot = item.ScreenshotURL
	}
	return sess.api.resolver.Resolve(sourceURL), screenshot
}

func (sess *session) handleMount(msg clientMessage) {
	embedID := msg.EmbedID
	if embedID == "" {
		embedID = cuid2.Generate()
	}

	ref, screenshot := sess.resolveRef(msg)
	if ref == nil {
		// Unsupported URL: non-fatal, the card renders statically.
		sess.enqueue(serverMessage{Type: "static_fallback", EmbedID: embedID, Reason: "unsupported url", ScreenshotURL: screenshot})
		sess.record(embedID, "mount_unresolved", map[string]any{"slug": msg.Slug})
		return
	}

	container := dom.NewNode("container-" + embedID)
	zones := viewport.NewZones()
	ctrl := playback.New(embedID, *ref, sess.pool, sess, container, playback.Config{
		PooledActiveThreshold:  sess.api.cfg.PooledActiveThreshold,
		MessageActiveThreshold: sess.api.cfg.MessageActiveThreshold,
		ReadinessFallback:      sess.api.cfg.ReadinessFallback(),
	}, sess.hooks(), sess.log)

	sess.mu.Lock()
	if _, exists := sess.instances[embedID]; exists {
		sess.mu.Unlock()
		sess.log.Warn("duplicate mount", "embed", embedID)
		return
	}
	sess.instances[embedID] = &embedInstance{ctrl: ctrl, zones: zones, container: container}
	sess.mu.Unlock()

	ctrl.Start(zones)
	sess.record(embedID, "mount", map[string]any{"platform": string(ref.Platform), "content": ref.ContentID})
}

func (sess *session) handleUnmount(msg clientMessage) {
	sess.mu.Lock()
	inst := sess.instances[msg.EmbedID]
	delete(sess.instances, msg.EmbedID)
	sess.mu.Unlock()
	if inst == nil {
		return
	}
	inst.ctrl.Destroy()
	sess.record(msg.EmbedID, "unmount", nil)
}

func (sess *session) handleRetarget(msg clientMessage) {
	inst := sess.instance(msg.EmbedID)
	if inst == nil {
		return
	}
	ref, screenshot := sess.resolveRef(msg)
	if ref == nil {
		inst.ctrl.FrameError("unsupported url")
		sess.enqueue(serverMessage{Type: "static_fallback", EmbedID: msg.EmbedID, Reason: "unsupported url", ScreenshotURL: screenshot})
		return
	}
	inst.ctrl.Retarget(*ref)
	sess.record(msg.EmbedID, "retarget", map[string]any{"content": ref.ContentID})
}

func (sess *session) handleZone(msg clientMessage) {
	inst := sess.instance(msg.EmbedID)
	if inst == nil {
		return
	}
	event := viewport.Event{Intersecting: msg.Intersecting, Ratio: msg.Ratio}
	switch msg.Zone {
	case "preload":
		inst.zones.Preload.Publish(event)
	case "active":
		inst.zones.Active.Publish(event)
	default:
		sess.log.Warn("unknown zone", "zone", msg.Zone)
		return
	}
	sess.record(msg.EmbedID, "zone", map[string]any{"zone": msg.Zone, "intersecting": msg.Intersecting, "ratio": msg.Ratio})
}

func (sess *session) handleWidgetCreated(msg clientMessage) {
	sess.mu.Lock()
	pc, ok := sess.pending[msg.PlaceholderID]
	delete(sess.pending, msg.PlaceholderID)
	sess.mu.Unlock()
	if !ok {
		sess.log.Warn("widget created for unknown placeholder", "placeholder", msg.PlaceholderID)
		return
	}

	parent := pc.placeholder.Parent()
	if parent == nil {
		// Construction already abandoned; the claim timed out.
		sess.log.Debug("widget arrived after construction was abandoned", "placeholder", msg.PlaceholderID)
		return
	}
	widgetNode := dom.NewNode(msg.WidgetID)
	if err := parent.ReplaceChild(pc.placeholder, widgetNode); err != nil {
		sess.log.Error("swap widget node", "err", err)
		return
	}
	pc.ready(&remoteWidget{sess: sess, widgetID: msg.WidgetID})
}

// hooks wires lifecycle decisions back to the page.
func (sess *session) hooks() playback.Hooks {
	return playback.Hooks{
		PhaseChanged: func(id string, from, to playback.Phase) {
			sess.enqueue(serverMessage{Type: "phase", EmbedID: id, From: string(from), To: string(to)})
			sess.record(id, "phase", map[string]any{"from": string(from), "to": string(to)})
		},
		RenderFrame: func(id string, ref content.Reference) {
			sess.enqueue(serverMessage{Type: "render_frame", EmbedID: id, EmbedURL: ref.EmbedURL})
		},
		StaticFallback: func(id, reason string) {
			sess.enqueue(serverMessage{Type: "static_fallback", EmbedID: id, Reason: reason})
			// Thumbnail lookup may hit the network; never from a hook.
			go sess.sendThumbnail(id)
		},
	}
}

// sendThumbnail follows up a static fallback with a screenshot URL when
// one can be resolved.
func (sess *session) sendThumbnail(embedID string) {
	inst := sess.instance(embedID)
	if inst == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	thumb, err := sess.api.thumbs.ThumbnailURL(ctx, inst.ctrl.Ref())
	if err != nil {
		sess.log.Debug("thumbnail lookup failed", "embed", embedID, "err", err)
		return
	}
	sess.enqueue(serverMessage{Type: "static_fallback", EmbedID: embedID, ScreenshotURL: thumb})
}

func (sess *session) record(embedID, kind string, detail map[string]any) {
	if sess.jw == nil {
		return
	}
	if err := sess.jw.Record(journal.Event{Session: sess.id, Embed: embedID, Kind: kind, Detail: detail}); err != nil {
		sess.log.Debug("journal write failed", "err", err)
	}
}

// teardown destroys every instance so no pool claim, timer, or listener
// outlives the page.
func (sess *session) teardown() {
	close(sess.closed)

	sess.mu.Lock()
	instances := sess.instances
	sess.instances = make(map[string]*embedInstance)
	sess.pending = make(map[string]pendingCreate)
	sess.mu.Unlock()

	for _, inst := range instances {
		inst.ctrl.Destroy()
	}
	if sess.jw != nil {
		if err := sess.jw.Close(); err != nil {
			sess.log.Warn("journal close failed", "err", err)
		}
	}
	sess.conn.Close(websocket.StatusNormalClosure, "")
	sess.log.Info("session closed", "embeds", len(instances))
}

func (sess *session) debugSnapshot() sessionDebug {
	sess.mu.Lock()
	ctrls := make([]*playback.Controller, 0, len(sess.instances))
	for _, inst := range sess.instances {
		ctrls = append(ctrls, inst.ctrl)
	}
	sess.mu.Unlock()

	snap := sessionDebug{ID: sess.id, Pool: sess.pool.Snapshot()}
	for _, c := range ctrls {
		snap.Embeds = append(snap.Embeds, c.Snapshot())
	}
	return snap
}

// remoteWidget is the pooled platform controller handle: commands are
// relayed to the SDK widget living in the page. Like frame commands,
// these are fire and forget.
type remoteWidget struct {
	sess     *session
	widgetID string
}

func (w *remoteWidget) LoadContent(contentID string) {
	w.sess.enqueue(serverMessage{Type: "widget_command", WidgetID: w.widgetID, Action: "load", ContentID: contentID})
}

func (w *remoteWidget) Play() {
	w.sess.enqueue(serverMessage{Type: "widget_command", WidgetID: w.widgetID, Action: "play"})
}

func (w *remoteWidget) Pause() {
	w.sess.enqueue(serverMessage{Type: "widget_command", WidgetID: w.widgetID, Action: "pause"})
}
