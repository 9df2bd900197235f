package content

import (
	"net/url"
	"regexp"
	"strings"
)

// Matcher recognizes URLs for a single platform and produces references
// for them.
type Matcher interface {
	// Name returns the platform name.
	Name() Platform

	// CanHandle returns true if this matcher recognizes the URL's host.
	CanHandle(u *url.URL) bool

	// Resolve extracts a reference from the URL, or nil when the URL is
	// on the right host but doesn't point at playable content.
	Resolve(u *url.URL) *Reference
}

// Resolver maps raw source URLs to content references. Unsupported URLs
// resolve to nil and the caller renders a static fallback.
type Resolver struct {
	matchers []Matcher
}

// NewResolver creates a resolver with the default platform matchers
// registered.
func NewResolver() *Resolver {
	return &Resolver{matchers: []Matcher{
		youtubeMatcher{},
		vimeoMatcher{},
		spotifyMatcher{},
	}}
}

// Register adds a matcher. Later registrations are consulted after the
// defaults.
func (r *Resolver) Register(m Matcher) {
	r.matchers = append(r.matchers, m)
}

// Resolve parses raw and returns a reference, or nil when no platform
// recognizes the URL.
func (r *Resolver) Resolve(raw string) *Reference {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil
	}
	for _, m := range r.matchers {
		if m.CanHandle(u) {
			return m.Resolve(u)
		}
	}
	return nil
}

func hostIs(u *url.URL, hosts ...string) bool {
	h := strings.ToLower(u.Hostname())
	h = strings.TrimPrefix(h, "www.")
	for _, want := range hosts {
		if h == want {
			return true
		}
	}
	return false
}

var youtubeIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

type youtubeMatcher struct{}

func (youtubeMatcher) Name() Platform { return PlatformYouTube }

func (youtubeMatcher) CanHandle(u *url.URL) bool {
	return hostIs(u, "youtube.com", "m.youtube.com", "youtube-nocookie.com", "youtu.be")
}

func (youtubeMatcher) Resolve(u *url.URL) *Reference {
	var id string
	switch {
	case hostIs(u, "youtu.be"):
		id = strings.Trim(u.Path, "/")
	case strings.HasPrefix(u.Path, "/watch"):
		id = u.Query().Get("v")
	case strings.HasPrefix(u.Path, "/embed/"):
		id = strings.TrimPrefix(u.Path, "/embed/")
	case strings.HasPrefix(u.Path, "/shorts/"):
		id = strings.TrimPrefix(u.Path, "/shorts/")
	}
	id = strings.Trim(id, "/")
	if !youtubeIDRe.MatchString(id) {
		return nil
	}
	return &Reference{
		Platform:  PlatformYouTube,
		ContentID: id,
		// enablejsapi makes the frame listen for postMessage commands;
		// starting muted keeps autoplay permitted by browser policy.
		EmbedURL: "https://www.youtube-nocookie.com/embed/" + id + "?enablejsapi=1&mute=1&playsinline=1",
	}
}

var vimeoIDRe = regexp.MustCompile(`^[0-9]{6,12}$`)

type vimeoMatcher struct{}

func (vimeoMatcher) Name() Platform { return PlatformVimeo }

func (vimeoMatcher) CanHandle(u *url.URL) bool {
	return hostIs(u, "vimeo.com", "player.vimeo.com")
}

func (vimeoMatcher) Resolve(u *url.URL) *Reference {
	path := strings.Trim(u.Path, "/")
	path = strings.TrimPrefix(path, "video/")
	// Drop unlisted-hash segments like 123456789/abcdef123.
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if !vimeoIDRe.MatchString(path) {
		return nil
	}
	return &Reference{
		Platform:  PlatformVimeo,
		ContentID: path,
		EmbedURL:  "https://player.vimeo.com/video/" + path + "?api=1&muted=1",
	}
}

var spotifyIDRe = regexp.MustCompile(`^[A-Za-z0-9]{22}$`)

// spotifyKinds are the content kinds the pooled widget can load.
var spotifyKinds = map[string]bool{"episode": true, "track": true, "show": true}

type spotifyMatcher struct{}

func (spotifyMatcher) Name() Platform { return PlatformSpotify }

func (spotifyMatcher) CanHandle(u *url.URL) bool {
	return hostIs(u, "open.spotify.com")
}

func (spotifyMatcher) Resolve(u *url.URL) *Reference {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Locale-prefixed paths like /intl-de/episode/<id> are valid.
	if len(parts) == 3 && strings.HasPrefix(parts[0], "intl-") {
		parts = parts[1:]
	}
	if len(parts) != 2 || !spotifyKinds[parts[0]] || !spotifyIDRe.MatchString(parts[1]) {
		return nil
	}
	kind, id := parts[0], parts[1]
	return &Reference{
		Platform:  PlatformSpotify,
		ContentID: "spotify:" + kind + ":" + id,
		EmbedURL:  "https://open.spotify.com/embed/" + kind + "/" + id,
	}
}
