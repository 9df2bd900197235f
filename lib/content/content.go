// Package content resolves raw feed item URLs into playable content
// references. Resolution is pure parsing: no network calls, no state.
package content

// Platform identifies which embed integration renders a reference.
type Platform string

const (
	// PlatformYouTube and PlatformVimeo are message-controlled: playback is
	// driven by one-way commands posted into an embedded frame.
	PlatformYouTube Platform = "youtube"
	PlatformVimeo   Platform = "vimeo"
	// PlatformSpotify is pooled: a small set of SDK widgets is reused
	// across feed items instead of creating one per card.
	PlatformSpotify Platform = "spotify"
)

// MessageControlled reports whether playback is command-driven rather
// than pooled.
func (p Platform) MessageControlled() bool {
	return p == PlatformYouTube || p == PlatformVimeo
}

// Reference is the resolved description of what an embed should display.
// Immutable once parsed.
type Reference struct {
	Platform  Platform
	ContentID string
	EmbedURL  string
}
