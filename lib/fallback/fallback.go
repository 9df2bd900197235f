// Package fallback resolves static representations for embeds that
// cannot render live: unsupported URLs, exhausted pools, errored frames.
// The fallback is a thumbnail image looked up per platform, cached in
// memory for the life of the process.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/feedframe/embedhost/lib/content"
)

// Resolver looks up thumbnail URLs. Safe for concurrent use.
type Resolver struct {
	client *http.Client

	vimeoOEmbed   string
	spotifyOEmbed string

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver with its own HTTP client.
func NewResolver() *Resolver {
	return &Resolver{
		client:        &http.Client{Timeout: 5 * time.Second},
		vimeoOEmbed:   "https://vimeo.com/api/oembed.json",
		spotifyOEmbed: "https://open.spotify.com/oembed",
		cache:         make(map[string]string),
	}
}

// ThumbnailURL resolves a static image URL for the reference. YouTube
// thumbnails follow a fixed scheme; the other platforms go through their
// oEmbed endpoints with a few bounded retries.
func (r *Resolver) ThumbnailURL(ctx context.Context, ref content.Reference) (string, error) {
	key := string(ref.Platform) + "/" + ref.ContentID
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	var thumb string
	var err error
	switch ref.Platform {
	case content.PlatformYouTube:
		thumb = "https://i.ytimg.com/vi/" + ref.ContentID + "/hqdefault.jpg"
	case content.PlatformVimeo:
		thumb, err = r.oembed(ctx, r.vimeoOEmbed+"?url="+url.QueryEscape("https://vimeo.com/"+ref.ContentID))
	case content.PlatformSpotify:
		thumb, err = r.oembed(ctx, r.spotifyOEmbed+"?url="+url.QueryEscape(ref.EmbedURL))
	default:
		err = fmt.Errorf("fallback: unknown platform %q", ref.Platform)
	}
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = thumb
	r.mu.Unlock()
	return thumb, nil
}

// oembed fetches an oEmbed document and returns its thumbnail_url.
func (r *Resolver) oembed(ctx context.Context, endpoint string) (string, error) {
	var thumb string
	err := retry.New(
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("oembed status %d", resp.StatusCode)
		}
		var doc struct {
			ThumbnailURL string `json:"thumbnail_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return err
		}
		if doc.ThumbnailURL == "" {
			return fmt.Errorf("oembed document has no thumbnail_url")
		}
		thumb = doc.ThumbnailURL
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fallback: %w", err)
	}
	return thumb, nil
}
