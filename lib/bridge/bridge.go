// Package bridge builds and dispatches the one-way playback commands
// posted into message-controlled embed frames. Commands are fire and
// forget: there is no delivery confirmation and no response channel.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/feedframe/embedhost/lib/content"
)

// FrameID identifies the embedded frame a command is addressed to.
type FrameID string

// Sender delivers a single command payload to a frame. Send must not
// block on the receiver and must not report delivery.
type Sender interface {
	Send(frame FrameID, payload json.RawMessage)
}

// youtubeCommand is the YouTube iframe API envelope.
type youtubeCommand struct {
	Event string `json:"event"`
	Func  string `json:"func"`
	Args  []any  `json:"args"`
}

// vimeoCommand is the Vimeo player API envelope.
type vimeoCommand struct {
	Method string `json:"method"`
	Value  any    `json:"value,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Command structs only carry strings and numbers.
		panic(err)
	}
	return data
}

// PlaySequence returns the ordered command payloads that start playback.
// The order is mandatory: unmute before play avoids a silent first frame,
// and seeking to the start before play avoids an audible jump.
func PlaySequence(p content.Platform) ([]json.RawMessage, error) {
	switch p {
	case content.PlatformYouTube:
		return []json.RawMessage{
			mustMarshal(youtubeCommand{Event: "command", Func: "unMute", Args: []any{}}),
			mustMarshal(youtubeCommand{Event: "command", Func: "seekTo", Args: []any{0, true}}),
			mustMarshal(youtubeCommand{Event: "command", Func: "playVideo", Args: []any{}}),
		}, nil
	case content.PlatformVimeo:
		return []json.RawMessage{
			mustMarshal(vimeoCommand{Method: "setVolume", Value: 1}),
			mustMarshal(vimeoCommand{Method: "setCurrentTime", Value: 0}),
			mustMarshal(vimeoCommand{Method: "play"}),
		}, nil
	default:
		return nil, fmt.Errorf("platform %q is not message-controlled", p)
	}
}

// PauseSequence returns the ordered command payloads that stop playback.
// Pausing before muting avoids a perceptible lag between the audio
// stopping and the video stopping.
func PauseSequence(p content.Platform) ([]json.RawMessage, error) {
	switch p {
	case content.PlatformYouTube:
		return []json.RawMessage{
			mustMarshal(youtubeCommand{Event: "command", Func: "pauseVideo", Args: []any{}}),
			mustMarshal(youtubeCommand{Event: "command", Func: "mute", Args: []any{}}),
		}, nil
	case content.PlatformVimeo:
		return []json.RawMessage{
			mustMarshal(vimeoCommand{Method: "pause"}),
			mustMarshal(vimeoCommand{Method: "setVolume", Value: 0}),
		}, nil
	default:
		return nil, fmt.Errorf("platform %q is not message-controlled", p)
	}
}

// Dispatch sends each payload in order over the sender.
func Dispatch(s Sender, frame FrameID, payloads []json.RawMessage) {
	for _, p := range payloads {
		s.Send(frame, p)
	}
}
