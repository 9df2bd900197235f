// Tool to stress the widget pool: connect a synthetic page session, scroll a
// feed of pooled embeds up and down while answering widget construction
// requests, then verify pool bounds through the debug endpoint.
// Usage: go run main.go -url http://localhost:10080 -embeds 12 -iterations 5
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"
)

type clientMessage struct {
	Type          string  `json:"type"`
	EmbedID       string  `json:"embed_id,omitempty"`
	URL           string  `json:"url,omitempty"`
	Zone          string  `json:"zone,omitempty"`
	Intersecting  bool    `json:"intersecting,omitempty"`
	Ratio         float64 `json:"ratio,omitempty"`
	PlaceholderID string  `json:"placeholder_id,omitempty"`
	WidgetID      string  `json:"widget_id,omitempty"`
}

type serverMessage struct {
	Type          string `json:"type"`
	PlaceholderID string `json:"placeholder_id,omitempty"`
	Action        string `json:"action,omitempty"`
}

type poolEntry struct {
	Role    string `json:"role"`
	Claimed bool   `json:"claimed"`
}

type debugResponse struct {
	Sessions []struct {
		Pool []poolEntry `json:"pool"`
	} `json:"sessions"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:10080", "Base URL of the embed host API")
	embeds := flag.Int("embeds", 12, "Number of pooled embeds in the synthetic feed")
	capacity := flag.Int("capacity", 3, "Configured pool capacity to verify against")
	iterations := flag.Int("iterations", 5, "Number of scroll passes")
	flag.Parse()

	fmt.Printf("Stressing the widget pool\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Embeds: %d\n", *embeds)
	fmt.Printf("  Capacity: %d\n", *capacity)
	fmt.Printf("  Iterations: %d\n", *iterations)

	if err := waitForServer(*baseURL); err != nil {
		fmt.Printf("server not reachable: %v\n", err)
		os.Exit(1)
	}

	passed := 0
	failed := 0
	for i := 0; i < *iterations; i++ {
		fmt.Printf("=== Pass %d/%d ===\n", i+1, *iterations)
		if err := runPass(*baseURL, *embeds, *capacity); err != nil {
			fmt.Printf("❌ FAILED: %v\n\n", err)
			failed++
		} else {
			fmt.Printf("✅ PASSED\n\n")
			passed++
		}
	}

	fmt.Printf("=== RESULTS: %d passed, %d failed ===\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func waitForServer(baseURL string) error {
	return retry.New(
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	).Do(func() error {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("healthz status %d", resp.StatusCode)
		}
		return nil
	})
}

// runPass mounts a feed of pooled embeds and scrolls through it top to
// bottom and back, verifying the pool never exceeds its capacity and
// never holds more than one active entry.
func runPass(baseURL string, embeds, capacity int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/session"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial session: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	send := func(msg clientMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, data)
	}

	// Play the page's part of the widget handshake: every construction
	// request is acknowledged with a fresh widget id.
	var created atomic.Int32
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "create_widget" {
				created.Add(1)
				_ = send(clientMessage{
					Type:          "widget_created",
					PlaceholderID: msg.PlaceholderID,
					WidgetID:      "widget-" + cuid2.Generate(),
				})
			}
		}
	}()

	ids := make([]string, embeds)
	for i := range ids {
		ids[i] = fmt.Sprintf("card-%d-%s", i, cuid2.Generate())
		err := send(clientMessage{
			Type:    "mount",
			EmbedID: ids[i],
			URL:     fmt.Sprintf("https://open.spotify.com/episode/%022d", i),
		})
		if err != nil {
			return fmt.Errorf("mount %s: %w", ids[i], err)
		}
	}

	zone := func(id, name string, in bool, ratio float64) error {
		return send(clientMessage{Type: "zone", EmbedID: id, Zone: name, Intersecting: in, Ratio: ratio})
	}

	// Scroll down and back up. At each step one card is fully visible,
	// its neighbors are preloading, and everything further back leaves.
	order := make([]int, 0, 2*embeds)
	for i := 0; i < embeds; i++ {
		order = append(order, i)
	}
	for i := embeds - 1; i >= 0; i-- {
		order = append(order, i)
	}
	for _, i := range order {
		for j, id := range ids {
			dist := j - i
			if dist < 0 {
				dist = -dist
			}
			switch {
			case dist == 0:
				if err := zone(id, "preload", true, 1); err != nil {
					return err
				}
				if err := zone(id, "active", true, 1); err != nil {
					return err
				}
			case dist == 1:
				if err := zone(id, "active", false, 0); err != nil {
					return err
				}
				if err := zone(id, "preload", true, 0.2); err != nil {
					return err
				}
			default:
				if err := zone(id, "preload", false, 0); err != nil {
					return err
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
		if err := checkPool(baseURL, capacity); err != nil {
			return err
		}
	}

	for _, id := range ids {
		if err := send(clientMessage{Type: "unmount", EmbedID: id}); err != nil {
			return err
		}
	}
	fmt.Printf("  widgets constructed: %d\n", created.Load())
	if created.Load() == 0 {
		return fmt.Errorf("no widgets were ever constructed")
	}
	return nil
}

func checkPool(baseURL string, capacity int) error {
	resp, err := http.Get(baseURL + "/debug/sessions")
	if err != nil {
		return fmt.Errorf("debug sessions: %w", err)
	}
	defer resp.Body.Close()
	var out debugResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode debug sessions: %w", err)
	}
	for _, sess := range out.Sessions {
		if len(sess.Pool) > capacity {
			return fmt.Errorf("pool has %d entries, capacity is %d", len(sess.Pool), capacity)
		}
		actives := 0
		for _, e := range sess.Pool {
			if e.Claimed && e.Role == "active" {
				actives++
			}
		}
		if actives > 1 {
			return fmt.Errorf("pool has %d active entries", actives)
		}
	}
	return nil
}
