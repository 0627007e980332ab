package main

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prose-im/prose-core-client-sub004/pkg/extpoint"
)

// undecryptableBody mirrors internal/messages.placeholderBody: the body a
// message carries when its OMEMO payload could not be decrypted. Plugin
// binaries never link against internal/, so the sentinel text is
// duplicated here. Scanning it for URLs would only ever match the
// ciphertext's own padding, never anything the sender actually wrote, so
// it's worth a dedicated skip rather than letting it through to the regex.
const undecryptableBody = "[message could not be decrypted]"

// dedupWindow bounds how often the same URL is re-previewed: a burst of
// several messages repeating the same link (a common pattern when a room
// is reacting to one shared article) would otherwise flicker the status
// bar once per message.
const dedupWindow = 5 * time.Minute

// maxConcurrentFetches bounds how many URL fetches run at once; the
// original fired one unbounded goroutine per URL per message, which lets a
// single message with several links (or a burst of messages) open an
// unbounded number of simultaneous outbound requests.
const maxConcurrentFetches = 3

// urlPreviewPlugin shows previews for URLs in messages
type urlPreviewPlugin struct {
	api     extpoint.API
	running bool
	unsub   func()
	client  *http.Client
	sem     chan struct{}

	mu   sync.Mutex
	seen map[string]time.Time
}

// Name returns the plugin name
func (p *urlPreviewPlugin) Name() string {
	return "urlpreview"
}

// Version returns the plugin version
func (p *urlPreviewPlugin) Version() string {
	return "1.1.0"
}

// Description returns a short description
func (p *urlPreviewPlugin) Description() string {
	return "Preview URLs in chat messages"
}

// Init initializes the plugin
func (p *urlPreviewPlugin) Init(_ context.Context, api extpoint.API) error {
	p.api = api
	p.client = &http.Client{
		Timeout: 5 * time.Second,
	}
	p.sem = make(chan struct{}, maxConcurrentFetches)
	p.seen = make(map[string]time.Time)
	return nil
}

// Start starts the plugin
func (p *urlPreviewPlugin) Start() error {
	if p.running {
		return nil
	}

	p.unsub = p.api.OnMessage(func(msg extpoint.Message) {
		if msg.Encrypted && msg.Body == undecryptableBody {
			return
		}
		for _, url := range extractURLs(msg.Body) {
			if !p.claimURL(url) {
				continue
			}
			go p.previewURL(msg.From, url)
		}
	})

	p.running = true
	return nil
}

// Stop stops the plugin
func (p *urlPreviewPlugin) Stop() error {
	if !p.running {
		return nil
	}

	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}

	p.mu.Lock()
	p.seen = make(map[string]time.Time)
	p.mu.Unlock()

	p.running = false
	return nil
}

// claimURL reports whether url is due for a (re)preview: true the first
// time it's seen, or again once dedupWindow has elapsed since the last
// claim. Stale entries are swept opportunistically on each call so the map
// doesn't grow unbounded over a long-lived session.
func (p *urlPreviewPlugin) claimURL(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if last, ok := p.seen[url]; ok && now.Sub(last) < dedupWindow {
		return false
	}
	p.seen[url] = now

	for u, last := range p.seen {
		if now.Sub(last) >= dedupWindow {
			delete(p.seen, u)
		}
	}
	return true
}

// previewURL fetches and displays URL preview
func (p *urlPreviewPlugin) previewURL(from, url string) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	title, description := fetchURLMeta(p.client, url)
	if title == "" {
		return
	}

	preview := title
	if description != "" {
		preview += ": " + truncate(description, 100)
	}

	if contact := p.api.GetContact(from); contact != nil && contact.Name != "" {
		preview = contact.Name + " shared: " + preview
	}

	// Update status bar with preview
	_ = p.api.AddStatusBarItem("urlpreview", preview)

	// Remove after 10 seconds
	time.Sleep(10 * time.Second)
	_ = p.api.RemoveStatusBarItem("urlpreview")
}

// extractURLs extracts URLs from text
func extractURLs(text string) []string {
	urlRegex := regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	return urlRegex.FindAllString(text, -1)
}

// fetchURLMeta fetches title and description from a URL
func fetchURLMeta(client *http.Client, url string) (string, string) {
	resp, err := client.Get(url)
	if err != nil {
		return "", ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", ""
	}

	// Read limited body
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*100)) // 100KB limit
	if err != nil {
		return "", ""
	}

	html := string(body)

	// Extract title
	title := extractMetaTag(html, "og:title")
	if title == "" {
		title = extractHTMLTitle(html)
	}

	// Extract description
	description := extractMetaTag(html, "og:description")
	if description == "" {
		description = extractMetaTag(html, "description")
	}

	return title, description
}

// extractMetaTag extracts a meta tag value
func extractMetaTag(html, name string) string {
	// Look for <meta property="og:title" content="...">
	// or <meta name="description" content="...">
	patterns := []string{
		`<meta[^>]+property=["']` + name + `["'][^>]+content=["']([^"']+)["']`,
		`<meta[^>]+content=["']([^"']+)["'][^>]+property=["']` + name + `["']`,
		`<meta[^>]+name=["']` + name + `["'][^>]+content=["']([^"']+)["']`,
		`<meta[^>]+content=["']([^"']+)["'][^>]+name=["']` + name + `["']`,
	}

	for _, pattern := range patterns {
		re := regexp.MustCompile(pattern)
		matches := re.FindStringSubmatch(html)
		if len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
	}

	return ""
}

// extractHTMLTitle extracts the <title> tag
func extractHTMLTitle(html string) string {
	re := regexp.MustCompile(`<title[^>]*>([^<]+)</title>`)
	matches := re.FindStringSubmatch(html)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return ""
}

// truncate truncates a string to max length
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func main() {
	extpoint.Serve(&urlPreviewPlugin{})
}
