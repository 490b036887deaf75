// Package browser drives stealth-configured headless Chrome sessions via
// chromedp. Each job owns one browser process; a Launcher caps how many run
// at once.
package browser

import (
	"net/url"
	"time"

	"github.com/chromedp/chromedp"
)

// DefaultUserAgent is a common desktop Chrome string.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

const (
	defaultNavTimeout   = 45 * time.Second
	defaultWindowWidth  = 1920
	defaultWindowHeight = 1080
)

// Config controls browser launch and navigation.
type Config struct {
	Headless     bool
	MaxSessions  int
	NavTimeout   time.Duration
	UserAgent    string
	WindowWidth  int
	WindowHeight int
	BlockImages  bool
	ChromePath   string
}

func (c Config) withDefaults() Config {
	if c.NavTimeout <= 0 {
		c.NavTimeout = defaultNavTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = defaultWindowWidth
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = defaultWindowHeight
	}
	return c
}

// stealthFlags hide the usual automation fingerprints and switch off
// background features that make a headless browser stand out.
var stealthFlags = map[string]any{
	"disable-blink-features":                             "AutomationControlled",
	"disable-features":                                   "IsolateOrigins,site-per-process",
	"enable-automation":                                  false,
	"disable-infobars":                                   true,
	"disable-webgl":                                      true,
	"disable-webgl2":                                     true,
	"disable-3d-apis":                                    true,
	"disable-gpu":                                        true,
	"disable-accelerated-2d-canvas":                      true,
	"disable-background-networking":                      true,
	"disable-background-timer-throttling":                true,
	"disable-backgrounding-occluded-windows":             true,
	"disable-renderer-backgrounding":                     true,
	"disable-breakpad":                                   true,
	"disable-component-extensions-with-background-pages": true,
	"disable-extensions":                                 true,
	"disable-ipc-flooding-protection":                    true,
	"disable-sync":                                       true,
	"metrics-recording-only":                             true,
	"no-default-browser-check":                           true,
	"no-first-run":                                       true,
	"password-store":                                     "basic",
	"use-mock-keychain":                                  true,
	"no-sandbox":                                         true,
	"disable-setuid-sandbox":                             true,
	"disable-dev-shm-usage":                              true,
	"ignore-certificate-errors":                          true,
	"hide-scrollbars":                                    true,
}

// allocatorOptions builds the exec allocator options for cfg.
func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	cfg = cfg.withDefaults()
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range stealthFlags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.BlockImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	opts = append(opts,
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	return opts
}

// originOf returns scheme://host for permission grants, or "" when the URL
// has no host.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
