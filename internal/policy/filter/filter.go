// Package filter screens page and image URLs before any network work. It
// combines a configured host blocklist, an image extension allowlist, and a
// runtime blocker for hosts that keep answering forbidden.
package filter

import (
	"net/url"
	"path"
	"strings"
	"sync"
)

const defaultForbiddenThreshold = 3

var (
	defaultImageExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff"}
	defaultSchemes         = []string{"http", "https"}
)

// Config holds filter configuration.
type Config struct {
	// BlockedHosts lists exact hosts ("ads.example.com") or suffix
	// patterns ("*.tracker.net", ".doubleclick.net").
	BlockedHosts []string
	// ImageExtensions allowlists image file extensions without the dot.
	// Empty means the built-in set. URLs without any extension pass,
	// since many image CDNs serve bare paths.
	ImageExtensions []string
	// AllowedSchemes allowlists URL schemes. Empty means http and https.
	AllowedSchemes []string
	// ForbiddenThreshold is how many forbidden responses a host may
	// return before it is blocked for the rest of the process.
	ForbiddenThreshold int
}

// Filter is safe for concurrent use.
type Filter struct {
	exact    map[string]struct{}
	suffixes []string
	exts     map[string]struct{}
	schemes  map[string]struct{}

	mu        sync.Mutex
	threshold int
	counts    map[string]int
	banned    map[string]struct{}
}

// New creates a Filter from cfg.
func New(cfg Config) *Filter {
	f := &Filter{
		exact:     make(map[string]struct{}),
		exts:      make(map[string]struct{}),
		schemes:   make(map[string]struct{}),
		threshold: cfg.ForbiddenThreshold,
		counts:    make(map[string]int),
		banned:    make(map[string]struct{}),
	}
	if f.threshold <= 0 {
		f.threshold = defaultForbiddenThreshold
	}
	for _, raw := range cfg.BlockedHosts {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			f.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			f.addSuffix(strings.TrimPrefix(value, "."))
		default:
			f.exact[value] = struct{}{}
		}
	}
	exts := cfg.ImageExtensions
	if len(exts) == 0 {
		exts = defaultImageExtensions
	}
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(ext)), ".")
		if ext != "" {
			f.exts[ext] = struct{}{}
		}
	}
	schemes := cfg.AllowedSchemes
	if len(schemes) == 0 {
		schemes = defaultSchemes
	}
	for _, scheme := range schemes {
		scheme = strings.TrimSpace(strings.ToLower(scheme))
		if scheme != "" {
			f.schemes[scheme] = struct{}{}
		}
	}
	return f
}

func (f *Filter) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range f.suffixes {
		if existing == suffix {
			return
		}
	}
	f.suffixes = append(f.suffixes, suffix)
}

// AllowPage reports whether a page URL may be fetched.
func (f *Filter) AllowPage(rawURL string) bool {
	scheme, host, _, ok := splitURL(rawURL)
	if !ok || !f.schemeAllowed(scheme) {
		return false
	}
	return !f.hostBlocked(host)
}

// AllowImage reports whether an image URL may be downloaded.
func (f *Filter) AllowImage(rawURL string) bool {
	scheme, host, urlPath, ok := splitURL(rawURL)
	if !ok || !f.schemeAllowed(scheme) {
		return false
	}
	if f.hostBlocked(host) {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(urlPath)), ".")
	if ext == "" {
		return true
	}
	_, allowed := f.exts[ext]
	return allowed
}

// MarkForbidden counts a forbidden response for host and returns true once
// the host crosses the threshold and is blocked.
func (f *Filter) MarkForbidden(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, blocked := f.banned[host]; blocked {
		return true
	}
	f.counts[host]++
	if f.counts[host] >= f.threshold {
		f.banned[host] = struct{}{}
		return true
	}
	return false
}

func (f *Filter) hostBlocked(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return true
	}
	if _, blocked := f.exact[host]; blocked {
		return true
	}
	for _, suffix := range f.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, banned := f.banned[host]
	return banned
}

func (f *Filter) schemeAllowed(scheme string) bool {
	_, ok := f.schemes[strings.ToLower(scheme)]
	return ok
}

func splitURL(rawURL string) (scheme, host, urlPath string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", "", "", false
	}
	return u.Scheme, u.Hostname(), u.Path, true
}
