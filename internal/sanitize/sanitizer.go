// Package sanitize normalizes raw comment text before scoring and storage.
// It strips markup outside a small allow-list, removes script content and
// javascript: URIs outright, rewrites link-shortener URLs to a placeholder,
// and enforces the configured length bounds. Sanitization is idempotent:
// running it twice yields the same output as running it once.
package sanitize

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/threadline/comment-engine/internal/config"
)

// Placeholder replaces URLs pointing at known link shorteners.
const Placeholder = "[link removed]"

var (
	// ErrEmptyContent is returned when the trimmed input is empty.
	ErrEmptyContent = errors.New("sanitize: empty content")

	// ErrTooShort is returned when the sanitized text is below the
	// configured minimum length.
	ErrTooShort = errors.New("sanitize: content too short")
)

// Compiled once at package init and reused for every call, making them
// safe and efficient for concurrent use.
var (
	// scriptBlockPattern matches a whole <script>...</script> block,
	// including its contents, case-insensitively and across newlines.
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)

	// tagPattern matches any markup tag and captures its name. Attributes
	// never survive: allowed tags are rewritten bare, everything else is
	// removed, which also disposes of inline event handlers.
	tagPattern = regexp.MustCompile(`(?i)<\s*(/?)\s*([a-z][a-z0-9]*)\b[^>]*>`)

	// jsURIPattern matches javascript: URIs up to the next whitespace or
	// tag boundary.
	jsURIPattern = regexp.MustCompile(`(?i)javascript\s*:[^\s<>"']*`)

	// urlPattern matches http/https URLs and www. URLs. The bare-domain
	// variant is intentionally omitted here: the sanitizer only rewrites
	// explicit links, the scorer judges the rest.
	urlPattern = regexp.MustCompile(`(?i)(https?://[^\s<>"']+|www\.[^\s<>"']+)`)
)

// allowedTags is the markup allow-list. Tags are kept (bare, attributes
// stripped); every other tag is removed.
var allowedTags = map[string]bool{
	"b":      true,
	"i":      true,
	"em":     true,
	"strong": true,
	"code":   true,
	"pre":    true,
}

// Sanitizer normalizes raw comment text against one config snapshot.
type Sanitizer struct {
	minLength  int
	maxLength  int
	shorteners []string
	trusted    []string
}

// New builds a Sanitizer from the given config snapshot.
func New(cfg *config.Config) *Sanitizer {
	return &Sanitizer{
		minLength:  cfg.Content.MinLength,
		maxLength:  cfg.Content.MaxLength,
		shorteners: cfg.Spam.Shorteners,
		trusted:    cfg.Spam.TrustedDomains,
	}
}

// Sanitize cleans raw comment text. It returns ErrEmptyContent for blank
// input and ErrTooShort when the cleaned text is under the minimum length.
// Text over the maximum length is truncated silently.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyContent
	}

	// Truncate before the strip and rewrite passes. Cutting afterwards
	// could leave trailing whitespace or slice a passed-through URL down
	// to a live shortener link that was never rewritten. The placeholder
	// is longer than the shortest URLs, so a rewrite can push a capped
	// text back over the limit; re-clean until it fits. Each extra round
	// rewrites at least one URL, so this terminates.
	text = s.clean(truncateRunes(text, s.maxLength))
	for utf8.RuneCountInString(text) > s.maxLength {
		text = s.clean(truncateRunes(text, s.maxLength))
	}

	if text == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(text) < s.minLength {
		return "", ErrTooShort
	}

	return text, nil
}

// clean runs the strip and rewrite passes. Each pass is idempotent on
// its own output and none produces input for an earlier one, so clean
// applied to its own output is a no-op.
func (s *Sanitizer) clean(text string) string {
	text = scriptBlockPattern.ReplaceAllString(text, "")
	text = jsURIPattern.ReplaceAllString(text, "")
	text = tagPattern.ReplaceAllStringFunc(text, normalizeTag)
	text = urlPattern.ReplaceAllStringFunc(text, s.rewriteURL)
	return strings.TrimSpace(text)
}

// normalizeTag keeps allow-listed tags in their bare form and drops
// everything else. Dropping the whole tag also drops any attributes,
// inline event handlers included.
func normalizeTag(tag string) string {
	m := tagPattern.FindStringSubmatch(tag)
	if m == nil {
		return ""
	}
	name := strings.ToLower(m[2])
	if !allowedTags[name] {
		return ""
	}
	if m[1] == "/" {
		return "</" + name + ">"
	}
	return "<" + name + ">"
}

// rewriteURL replaces shortener links with the placeholder. Trusted and
// unrecognized domains pass through unchanged; the scorer handles the
// latter.
func (s *Sanitizer) rewriteURL(url string) string {
	domain := urlDomain(url)
	if domain == "" {
		return url
	}
	for _, t := range s.trusted {
		if domainMatches(domain, t) {
			return url
		}
	}
	for _, sh := range s.shorteners {
		if domainMatches(domain, sh) {
			return Placeholder
		}
	}
	return url
}

// urlDomain extracts the lowercase host part of a matched URL.
func urlDomain(url string) string {
	u := strings.ToLower(url)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	if i := strings.IndexAny(u, "/?#"); i >= 0 {
		u = u[:i]
	}
	if i := strings.IndexByte(u, ':'); i >= 0 {
		u = u[:i]
	}
	return u
}

// domainMatches reports whether host equals domain or is a subdomain of it.
func domainMatches(host, domain string) bool {
	host = strings.TrimPrefix(host, "www.")
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// truncateRunes caps s at max runes without splitting a multi-byte rune.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
