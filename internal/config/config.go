// Package config holds every externally tunable knob of the moderation
// engine in one versioned object: content limits, spam rule lists, rate
// limit windows and caps, reputation thresholds, thread shape, and page
// sizes. Rule changes are applied by reloading the config file at runtime
// (SIGHUP in the commentd binary) rather than by redeploying.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration wraps time.Duration so config files can say "15m" or "1h"
// instead of nanosecond integers.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string ("5m") or a number of
// nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("config: invalid duration value %v", v)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ContentConfig bounds raw comment text.
type ContentConfig struct {
	MinLength int `json:"min_length"` // reject below this (after trim)
	MaxLength int `json:"max_length"` // truncate above this, never an error
}

// SpamConfig carries the rule lists and thresholds used by the scorer and
// the sanitizer's URL rewriting.
type SpamConfig struct {
	Keywords       []string `json:"keywords"`        // +20 per distinct substring match
	Patterns       []string `json:"patterns"`        // +25 per distinct regex match
	Profanity      []string `json:"profanity"`       // +15 per distinct word match
	CapsRatio      float64  `json:"caps_ratio"`      // +10 above this uppercase ratio
	LinkDensity    float64  `json:"link_density"`    // +15 above this URL/word ratio
	Shorteners     []string `json:"shorteners"`      // URL domains rewritten to a placeholder
	TrustedDomains []string `json:"trusted_domains"` // URL domains always passed through
}

// RateLimitConfig tunes the sliding-window limiter.
type RateLimitConfig struct {
	ShortWindow Duration `json:"short_window"` // burst window (default 5m)
	ShortCap    int      `json:"short_cap"`    // max attempts inside the burst window
	LongWindow  Duration `json:"long_window"`  // retention window (default 1h)
	LongCap     int      `json:"long_cap"`     // max attempts inside the retention window
	Penalty     Duration `json:"penalty"`      // lockout applied on a short-window breach
}

// ReputationConfig sets the thresholds the decision engine uses to
// fast-track trusted authors.
type ReputationConfig struct {
	AutoApprove    int `json:"auto_approve"`    // auto-approve clean content at or above
	HighReputation int `json:"high_reputation"` // auto-approve mid-band content at or above
}

// ThreadConfig shapes comment trees and their pagination.
type ThreadConfig struct {
	MaxDepth         int `json:"max_depth"`           // 0 = top-level only
	TopLevelPageSize int `json:"top_level_page_size"` // default page size for top-level listings
	ReplyPageSize    int `json:"reply_page_size"`     // default page size under one parent
}

// Config is one immutable snapshot of every tunable. Callers must treat a
// *Config as read-only; reloads produce a fresh snapshot with a bumped
// Version rather than mutating in place.
type Config struct {
	Version    int              `json:"-"` // bumped on every reload
	Content    ContentConfig    `json:"content"`
	Spam       SpamConfig       `json:"spam"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Reputation ReputationConfig `json:"reputation"`
	Thread     ThreadConfig     `json:"thread"`
	EditWindow Duration         `json:"edit_window"`
}

// Default returns the built-in configuration. File values overlay these.
func Default() *Config {
	return &Config{
		Version: 1,
		Content: ContentConfig{
			MinLength: 3,
			MaxLength: 2000,
		},
		Spam: SpamConfig{
			Keywords: []string{
				"buy now", "click here", "limited time offer", "act now",
				"free money", "work from home", "make money fast",
				"100% free", "no credit check", "winner", "viagra",
				"casino", "lottery", "crypto giveaway",
			},
			Patterns: []string{
				`(?i)\[link removed\]`,
				`(?i)\b(?:seo|web\s*design|app\s*development)\s+(?:services?|experts?|company)\b`,
				`(?i)\boutsourc(?:e|ing)\b.{0,40}\b(?:team|developers?|services?)\b`,
				`(?i)\bcontact\s+(?:us|me)\s+(?:at|on)\s+(?:whatsapp|telegram|skype)\b`,
				`(?i)\b(?:earn|win)\s+\$?\d[\d,]*\s*(?:per|a|\/)\s*(?:day|week|month)\b`,
				`(?i)\bdm\s+me\s+for\s+(?:details|info|rates)\b`,
			},
			Profanity: []string{
				"damn", "hell", "crap", "bastard", "bullshit",
			},
			CapsRatio:   0.7,
			LinkDensity: 0.2,
			Shorteners: []string{
				"bit.ly", "tinyurl.com", "t.co", "goo.gl", "is.gd",
				"ow.ly", "buff.ly", "rebrand.ly", "cutt.ly", "shorturl.at",
			},
			TrustedDomains: []string{
				"github.com", "stackoverflow.com", "wikipedia.org",
			},
		},
		RateLimit: RateLimitConfig{
			ShortWindow: Duration(5 * time.Minute),
			ShortCap:    5,
			LongWindow:  Duration(1 * time.Hour),
			LongCap:     30,
			Penalty:     Duration(15 * time.Minute),
		},
		Reputation: ReputationConfig{
			AutoApprove:    50,
			HighReputation: 100,
		},
		Thread: ThreadConfig{
			MaxDepth:         3,
			TopLevelPageSize: 5,
			ReplyPageSize:    3,
		},
		EditWindow: Duration(15 * time.Minute),
	}
}

// Load reads a JSON config file and overlays it on the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot operate under.
func (c *Config) Validate() error {
	if c.Content.MinLength < 1 {
		return fmt.Errorf("config: content.min_length must be >= 1, got %d", c.Content.MinLength)
	}
	if c.Content.MaxLength < c.Content.MinLength {
		return fmt.Errorf("config: content.max_length %d below min_length %d",
			c.Content.MaxLength, c.Content.MinLength)
	}
	if c.RateLimit.ShortCap < 1 || c.RateLimit.LongCap < 1 {
		return fmt.Errorf("config: rate limit caps must be >= 1")
	}
	if c.RateLimit.ShortWindow.Std() <= 0 || c.RateLimit.LongWindow.Std() <= 0 {
		return fmt.Errorf("config: rate limit windows must be positive")
	}
	if c.RateLimit.ShortWindow.Std() > c.RateLimit.LongWindow.Std() {
		return fmt.Errorf("config: short window %s exceeds long window %s",
			c.RateLimit.ShortWindow.Std(), c.RateLimit.LongWindow.Std())
	}
	if c.Spam.CapsRatio <= 0 || c.Spam.CapsRatio > 1 {
		return fmt.Errorf("config: spam.caps_ratio must be in (0,1], got %v", c.Spam.CapsRatio)
	}
	if c.Spam.LinkDensity <= 0 {
		return fmt.Errorf("config: spam.link_density must be positive, got %v", c.Spam.LinkDensity)
	}
	if c.Thread.MaxDepth < 0 {
		return fmt.Errorf("config: thread.max_depth must be >= 0, got %d", c.Thread.MaxDepth)
	}
	if c.Thread.TopLevelPageSize < 1 || c.Thread.ReplyPageSize < 1 {
		return fmt.Errorf("config: page sizes must be >= 1")
	}
	if c.EditWindow.Std() <= 0 {
		return fmt.Errorf("config: edit_window must be positive")
	}
	return nil
}
