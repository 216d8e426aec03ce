// Package spam computes an explainable 0-100 risk score for sanitized
// comment text. Scoring is additive over independent rule families
// (keywords, technical patterns, profanity, caps ratio, link density),
// deterministic, and pure: the same input always produces the same score
// and the same ordered signal list.
package spam

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/threadline/comment-engine/internal/config"
)

// Rule weights. Distinct matches within a family each contribute the
// family weight; the total is capped at MaxScore.
const (
	MaxScore = 100

	weightKeyword     = 20
	weightPattern     = 25
	weightProfanity   = 15
	weightCapsRatio   = 10
	weightLinkDensity = 15
)

// Signal rule names, for audit records and tests.
const (
	RuleKeyword     = "spam_keyword"
	RulePattern     = "spam_pattern"
	RuleProfanity   = "profanity"
	RuleCapsRatio   = "caps_ratio"
	RuleLinkDensity = "link_density"
)

// urlPattern matches http/https URLs and www. URLs in sanitized text,
// for link-density measurement.
var urlPattern = regexp.MustCompile(`(?i)(https?://[^\s<>"']+|www\.[^\s<>"']+)`)

// Signal names one fired rule: which family and which term triggered it.
type Signal struct {
	Rule string `json:"rule"`
	Term string `json:"term,omitempty"`
}

// Scorer evaluates sanitized text against one config snapshot.
type Scorer struct {
	keywords    []string
	patterns    []*regexp.Regexp
	patternSrcs []string
	profanity   []string
	capsRatio   float64
	linkDensity float64
}

// NewScorer compiles the rule lists from the given config snapshot.
// An invalid pattern regex is a configuration error.
func NewScorer(cfg *config.Config) (*Scorer, error) {
	s := &Scorer{
		capsRatio:   cfg.Spam.CapsRatio,
		linkDensity: cfg.Spam.LinkDensity,
	}
	for _, kw := range cfg.Spam.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			s.keywords = append(s.keywords, kw)
		}
	}
	for _, src := range cfg.Spam.Patterns {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("spam: compile pattern %q: %w", src, err)
		}
		s.patterns = append(s.patterns, re)
		s.patternSrcs = append(s.patternSrcs, src)
	}
	for _, w := range cfg.Spam.Profanity {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			s.profanity = append(s.profanity, w)
		}
	}
	return s, nil
}

// Score evaluates sanitized text and returns the capped score together
// with the list of fired signals, in rule-family order.
func (s *Scorer) Score(text string) (int, []Signal) {
	if text == "" {
		return 0, nil
	}

	lower := strings.ToLower(text)
	score := 0
	var signals []Signal

	// Distinct spam-keyword phrases, case-insensitive substring match.
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			score += weightKeyword
			signals = append(signals, Signal{Rule: RuleKeyword, Term: kw})
		}
	}

	// Distinct technical spam patterns. The signal term is the matched
	// text, not the pattern source, so moderators see what fired.
	for i, re := range s.patterns {
		if m := re.FindString(text); m != "" {
			score += weightPattern
			signals = append(signals, Signal{Rule: RulePattern, Term: m})
		} else if re.MatchString(text) {
			// Pattern matched the empty string; still record it by source.
			score += weightPattern
			signals = append(signals, Signal{Rule: RulePattern, Term: s.patternSrcs[i]})
		}
	}

	// Distinct profanity words, matched against tokenized words so a
	// profane substring inside a clean word does not fire.
	words := wordSet(lower)
	for _, w := range s.profanity {
		if words[w] {
			score += weightProfanity
			signals = append(signals, Signal{Rule: RuleProfanity, Term: w})
		}
	}

	// Shouting heuristic: uppercase share of all letters.
	if ratio, letters := capsRatio(text); letters > 0 && ratio > s.capsRatio {
		score += weightCapsRatio
		signals = append(signals, Signal{Rule: RuleCapsRatio, Term: fmt.Sprintf("%.2f", ratio)})
	}

	// Link density: URLs per word.
	if urls, wordCount := countURLs(text); urls > 0 && wordCount > 0 &&
		float64(urls)/float64(wordCount) > s.linkDensity {
		score += weightLinkDensity
		signals = append(signals, Signal{Rule: RuleLinkDensity, Term: fmt.Sprintf("%d/%d", urls, wordCount)})
	}

	if score > MaxScore {
		score = MaxScore
	}
	return score, signals
}

// wordSet tokenizes lowercased text into a set of words, stripping
// punctuation at word boundaries.
func wordSet(lower string) map[string]bool {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// capsRatio returns the uppercase-to-letter ratio and the letter count.
func capsRatio(text string) (float64, int) {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0, 0
	}
	return float64(upper) / float64(letters), letters
}

// countURLs returns the URL count and whitespace-delimited word count.
func countURLs(text string) (int, int) {
	return len(urlPattern.FindAllString(text, -1)), len(strings.Fields(text))
}
