package policy

import (
	"regexp"
	"strings"
)

// MentionResult is the outcome of DetectAndStripMention.
type MentionResult struct {
	Mentioned bool
	Stripped  string
}

// DetectAndStripMention reports whether text @mentions any of the given
// names (case-insensitive) and, when it does, returns the text with every
// @name occurrence and its trailing whitespace removed, trimmed.
func DetectAndStripMention(text string, names []string) MentionResult {
	mentioned := false
	stripped := text
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		pattern := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\s*`)
		if pattern.MatchString(stripped) {
			mentioned = true
			stripped = pattern.ReplaceAllString(stripped, "")
		}
	}
	if !mentioned {
		return MentionResult{Mentioned: false, Stripped: text}
	}
	return MentionResult{Mentioned: true, Stripped: strings.TrimSpace(stripped)}
}

// MentionPool builds the set of names a group message may address:
// the account's configured names, the bot's display name when known, and
// the literal "all". Names are lowercased and deduplicated.
func MentionPool(configured []string, botDisplayName string) []string {
	seen := map[string]bool{}
	pool := make([]string, 0, len(configured)+2)
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		pool = append(pool, name)
	}
	for _, name := range configured {
		add(name)
	}
	add(botDisplayName)
	add("all")
	return pool
}
