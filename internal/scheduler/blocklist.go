package scheduler

import (
	"fmt"
	"regexp"
	"strings"
)

// blocklistNames are taplist entries that are not beers: menu artifacts
// whose upstream lookups always miss. Matched case-insensitively after
// trimming.
var blocklistNames = []string{
	"water",
	"sparkling water",
	"soda",
	"soft drink",
	"root beer",
	"kombucha",
	"gift card",
	"merchandise",
}

// blocklistPatterns catch the variable spellings of flights, samplers, and
// gift cards ("IPA Flight", "Sampler Tray #2", "Gift-Card $25").
var blocklistPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bflights?\b`),
	regexp.MustCompile(`(?i)\bsamplers?\b`),
	regexp.MustCompile(`(?i)\bgift[ -]?cards?\b`),
}

// Blocklist filters candidate names before budget is spent on them.
type Blocklist struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewBlocklist builds the blocklist from the built-ins plus operator
// extras. An extra wrapped in slashes ("/^flight /") is compiled as a
// case-insensitive pattern; anything else is an exact name.
func NewBlocklist(extra []string) (*Blocklist, error) {
	b := &Blocklist{
		exact:    make(map[string]struct{}, len(blocklistNames)+len(extra)),
		patterns: make([]*regexp.Regexp, 0, len(blocklistPatterns)+len(extra)),
	}
	for _, name := range blocklistNames {
		b.exact[name] = struct{}{}
	}
	b.patterns = append(b.patterns, blocklistPatterns...)

	for _, entry := range extra {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if len(entry) > 2 && strings.HasPrefix(entry, "/") && strings.HasSuffix(entry, "/") {
			pattern, err := regexp.Compile("(?i)" + entry[1:len(entry)-1])
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid blocklist pattern %q: %w", entry, err)
			}
			b.patterns = append(b.patterns, pattern)
			continue
		}
		b.exact[strings.ToLower(entry)] = struct{}{}
	}
	return b, nil
}

// Blocked reports whether name should never be sent for enrichment.
func (b *Blocklist) Blocked(name string) bool {
	name = strings.TrimSpace(name)
	if _, ok := b.exact[strings.ToLower(name)]; ok {
		return true
	}
	for _, pattern := range b.patterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}
