package textutil

import (
	"regexp"
	"strings"
)

var (
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// StripTags replaces every markup tag with a space, then collapses
// whitespace runs to single spaces and trims the result. Entities are
// left as-is.
func StripTags(html string) string {
	return CollapseSpace(tagRe.ReplaceAllString(html, " "))
}

// CollapseSpace replaces each whitespace run with one space and trims.
func CollapseSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
