package triggers

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}`)

// Render substitutes {name} placeholders. Unknown names render as empty text.
func Render(template string, values map[string]string) string {
	rendered := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return values[strings.ToLower(name)]
	})
	return strings.TrimSpace(collapseSpaces(rendered))
}

var spaceRun = regexp.MustCompile(`[ \t]{2,}`)

// collapseSpaces tidies the gap left by an empty placeholder between words.
func collapseSpaces(s string) string {
	return spaceRun.ReplaceAllString(s, " ")
}
