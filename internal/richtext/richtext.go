// Package richtext converts note text between plain text and HTML. Block
// text written by the editor may be either.
package richtext

import (
	"html"
	"html/template"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	ugcPolicy    *bluemonday.Policy
	strictPolicy *bluemonday.Policy
	policyOnce   sync.Once
)

func policies() (*bluemonday.Policy, *bluemonday.Policy) {
	policyOnce.Do(func() {
		ugcPolicy = bluemonday.UGCPolicy()
		ugcPolicy.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
		ugcPolicy.AllowAttrs("colspan", "rowspan").OnElements("th", "td")
		ugcPolicy.AllowElements("u", "s", "sub", "sup", "mark")

		strictPolicy = bluemonday.StrictPolicy()
	})
	return ugcPolicy, strictPolicy
}

// IsPlainText reports whether s looks like it has no markup.
func IsPlainText(s string) bool {
	return !strings.Contains(s, "<") || !strings.Contains(s, ">")
}

// Sanitize strips unsafe elements and attributes from HTML.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	ugc, _ := policies()
	return ugc.Sanitize(s)
}

// PlainTextToHTML escapes s and turns newlines into <br>, wrapped in <p>.
func PlainTextToHTML(s string) string {
	if s == "" {
		return ""
	}
	escaped := template.HTMLEscapeString(s)
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>"
}

// ToHTML returns s ready to embed in a page: sanitized when it is HTML,
// escaped when it is plain text.
func ToHTML(s string) template.HTML {
	if IsPlainText(s) {
		return template.HTML(PlainTextToHTML(s))
	}
	return template.HTML(Sanitize(s))
}

var (
	breakTags  = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockEnds  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|pre|blockquote)>`)
	extraLines = regexp.MustCompile(`\n{3,}`)
)

// ToPlainText drops every tag from s, keeping paragraph and line breaks,
// and decodes entities. Plain text is returned unchanged.
func ToPlainText(s string) string {
	if IsPlainText(s) {
		return s
	}
	_, strict := policies()
	s = breakTags.ReplaceAllString(s, "\n")
	s = blockEnds.ReplaceAllString(s, "$0\n\n")
	s = html.UnescapeString(strict.Sanitize(s))

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(extraLines.ReplaceAllString(s, "\n\n"))
}
