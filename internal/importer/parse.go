package importer

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/renderinc/notevault/internal/export"
	"github.com/renderinc/notevault/internal/richtext"
)

// Document is one parsed source file.
type Document struct {
	Path    string
	Title   string
	Content string
}

var (
	mdFooter = regexp.MustCompile(`(?s)\n*` + regexp.QuoteMeta(export.FooterRule) +
		`\n\*` + regexp.QuoteMeta(export.CreatedLabel) + `[^\n]*\*[ \t]*\n\*` +
		regexp.QuoteMeta(export.UpdatedLabel) + `[^\n]*\*\s*$`)

	htmlTitle   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlBody    = regexp.MustCompile(`(?is)<body[^>]*>(.*)</body>`)
	htmlH1      = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	htmlContent = regexp.MustCompile(`(?is)<div class="` + export.ContentClass + `">(.*?)</div>\s*<div class="` + export.MetaClass + `">`)
	htmlMeta    = regexp.MustCompile(`(?is)<div class="` + export.MetaClass + `">.*?</div>`)
	anyTag      = regexp.MustCompile(`(?s)<[^>]*>`)
)

// ParseFile reads path and extracts a title and body according to its
// extension.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var title, content string
	switch kind(path) {
	case kindMarkdown:
		title, content = parseMarkdown(text)
	case kindHTML:
		title, content = parseHTML(text)
	case kindText:
		content = strings.TrimSpace(text)
	default:
		return nil, fmt.Errorf("unsupported file type %s", filepath.Ext(path))
	}
	if strings.TrimSpace(title) == "" {
		title = stem
	}
	return &Document{Path: path, Title: strings.TrimSpace(title), Content: content}, nil
}

// parseMarkdown takes a leading level-1 heading as the title and drops the
// footer the exporter writes.
func parseMarkdown(text string) (title, body string) {
	body = strings.TrimLeft(text, "\n")
	first, rest, _ := strings.Cut(body, "\n")
	if h, ok := strings.CutPrefix(first, "# "); ok {
		title = h
		body = rest
	}
	body = mdFooter.ReplaceAllString(body, "")
	return title, strings.TrimSpace(body)
}

// parseHTML pulls <title> and <body> out with patterns rather than a full
// parser, then removes the heading and metadata block the exporter adds.
func parseHTML(text string) (title, body string) {
	if m := htmlTitle.FindStringSubmatch(text); m != nil {
		title = innerText(m[1])
	}

	body = text
	if m := htmlBody.FindStringSubmatch(text); m != nil {
		body = m[1]
	}

	if m := htmlContent.FindStringSubmatch(body); m != nil {
		if title == "" {
			if h := htmlH1.FindStringSubmatch(body); h != nil {
				title = innerText(h[1])
			}
		}
		body = m[1]
	} else {
		if h := htmlH1.FindStringSubmatchIndex(body); h != nil {
			heading := innerText(body[h[2]:h[3]])
			if title == "" {
				title = heading
			}
			if heading == title {
				body = body[:h[0]] + body[h[1]:]
			}
		}
		body = htmlMeta.ReplaceAllString(body, "")
	}

	return title, richtext.ToPlainText(strings.TrimSpace(body))
}

func innerText(s string) string {
	return strings.TrimSpace(html.UnescapeString(anyTag.ReplaceAllString(s, "")))
}

type fileKind int

const (
	kindNone fileKind = iota
	kindMarkdown
	kindHTML
	kindText
)

func kind(path string) fileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return kindMarkdown
	case ".html", ".htm":
		return kindHTML
	case ".txt":
		return kindText
	}
	return kindNone
}
