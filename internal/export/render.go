package export

import (
	"fmt"
	"html/template"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/renderinc/notevault/internal/introspect"
	"github.com/renderinc/notevault/internal/richtext"
	"github.com/renderinc/notevault/internal/storage"
)

// Markers shared with the importer so an exported note re-imports cleanly.
const (
	FooterRule    = "---"
	CreatedLabel  = "Created: "
	UpdatedLabel  = "Updated: "
	ContentClass  = "note-content"
	MetaClass     = "note-meta"
	maxNameLength = 100
)

// FileName turns a note title into a safe file name without extension.
// Characters illegal on common filesystems become "_"; a title that
// sanitizes to nothing falls back to note_<id>.
func FileName(title string, id int64) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), " .")
	if utf8.RuneCountInString(name) > maxNameLength {
		name = strings.TrimRight(string([]rune(name)[:maxNameLength]), " .")
	}
	if strings.Trim(name, "_") == "" {
		return fmt.Sprintf("note_%d", id)
	}
	return name
}

func render(n introspect.NoteRecord, format Format) (string, error) {
	if format == HTML {
		return renderHTML(n)
	}
	return renderMarkdown(n), nil
}

func mediaLink(p string) string {
	return path.Join(MediaDirName, path.Base(strings.ReplaceAll(p, `\`, "/")))
}

func renderMarkdown(n introspect.NoteRecord) string {
	var parts []string
	if len(n.Blocks) == 0 {
		if s := strings.TrimSpace(richtext.ToPlainText(n.Content)); s != "" {
			parts = append(parts, s)
		}
	}
	for _, b := range n.Blocks {
		switch {
		case b.Type == string(storage.BlockImage) && b.MediaPath != "":
			parts = append(parts, fmt.Sprintf("![%s](%s)", path.Base(mediaLink(b.MediaPath)), mediaLink(b.MediaPath)))
		case strings.TrimSpace(b.Text) != "":
			parts = append(parts, strings.TrimSpace(richtext.ToPlainText(b.Text)))
		}
	}

	var s strings.Builder
	fmt.Fprintf(&s, "# %s\n\n", n.Title)
	if len(parts) > 0 {
		s.WriteString(strings.Join(parts, "\n\n"))
		s.WriteString("\n\n")
	}
	fmt.Fprintf(&s, "%s\n*%s%s*  \n*%s%s*\n", FooterRule,
		CreatedLabel, n.CreatedAt.Local().Format(FooterTimeLayout),
		UpdatedLabel, n.UpdatedAt.Local().Format(FooterTimeLayout))
	return s.String()
}

var htmlPage = template.Must(template.New("note").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="` + ContentClass + `">
{{range .Blocks}}{{.}}
{{end}}</div>
<div class="` + MetaClass + `">
<p>` + CreatedLabel + `{{.Created}}</p>
<p>` + UpdatedLabel + `{{.Updated}}</p>
</div>
</body>
</html>
`))

func renderHTML(n introspect.NoteRecord) (string, error) {
	var blocks []template.HTML
	if len(n.Blocks) == 0 && strings.TrimSpace(n.Content) != "" {
		blocks = append(blocks, richtext.ToHTML(n.Content))
	}
	for _, b := range n.Blocks {
		switch {
		case b.Type == string(storage.BlockImage) && b.MediaPath != "":
			link := mediaLink(b.MediaPath)
			blocks = append(blocks, template.HTML(fmt.Sprintf(`<img src="%s" alt="%s">`,
				template.HTMLEscapeString(link), template.HTMLEscapeString(path.Base(link)))))
		case strings.TrimSpace(b.Text) != "":
			blocks = append(blocks, richtext.ToHTML(b.Text))
		}
	}

	var s strings.Builder
	err := htmlPage.Execute(&s, struct {
		Title            string
		Blocks           []template.HTML
		Created, Updated string
	}{
		Title:   n.Title,
		Blocks:  blocks,
		Created: n.CreatedAt.Local().Format(FooterTimeLayout),
		Updated: n.UpdatedAt.Local().Format(FooterTimeLayout),
	})
	return s.String(), err
}
