// Package logpage renders and stores the HTML pages behind the status links
// of builds and lint runs.
package logpage

import (
	"bytes"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bosondata/badwolf/internal/common"
)

const (
	BuildLog = "build.html"
	LintLog  = "lint.html"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// Page is one saved log. Summary is markdown; Sections are shown verbatim.
type Page struct {
	Title    string
	Summary  string
	Sections []Section
}

type Section struct {
	Name string
	Text string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Helvetica Neue", Arial, sans-serif; margin: 2em; }
pre { background: #272822; color: #f8f8f2; padding: 1em; overflow-x: auto; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="summary">{{.Summary}}</div>
{{range .Sections}}<h2>{{.Name}}</h2>
<pre>{{.Text}}</pre>
{{end}}</body>
</html>
`))

type pageData struct {
	Title    string
	Summary  template.HTML
	Sections []Section
}

// Render produces the HTML document. Section text is stripped of escape
// sequences and credentials before escaping.
func Render(p Page) ([]byte, error) {
	var summary bytes.Buffer
	if err := getMarkdown().Convert([]byte(p.Summary), &summary); err != nil {
		return nil, err
	}
	data := pageData{Title: p.Title, Summary: template.HTML(summary.String())}
	for _, s := range p.Sections {
		data.Sections = append(data.Sections, Section{
			Name: s.Name,
			Text: common.SanitizeSensitiveData(StripANSI(s.Text)),
		})
	}
	var out bytes.Buffer
	if err := pageTemplate.Execute(&out, data); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Path is where a log of a task is stored.
func Path(logDir, commit, taskID, name string) string {
	return filepath.Join(logDir, commit, taskID, name)
}

// Save renders p to <logDir>/<commit>/<taskID>/<name>.
func Save(logDir, commit, taskID, name string, p Page) (string, error) {
	content, err := Render(p)
	if err != nil {
		return "", err
	}
	path := Path(logDir, commit, taskID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
