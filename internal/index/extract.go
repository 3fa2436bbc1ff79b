package index

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// markupExtensions are file extensions whose text content is indexed.
var markupExtensions = []string{".html", ".htm"}

// markdownExtensions are rendered to HTML before extraction.
var markdownExtensions = []string{".md", ".markdown"}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// IsMarkup reports whether a file's text content is searchable.
func IsMarkup(path string) bool {
	return hasExt(path, markupExtensions) || hasExt(path, markdownExtensions)
}

// inlineTags do not separate words.
var inlineTags = map[string]bool{
	"a": true, "abbr": true, "b": true, "cite": true, "code": true, "em": true,
	"i": true, "kbd": true, "mark": true, "q": true, "s": true, "samp": true,
	"small": true, "span": true, "strong": true, "sub": true, "sup": true,
	"u": true, "var": true,
}

// ExtractText returns the lowercased visible text of an HTML document with
// whitespace collapsed. Script and style bodies are skipped.
func ExtractText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			return strings.ToLower(strings.Join(strings.Fields(sb.String()), " ")), nil
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			raw, _ := z.TagName()
			name := string(raw)
			if name == "script" || name == "style" {
				switch {
				case tt == html.StartTagToken:
					skip++
				case tt == html.EndTagToken && skip > 0:
					skip--
				}
			}
			if !inlineTags[name] {
				sb.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

var markdown = goldmark.New()

// fileContent returns the indexed text for a file on disk, "" for non-markup.
func fileContent(path string) (string, error) {
	if !IsMarkup(path) {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if hasExt(path, markdownExtensions) {
		var buf bytes.Buffer
		if err := markdown.Convert(data, &buf); err != nil {
			return "", fmt.Errorf("render %s: %w", filepath.Base(path), err)
		}
		data = buf.Bytes()
	}
	return ExtractText(bytes.NewReader(data))
}
