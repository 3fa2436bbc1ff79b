package index

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<h1>Hello World</h1>", "hello world"},
		{"<p>Fish &amp; Chips</p>", "fish & chips"},
		{"<html><head><style>h1{color:red}</style><script>var X = 1;</script></head><body><p>Only  this\n text</p></body></html>", "only this text"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExtractText(strings.NewReader(tt.in))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestIsMarkup(t *testing.T) {
	assert.True(t, IsMarkup("index.html"))
	assert.True(t, IsMarkup("api/PAGE.HTM"))
	assert.True(t, IsMarkup("README.md"))
	assert.False(t, IsMarkup("index.txt"))
	assert.False(t, IsMarkup("logo.png"))
}

func TestFileContent(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	got, err := fileContent(write("index.html", "<h1>Hello World</h1>"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	got, err = fileContent(write("guide.md", "# Install\n\nRun **make**."))
	require.NoError(t, err)
	assert.Equal(t, "install run make.", got)

	got, err = fileContent(write("index.txt", "Hello"))
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
