package plugins

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeRawHTML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPagePluginNormalizes(t *testing.T) {
	dir := t.TempDir()
	rawPath := writeRawHTML(t, dir, "raw.html",
		"<html><head><title>Example</title></head><body>Hello World</body></html>")
	normalizedDir := filepath.Join(dir, "normalized")

	records, err := PagePlugin{}.Normalize("https://example.com", rawPath, "", normalizedDir)
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	require.Equal(t, "page", record.AssetType)
	require.Equal(t, "https://example.com", record.Identifier)
	require.Equal(t, "https://example.com", record.SourceURL)
	require.Equal(t, map[string]any{"title": "Example"}, record.Metadata)
	require.Equal(t, []string{"page", "title:Example"}, record.Tags)
	require.Equal(t, filepath.Join(normalizedDir, "raw.txt"), record.NormalizedPath)

	text, err := os.ReadFile(record.NormalizedPath)
	require.NoError(t, err)
	require.Equal(t, "Example Hello World", string(text))
	require.Equal(t, fmt.Sprintf("%x", sha256.Sum256(text)), record.Checksum)
}

func TestPagePluginStripsScriptsAndStyles(t *testing.T) {
	dir := t.TempDir()
	rawPath := writeRawHTML(t, dir, "page.html",
		"<html><head><title>T</title><style>body{color:red}</style></head>"+
			"<body><script>var x = 1;</script><p>Visible   text</p></body></html>")

	records, err := PagePlugin{}.Normalize("https://example.com/p", rawPath, "", filepath.Join(dir, "norm"))
	require.NoError(t, err)

	text, err := os.ReadFile(records[0].NormalizedPath)
	require.NoError(t, err)
	require.Equal(t, "T Visible text", string(text))
}

func TestPagePluginWithoutTitle(t *testing.T) {
	dir := t.TempDir()
	rawPath := writeRawHTML(t, dir, "bare.html", "<html><body>No heading here</body></html>")

	records, err := PagePlugin{}.Normalize("https://example.com/bare", rawPath, "", filepath.Join(dir, "norm"))
	require.NoError(t, err)

	record := records[0]
	require.Equal(t, []string{"page"}, record.Tags)
	require.Equal(t, map[string]any{"title": ""}, record.Metadata)
}

func TestPagePluginMissingRawFile(t *testing.T) {
	_, err := PagePlugin{}.Normalize("https://example.com",
		filepath.Join(t.TempDir(), "absent.html"), "", t.TempDir())
	require.Error(t, err)
}
