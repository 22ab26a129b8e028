package plugins

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var _ Plugin = PagePlugin{}

// PagePlugin reduces fetched HTML to plain text next to the raw payload.
type PagePlugin struct{}

// Name implements Plugin.
func (PagePlugin) Name() string { return "simple-page" }

// Supports implements Plugin.
func (PagePlugin) Supports(assetType string) bool { return assetType == "page" }

// Normalize parses the raw HTML, strips script and style noise, writes the
// remaining text as <raw-stem>.txt under normalizedDir and returns one record
// tagged with the page title.
func (PagePlugin) Normalize(sourceURL, rawPath, metadataJSON, normalizedDir string) ([]AssetRecord, error) {
	payload, err := os.ReadFile(rawPath)
	if err != nil {
		return nil, fmt.Errorf("reading raw payload: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rawPath, err)
	}
	doc.Find("script, style").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := documentText(doc)

	if err := os.MkdirAll(normalizedDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating normalized dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(rawPath), filepath.Ext(rawPath))
	normalizedPath := filepath.Join(normalizedDir, stem+".txt")
	if err := os.WriteFile(normalizedPath, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("writing normalized text: %w", err)
	}

	tags := []string{"page"}
	if title != "" {
		tags = append(tags, "title:"+title)
	}

	return []AssetRecord{{
		Identifier:     sourceURL,
		AssetType:      "page",
		SourceURL:      sourceURL,
		Checksum:       fmt.Sprintf("%x", sha256.Sum256([]byte(text))),
		Tags:           tags,
		NormalizedPath: normalizedPath,
		Metadata:       map[string]any{"title": title},
	}}, nil
}

// documentText joins the document's text nodes with single spaces, collapsing
// runs of whitespace inside each node.
func documentText(doc *goquery.Document) string {
	var parts []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if fields := strings.Fields(n.Data); len(fields) > 0 {
				parts = append(parts, strings.Join(fields, " "))
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	for _, root := range doc.Nodes {
		walk(root)
	}

	return strings.Join(parts, " ")
}
