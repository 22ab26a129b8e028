package plugins

import (
	"encoding/json"
	"strings"
)

var _ Plugin = MediaPlugin{}

// categoryByMediaType buckets known MIME types into coarse asset categories.
var categoryByMediaType = map[string]string{
	"image/png":                "image",
	"image/jpeg":               "image",
	"image/gif":                "image",
	"image/webp":               "image",
	"image/svg+xml":            "image",
	"image/x-icon":             "image",
	"image/vnd.microsoft.icon": "image",
	"image/bmp":                "image",
	"image/tiff":               "image",
	"image/avif":               "image",
	"video/mp4":                "video",
	"video/webm":               "video",
	"video/ogg":                "video",
	"audio/mpeg":               "audio",
	"audio/ogg":                "audio",
	"audio/wav":                "audio",
	"audio/webm":               "audio",
	"application/pdf":          "document",
	"application/msword":       "document",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "document",
	"application/vnd.ms-excel": "document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "document",
	"application/vnd.ms-powerpoint":                                     "document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "document",
	"application/zip":              "archive",
	"application/gzip":             "archive",
	"application/x-tar":            "archive",
	"application/x-7z-compressed":  "archive",
	"application/x-rar-compressed": "archive",
	"text/css":                     "stylesheet",
	"application/javascript":       "script",
	"text/javascript":              "script",
	"font/woff":                    "font",
	"font/woff2":                   "font",
	"font/ttf":                     "font",
	"font/otf":                     "font",
	"application/font-woff":        "font",
	"application/font-woff2":       "font",
}

// classifyContentType reduces a MIME type to a high-level category.
func classifyContentType(contentType string) string {
	if contentType == "" {
		return "binary"
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if category, ok := categoryByMediaType[mediaType]; ok {
		return category
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return "image"
	case strings.HasPrefix(mediaType, "video/"):
		return "video"
	case strings.HasPrefix(mediaType, "audio/"):
		return "audio"
	case strings.HasPrefix(mediaType, "font/"):
		return "font"
	}
	return "binary"
}

// MediaPlugin tags downloaded media by category. The files are already in
// final content-addressed form, so normalization is metadata only.
type MediaPlugin struct{}

// Name implements Plugin.
func (MediaPlugin) Name() string { return "media-asset" }

// Supports implements Plugin.
func (MediaPlugin) Supports(assetType string) bool { return assetType == "media" }

// Normalize reads the fetch metadata and returns one categorized record
// pointing at the existing media file.
func (MediaPlugin) Normalize(sourceURL, rawPath, metadataJSON, normalizedDir string) ([]AssetRecord, error) {
	var contentType, checksum, extension string
	if metadataJSON != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(metadataJSON), &meta); err == nil {
			contentType, _ = meta["content_type"].(string)
			checksum, _ = meta["checksum"].(string)
			extension, _ = meta["extension"].(string)
		}
	}

	category := classifyContentType(contentType)
	tags := []string{"media", category}
	if extTag := strings.TrimLeft(extension, "."); extTag != "" {
		tags = append(tags, extTag)
	}

	return []AssetRecord{{
		Identifier:     sourceURL,
		AssetType:      "media",
		SourceURL:      sourceURL,
		Checksum:       checksum,
		Tags:           tags,
		NormalizedPath: rawPath,
		Metadata:       map[string]any{"category": category, "content_type": contentType},
	}}, nil
}
