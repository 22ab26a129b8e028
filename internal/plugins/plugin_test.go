package plugins

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	name      string
	assetType string
}

func (p stubPlugin) Name() string                   { return p.name }
func (p stubPlugin) Supports(assetType string) bool { return p.assetType == assetType }
func (p stubPlugin) Normalize(sourceURL, rawPath, metadataJSON, normalizedDir string) ([]AssetRecord, error) {
	return nil, nil
}

func TestRegistryDeduplicatesByName(t *testing.T) {
	r := NewRegistry()
	r.Register(stubPlugin{name: "a", assetType: "page"})
	r.Register(stubPlugin{name: "a", assetType: "media"})

	require.Equal(t, []string{"a"}, r.Names())
}

func TestRegistryFindReturnsMatchesInOrder(t *testing.T) {
	first := stubPlugin{name: "first", assetType: "page"}
	second := stubPlugin{name: "second", assetType: "page"}
	media := stubPlugin{name: "media", assetType: "media"}

	r := NewRegistry()
	r.Register(first)
	r.Register(second)
	r.Register(media)

	require.Equal(t, []Plugin{first, second}, r.Find("page"))
	require.Equal(t, []Plugin{media}, r.Find("media"))
	require.Empty(t, r.Find("unknown"))
}

func TestDefaultRegistryCoversBuiltinTypes(t *testing.T) {
	r := DefaultRegistry()
	require.Equal(t, []string{"simple-page", "media-asset"}, r.Names())
	require.Len(t, r.Find("page"), 1)
	require.Len(t, r.Find("media"), 1)
}
