package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/registry"
)

func TestResolveTextPrefersInlineText(t *testing.T) {
	t.Parallel()

	text, err := resolveText(appFlags{text: "Hello, world."})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", text)
}

func TestResolveTextReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chapter.txt")
	require.NoError(t, os.WriteFile(path, []byte("From a file."), 0o600))

	text, err := resolveText(appFlags{file: path})
	require.NoError(t, err)
	assert.Equal(t, "From a file.", text)
}

func TestResolveTextRejectsMissingInput(t *testing.T) {
	t.Parallel()

	_, err := resolveText(appFlags{})
	require.ErrorIs(t, err, errNoText)
}

func TestResolveTextRejectsBothInputs(t *testing.T) {
	t.Parallel()

	_, err := resolveText(appFlags{text: "inline", file: "chapter.txt"})
	require.ErrorIs(t, err, errBothText)
}

func TestResolveTextReportsUnreadableFile(t *testing.T) {
	t.Parallel()

	_, err := resolveText(appFlags{file: filepath.Join(t.TempDir(), "absent.txt")})
	require.Error(t, err)
}

func testCatalog() registry.Catalog {
	return registry.Catalog{
		Default: "piper-en",
		Models: []registry.ModelDescriptor{
			{Key: "piper-en", Engine: "piper", Language: "en-US", Voice: "amy"},
			{Key: "tone-test", Engine: "tone", Language: "en-US"},
		},
	}
}

func TestSelectModelFallsBackToCatalogDefault(t *testing.T) {
	t.Parallel()

	desc, err := selectModel(testCatalog(), "")
	require.NoError(t, err)
	assert.Equal(t, "piper-en", desc.Key)
}

func TestSelectModelFindsExplicitKey(t *testing.T) {
	t.Parallel()

	desc, err := selectModel(testCatalog(), "tone-test")
	require.NoError(t, err)
	assert.Equal(t, "tone", desc.Engine)
}

func TestSelectModelRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	_, err := selectModel(testCatalog(), "missing")
	require.ErrorIs(t, err, core.ErrModelNotLoaded)
	assert.ErrorContains(t, err, "missing")
}
