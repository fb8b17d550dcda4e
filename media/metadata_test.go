package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMetadataDimensionsWithoutEXIF(t *testing.T) {
	src := writeFixtureImage(t, t.TempDir(), "plain.png")

	meta, err := ExtractMetadata(src)
	require.NoError(t, err)

	require.NotNil(t, meta.Width)
	require.NotNil(t, meta.Height)
	assert.Equal(t, 256, *meta.Width)
	assert.Equal(t, 64, *meta.Height)
	// a PNG straight out of the encoder carries no capture time
	assert.Nil(t, meta.TakenAt)
}

func TestExtractMetadataUnreadableFile(t *testing.T) {
	_, err := ExtractMetadata(filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
}

func TestExtractMetadataGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image at all"), 0644))

	meta, err := ExtractMetadata(path)
	require.NoError(t, err, "undecodable content degrades to an empty result, not an error")
	assert.Nil(t, meta.Width)
	assert.Nil(t, meta.Height)
	assert.Nil(t, meta.TakenAt)
}
