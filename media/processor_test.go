package media

import (
	"context"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/thumbworks/models"
)

func newTestStore(t *testing.T) *LocalStorage {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir(), "thumbnails")
	require.NoError(t, err)
	return store
}

// writeFixtureImage writes a wide test image so the cover crop is observable
func writeFixtureImage(t *testing.T, dir, name string) string {
	t.Helper()
	img := imaging.New(256, 64, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

// writeStubFFmpeg writes an executable shell script standing in for ffmpeg
func writeStubFFmpeg(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestProcessImagePNG(t *testing.T) {
	store := newTestStore(t)
	src := writeFixtureImage(t, t.TempDir(), "input.png")
	p := NewProcessor(store, nil, t.TempDir(), 128, 80)

	var ticks []int
	result, err := p.Process(context.Background(), src, models.KindImage, func(pct int) {
		ticks = append(ticks, pct)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{40, 80}, ticks)
	assert.True(t, strings.HasPrefix(result.Filename, "thumb_"))
	assert.True(t, strings.HasSuffix(result.Filename, ".png"), "non-JPEG input keeps PNG output, got %s", result.Filename)
	assert.Equal(t, "128x128", result.SizeName)

	fullPath, err := store.FullPath(result.RelPath)
	require.NoError(t, err)
	thumb, err := imaging.Open(fullPath)
	require.NoError(t, err)
	assert.Equal(t, 128, thumb.Bounds().Dx())
	assert.Equal(t, 128, thumb.Bounds().Dy())
}

func TestProcessImageJPEGKeepsJPEG(t *testing.T) {
	store := newTestStore(t)
	src := writeFixtureImage(t, t.TempDir(), "input.jpg")
	p := NewProcessor(store, nil, t.TempDir(), 128, 80)

	result, err := p.Process(context.Background(), src, models.KindImage, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.Filename, ".jpg"), "JPEG input keeps JPEG output, got %s", result.Filename)
}

func TestProcessMissingInput(t *testing.T) {
	p := NewProcessor(newTestStore(t), nil, t.TempDir(), 128, 80)

	_, err := p.Process(context.Background(), "/nowhere/gone.jpg", models.KindImage, nil)
	require.ErrorIs(t, err, ErrInputMissing)
	assert.Contains(t, err.Error(), "not found")
}

func TestProcessUnsupportedKind(t *testing.T) {
	store := newTestStore(t)
	src := writeFixtureImage(t, t.TempDir(), "input.png")
	p := NewProcessor(store, nil, t.TempDir(), 128, 80)

	_, err := p.Process(context.Background(), src, models.FileKind("audio"), nil)
	require.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestProcessUndecodableImage(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0644))
	p := NewProcessor(store, nil, t.TempDir(), 128, 80)

	_, err := p.Process(context.Background(), src, models.KindImage, nil)
	require.ErrorIs(t, err, ErrProbeFailed)
}

func TestProcessVideo(t *testing.T) {
	store := newTestStore(t)
	fixtureDir := t.TempDir()
	frameSrc := writeFixtureImage(t, fixtureDir, "frame.jpg")

	// the stub copies a fixture frame to ffmpeg's output path (its last arg)
	stub := writeStubFFmpeg(t, "#!/bin/sh\nfor a in \"$@\"; do dst=\"$a\"; done\ncp \""+frameSrc+"\" \"$dst\"\n")
	extractor := NewFrameExtractor(stub, "00:00:01", 5*time.Second)

	workDir := t.TempDir()
	p := NewProcessor(store, extractor, workDir, 128, 80)

	videoPath := filepath.Join(fixtureDir, "clip.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("fake video bytes"), 0644))

	var ticks []int
	result, err := p.Process(context.Background(), videoPath, models.KindVideo, func(pct int) {
		ticks = append(ticks, pct)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{40, 60, 80}, ticks)
	assert.True(t, strings.HasSuffix(result.Filename, ".jpg"), "video thumbnails are always JPEG, got %s", result.Filename)

	// the temp frame must not outlive the job
	leftovers, err := filepath.Glob(filepath.Join(workDir, "temp_*.jpg"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestProcessVideoExtractionFailure(t *testing.T) {
	store := newTestStore(t)
	stub := writeStubFFmpeg(t, "#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n")
	extractor := NewFrameExtractor(stub, "00:00:01", 5*time.Second)
	p := NewProcessor(store, extractor, t.TempDir(), 128, 80)

	videoPath := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("fake video bytes"), 0644))

	var ticks []int
	_, err := p.Process(context.Background(), videoPath, models.KindVideo, func(pct int) {
		ticks = append(ticks, pct)
	})
	var extractionErr *VideoExtractionError
	require.True(t, errors.As(err, &extractionErr))
	assert.Contains(t, extractionErr.Stderr, "moov atom not found")
	// the 40% tick precedes the subprocess, so it fires even on failure
	assert.Equal(t, []int{40}, ticks)
}

// brokenStore refuses every save without reading the data
type brokenStore struct {
	*LocalStorage
}

func (brokenStore) Save(assetType AssetType, filename string, data io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestProcessSaveFailureUnblocksEncoder(t *testing.T) {
	src := writeFixtureImage(t, t.TempDir(), "input.png")
	p := NewProcessor(brokenStore{newTestStore(t)}, nil, t.TempDir(), 128, 80)

	before := runtime.NumGoroutine()
	for i := 0; i < 8; i++ {
		_, err := p.Process(context.Background(), src, models.KindImage, nil)
		require.Error(t, err)
	}

	// the encoder goroutines must not stay parked on the dead pipes
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 50*time.Millisecond, "encoder goroutines leaked")
}

func TestProcessVideoExtractionTimeout(t *testing.T) {
	store := newTestStore(t)
	stub := writeStubFFmpeg(t, "#!/bin/sh\nsleep 5\n")
	extractor := NewFrameExtractor(stub, "00:00:01", 100*time.Millisecond)
	p := NewProcessor(store, extractor, t.TempDir(), 128, 80)

	videoPath := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("fake video bytes"), 0644))

	_, err := p.Process(context.Background(), videoPath, models.KindVideo, nil)
	require.ErrorIs(t, err, ErrVideoExtractionTimeout)
	assert.Contains(t, err.Error(), "timed out")
}
