package media

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/camden-git/thumbworks/models"
)

// Result describes a thumbnail produced by the Processor
type Result struct {
	Filename string // thumb_<uuid>.jpg or .png
	RelPath  string // path relative to the storage root, e.g. thumbnails/thumb_x.jpg
	Width    int
	Height   int
	SizeName string // "WxH" label, e.g. "128x128"
}

// Processor turns uploaded media into square cover-fit thumbnails. Images
// keep their family: JPEG sources get JPEG output at the configured quality,
// everything else gets maximally compressed PNG. Videos go through a single
// ffmpeg frame grab first and always come out as JPEG.
type Processor struct {
	store     Store
	extractor *FrameExtractor
	workDir   string // scratch space for extracted video frames
	size      int
	quality   int
}

func NewProcessor(store Store, extractor *FrameExtractor, workDir string, size, quality int) *Processor {
	return &Processor{
		store:     store,
		extractor: extractor,
		workDir:   workDir,
		size:      size,
		quality:   quality,
	}
}

// Process generates the thumbnail for inputPath. progress receives the
// pipeline's coarse percentage ticks; pass nil to ignore them.
func (p *Processor) Process(ctx context.Context, inputPath string, kind models.FileKind, progress func(int)) (*Result, error) {
	if progress == nil {
		progress = func(int) {}
	}

	if _, err := os.Stat(inputPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInputMissing, inputPath)
		}
		return nil, fmt.Errorf("failed to stat input %s: %w", inputPath, err)
	}

	switch kind {
	case models.KindImage:
		return p.thumbnailImage(ctx, inputPath, false, 40, 80, progress)

	case models.KindVideo:
		progress(40)
		framePath, err := p.extractor.ExtractFrame(ctx, inputPath, p.workDir)
		if err != nil {
			return nil, err
		}
		defer os.Remove(framePath)

		// the extracted frame is always JPEG, so the thumbnail is too
		return p.thumbnailImage(ctx, framePath, true, 60, 80, progress)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

// thumbnailImage is the shared image path: decode, cover-fit crop to the
// configured square, encode, persist. decodedPct and encodedPct are the
// progress ticks reported after decode and after encode.
func (p *Processor) thumbnailImage(ctx context.Context, srcPath string, forceJPEG bool, decodedPct, encodedPct int, progress func(int)) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProbeFailed, srcPath, err)
	}
	progress(decodedPct)

	thumb := imaging.Fill(img, p.size, p.size, imaging.Center, imaging.Lanczos)

	format := imaging.PNG
	ext := ".png"
	if forceJPEG || isJPEG(srcPath) {
		format = imaging.JPEG
		ext = ".jpg"
	}

	reader, writer := io.Pipe()
	go func() {
		var encErr error
		switch format {
		case imaging.JPEG:
			encErr = imaging.Encode(writer, thumb, imaging.JPEG, imaging.JPEGQuality(p.quality))
		default:
			encErr = imaging.Encode(writer, thumb, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
		}
		if encErr != nil {
			writer.CloseWithError(fmt.Errorf("%w: %v", ErrEncodeFailed, encErr))
			return
		}
		writer.Close()
	}()

	filename := "thumb_" + uuid.NewString() + ext
	relPath, err := p.store.Save(AssetTypeThumbnail, filename, reader)
	if err != nil {
		// unblock the encoder goroutine if Save bailed before draining the pipe
		reader.Close()
		return nil, err
	}
	progress(encodedPct)

	fullPath, err := p.store.FullPath(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat thumbnail %s: %w", relPath, err)
	}
	if info.Size() == 0 {
		p.store.Delete(relPath)
		return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, relPath)
	}

	log.Printf("media: generated thumbnail %s for %s", relPath, srcPath)
	return &Result{
		Filename: filename,
		RelPath:  relPath,
		Width:    p.size,
		Height:   p.size,
		SizeName: fmt.Sprintf("%dx%d", p.size, p.size),
	}, nil
}

func isJPEG(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}
