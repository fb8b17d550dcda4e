package media

import (
	"fmt"
	"image"
	"log"
	"os"

	"github.com/rwcarlsen/goexif/exif"
)

// ExtractMetadata reads image dimensions and the EXIF capture time from a
// file. A file without EXIF data is not an error; only dimensions are
// returned then.
func ExtractMetadata(filePath string) (*Metadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	config, _, err := image.DecodeConfig(file)
	var width, height *int
	if err == nil {
		w, h := config.Width, config.Height
		width = &w
		height = &h
	} else {
		log.Printf("metadata: could not decode dimensions of %s: %v", filePath, err)
	}

	if _, err := file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("metadata: failed to seek file %s: %w", filePath, err)
	}

	meta := &Metadata{Width: width, Height: height}

	exifData, err := exif.Decode(file)
	if err != nil {
		return meta, nil
	}
	if dt, err := exifData.DateTime(); err == nil {
		ts := dt.Unix()
		meta.TakenAt = &ts
	}
	return meta, nil
}
