// Package imaging holds the in-memory image representation, the transform
// pipeline applied to downloaded artifacts, and EXIF metadata extraction.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
)

// jpegQuality is used when re-encoding transformed JPEG artifacts.
const jpegQuality = 90

// Image is a downloaded or cache-read artifact flowing between the engine,
// the cache, and transforms. Bytes always holds the encoded form as stored;
// pixel access decodes on demand.
type Image struct {
	SourceURI string
	Format    string
	Width     int
	Height    int
	Bytes     []byte
	Meta      Metadata
}

// Decode builds an Image from encoded bytes, validating that they parse as
// one of the supported formats (png, jpeg, gif).
func Decode(sourceURI string, data []byte) (*Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", sourceURI, err)
	}
	img := &Image{
		SourceURI: sourceURI,
		Format:    format,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Bytes:     append([]byte(nil), data...),
	}
	img.Meta = ExtractMetadata(data)
	return img, nil
}

// Size returns the encoded length in bytes.
func (img *Image) Size() int64 {
	return int64(len(img.Bytes))
}

func (img *Image) decodePixels() (image.Image, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img.Bytes))
	if err != nil {
		return nil, fmt.Errorf("decode pixels %s: %w", img.SourceURI, err)
	}
	return decoded, nil
}

func encode(format string, src image.Image) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case "gif":
		if err := gif.Encode(&buf, src, nil); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case "png":
		if err := png.Encode(&buf, src); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("encode: unsupported format %q", format)
	}
	return buf.Bytes(), nil
}
