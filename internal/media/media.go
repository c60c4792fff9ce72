package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/nfnt/resize"
)

const (
	ThumbnailSize   = 480
	MaxUploadBytes  = 5 << 20
	thumbnailPrefix = "data:image/jpeg;base64,"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Thumbnail decodes a JPEG or PNG upload, shrinks it to fit within
// ThumbnailSize and returns it as a JPEG data URI.
func Thumbnail(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrUnsupportedFormat)
	}
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("image too large: %d bytes", len(data))
	}

	var (
		img image.Image
		err error
	)
	switch contentType := http.DetectContentType(data); contentType {
	case "image/png":
		img, err = png.Decode(bytes.NewReader(data))
	case "image/jpeg":
		img, err = jpeg.Decode(bytes.NewReader(data))
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %v", err)
	}

	preview := resize.Thumbnail(ThumbnailSize, ThumbnailSize, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, preview, &jpeg.Options{Quality: 75}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %v", err)
	}
	return thumbnailPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
