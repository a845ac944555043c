package assetcache

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/webp"
)

// defaultWebPQuality is the lossy quality used for WebP conversions.
const defaultWebPQuality = 85

// ImageFormat is a raster source format accepted by the WebP converter.
type ImageFormat string

const (
	FormatJPEG    ImageFormat = "jpeg"
	FormatPNG     ImageFormat = "png"
	FormatUnknown ImageFormat = ""
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
)

// DetectImageFormat sniffs the format from the leading bytes of data.
func DetectImageFormat(data []byte) ImageFormat {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return FormatJPEG
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	default:
		return FormatUnknown
	}
}

// ToWebP re-encodes a JPEG or PNG as lossy WebP at quality 85. PNG alpha is kept.
// Any other format returns ErrUnsupportedFormat.
func ToWebP(src []byte, format ImageFormat) ([]byte, error) {
	return encodeWebP(src, format, defaultWebPQuality)
}

// WebPTransform returns a TransformFunc converting JPEG and PNG sources at the given quality.
func WebPTransform(quality int) TransformFunc {
	if quality <= 0 || quality > 100 {
		quality = defaultWebPQuality
	}

	return func(src []byte) ([]byte, error) {
		return encodeWebP(src, DetectImageFormat(src), quality)
	}
}

func encodeWebP(src []byte, format ImageFormat, quality int) ([]byte, error) {
	var (
		img image.Image
		err error
	)

	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(bytes.NewReader(src))
	case FormatPNG:
		img, err = png.Decode(bytes.NewReader(src))
	default:
		return nil, unsupportedFormat("image format is not jpeg or png")
	}

	if err != nil {
		return nil, unsupportedFormat("decode " + string(format) + ": " + err.Error())
	}

	buf := getBuffer()
	defer putBuffer(buf)

	if err := webp.Encode(buf, img, webp.Options{Quality: quality}); err != nil {
		return nil, unsupportedFormat("encode webp: " + err.Error())
	}

	return detach(buf), nil
}
