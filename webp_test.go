package assetcache

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/gen2brain/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))

	return buf.Bytes()
}

func assertWebP(t *testing.T, data []byte) {
	t.Helper()

	require.Greater(t, len(data), 12)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WEBP", string(data[8:12]))
}

func TestDetectImageFormat(t *testing.T) {
	assert.Equal(t, FormatPNG, DetectImageFormat(testPNG(t)))
	assert.Equal(t, FormatJPEG, DetectImageFormat(testJPEG(t)))
	assert.Equal(t, FormatUnknown, DetectImageFormat([]byte("GIF89a")))
	assert.Equal(t, FormatUnknown, DetectImageFormat(nil))
}

func TestToWebPFromJPEG(t *testing.T) {
	out, err := ToWebP(testJPEG(t), FormatJPEG)
	require.NoError(t, err)
	assertWebP(t, out)

	img, err := webp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), img.Bounds())
}

func TestToWebPKeepsPNGAlpha(t *testing.T) {
	out, err := ToWebP(testPNG(t), FormatPNG)
	require.NoError(t, err)
	assertWebP(t, out)

	img, err := webp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())

	_, _, _, transparent := img.At(2, 8).RGBA()
	_, _, _, opaque := img.At(13, 8).RGBA()

	assert.Less(t, transparent, uint32(0x1000))
	assert.Greater(t, opaque, uint32(0xF000))
}

func TestToWebPUnsupported(t *testing.T) {
	_, err := ToWebP([]byte("GIF89a\x01\x00\x01\x00"), FormatUnknown)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	// valid signature, broken body
	broken := append([]byte{}, pngMagic...)
	broken = append(broken, []byte("not really a png")...)

	_, err = ToWebP(broken, FormatPNG)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWebPTransformSniffsFormat(t *testing.T) {
	transform := WebPTransform(0)

	out, err := transform(testPNG(t))
	require.NoError(t, err)
	assertWebP(t, out)

	_, err = transform([]byte("plain text"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWebPTransformQualityAffectsSize(t *testing.T) {
	src := testJPEG(t)

	low, err := WebPTransform(10)(src)
	require.NoError(t, err)

	high, err := WebPTransform(100)(src)
	require.NoError(t, err)

	assert.Less(t, len(low), len(high))
}
